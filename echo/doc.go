// Package echo implements the firmware's application task: a serial
// loopback that writes every received packet straight back to the host.
//
// The task alternates between two states. In AwaitingConnection it waits
// for a host to open the port. In Connected it relays packets until the
// transport reports the connection gone, then waits again. Transport
// faults are split in two: a disabled endpoint is an ordinary disconnect,
// while a buffer overflow means the relay buffer is smaller than the
// endpoint's packets and the task panics.
package echo
