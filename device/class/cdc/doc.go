// Package cdc implements the USB Communications Device Class (CDC)
// Abstract Control Model, the standard class for virtual serial ports.
//
// # Architecture
//
// An ACM function consists of two interfaces grouped by an Interface
// Association Descriptor:
//
//   - Control Interface (Communications Class): handles CDC requests such as
//     SET_LINE_CODING and SET_CONTROL_LINE_STATE, and owns an interrupt IN
//     notification endpoint
//   - Data Interface (Data Class): bulk OUT and bulk IN endpoints
//
// # Connections
//
// The function is connected while the device is configured and the host
// holds DTR asserted, which terminal programs do for as long as the port is
// open. [ACM.WaitConnection] blocks until that happens. A pending
// [ACM.ReadPacket] or [ACM.WritePacket] fails with [pkg.ErrDisabled] as soon
// as the connection drops, whether from DTR, deconfiguration, bus reset or
// VBUS loss.
//
// # Usage
//
//	var bufs device.Buffers
//	b := device.NewBuilder(hal, device.DefaultConfig(), &bufs)
//	acm := cdc.New(b, cdc.NewState(), 64)
//	dev, _ := b.Build(ctx)
//
//	go dev.Run(ctx)
//	acm.WaitConnection(ctx)
//	n, _ := acm.ReadPacket(ctx, buf[:])
//	acm.WritePacket(ctx, buf[:n])
//
// [pkg.ErrDisabled]: github.com/ardnew/acmecho/pkg.ErrDisabled
package cdc
