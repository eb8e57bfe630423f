// Package loopback implements an in-memory HAL for the USB device stack.
//
// A [Bus] satisfies hal.DeviceHAL for the device side and exposes a [Host]
// handle that plays the USB host: it supplies VBUS, issues bus resets,
// performs control transfers and exchanges packets on data endpoints.
// The Bus also reports VBUS, so it can stand in for the board's power
// peripheral during readiness gating.
//
// # Semantics
//
// Control transfers and bus events are handed to the device through
// unbuffered channels, so the device observes them in the order the host
// issued them. Data endpoint packets are also handed off unbuffered: a
// device Write completes only when the host has received the packet.
//
// Endpoint faults follow the HAL error taxonomy. Reading a packet larger
// than the caller's buffer, or writing more than the endpoint's max packet
// size, fails with pkg.ErrBufferOverflow. A bus reset, a deconfigure, or a
// detach disables every endpoint, and any pending operation fails with
// pkg.ErrDisabled.
//
// # Example
//
//	bus := loopback.New()
//	host := bus.Host()
//	host.Attach()
//	// ... build and run the device against bus ...
//	host.Enumerate(ctx)
//	host.Send(ctx, 0x02, []byte("hi"))
//	reply, _ := host.Receive(ctx, 0x82)
package loopback
