// Package device implements the USB device side of the echo firmware:
// descriptor construction, enumeration, and dispatch of class requests.
//
// It is platform-agnostic and reaches hardware only through the
// [hal.DeviceHAL] interface defined in the
// [github.com/ardnew/acmecho/device/hal] package.
//
// # Building a Device
//
// A [Builder] writes every descriptor into caller-owned fixed buffers
// ([Buffers]). Classes register their interfaces, endpoints and request
// handlers on the builder from their constructors, then the firmware calls
// [Builder.Build] exactly once:
//
//	var bufs device.Buffers
//	b := device.NewBuilder(hal, device.DefaultConfig(), &bufs)
//	acm := cdc.New(b, cdc.NewState(), 64)
//	dev, err := b.Build(ctx)
//
// Build fails with [pkg.ErrBufferTooSmall] if any descriptor does not fit
// its buffer. It never truncates.
//
// # Running a Device
//
// [Device.Run] is the device poll task. It attaches to the bus and loops
// forever servicing resets, VBUS changes and control transfers; it returns
// only when its context is cancelled. Data endpoints make no progress
// unless Run is being polled.
//
// The device follows the USB 2.0 state machine:
//
//	Attached → Powered → Default → Address → Configured
//
// Bus reset and VBUS loss drop back to Default and Attached respectively,
// disabling every data endpoint and resetting every class.
//
// [pkg.ErrBufferTooSmall]: github.com/ardnew/acmecho/pkg.ErrBufferTooSmall
package device
