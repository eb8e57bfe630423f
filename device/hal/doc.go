// Package hal defines the Hardware Abstraction Layer interface for the USB
// device controller.
//
// The HAL is the firmware's transport driver: it performs low-level USB
// transactions on behalf of the device package, which implements all
// protocol logic (enumeration, descriptors, class request routing).
//
// # Interface Overview
//
// The [DeviceHAL] interface defines the contract for device-side USB operations:
//
//   - Initialization and lifecycle management
//   - Control endpoint (EP0) operations for enumeration
//   - Data endpoint operations, one packet at a time
//
// # Error Taxonomy
//
// Data endpoint operations fail with exactly two transport faults. A packet
// that does not fit the caller's buffer is a buffer overflow; an endpoint that
// is not enabled (or stops being enabled while an operation is pending) is
// disabled. Applications build their recovery policy on that distinction.
//
// # Implementing a HAL
//
// To implement a HAL for a new platform:
//
//  1. Create a type that implements all [DeviceHAL] methods
//  2. Handle hardware-specific initialization in Init()
//  3. Report bus reset and VBUS loss from ReadSetup
//  4. Implement Read/Write for data endpoints with the error taxonomy above
//
// An in-memory HAL that a simulated host can drive is available in
// [github.com/ardnew/acmecho/device/hal/loopback].
package hal
