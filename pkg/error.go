package pkg

import "errors"

// Transport errors reported by a HAL on endpoint I/O.
//
// These two are the only faults the application relay loop distinguishes:
// an overflow is a configuration defect and aborts the firmware, a disabled
// endpoint is an ordinary host disconnect.
var (
	// ErrBufferOverflow indicates a packet larger than the buffer it was
	// read into, or a write larger than the endpoint's max packet size.
	ErrBufferOverflow = errors.New("buffer overflow")

	// ErrDisabled indicates the endpoint is not enabled, usually because
	// the host reset, deconfigured, or detached from the device.
	ErrDisabled = errors.New("endpoint disabled")
)

// USB protocol errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrNotConfigured indicates the device is not configured.
	ErrNotConfigured = errors.New("device not configured")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an invalid device state for the operation.
	ErrInvalidState = errors.New("invalid device state")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrNoResources indicates insufficient resources (e.g., free endpoint numbers).
	ErrNoResources = errors.New("no resources available")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrReset indicates a bus reset was received.
	ErrReset = errors.New("bus reset")
)

// Lifecycle errors.
var (
	// ErrAlreadyRunning indicates the HAL or device is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrAlreadyBuilt indicates a builder was used after Build.
	ErrAlreadyBuilt = errors.New("device already built")

	// ErrPeripheralsTaken indicates the peripheral set was already claimed.
	ErrPeripheralsTaken = errors.New("peripherals already taken")
)
