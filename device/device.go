package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/acmecho/device/hal"
	"github.com/ardnew/acmecho/pkg"
)

// Device is a built USB device. It owns the control endpoint and answers
// enumeration; registered classes handle their own requests and data
// endpoints. Run must be polled continuously for the device to make progress.
type Device struct {
	hal    hal.DeviceHAL
	config Config

	// Encoded descriptors, referencing the builder's buffers.
	deviceDesc []byte
	configDesc []byte
	bosDesc    []byte

	// Control OUT data stage scratch.
	control []byte

	interfaceCount uint8
	endpoints      []hal.EndpointConfig
	handlers       []Handler

	// Control IN response scratch.
	responseBuf [MaxControlDataSize]byte

	mutex         sync.RWMutex
	running       bool
	state         State
	address       uint8
	configuration uint8
	remoteWakeup  bool
	halted        map[uint8]bool

	onStateChange func(old, new State)
}

// State returns the current device state.
func (d *Device) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// Address returns the device address.
func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// Configuration returns the active configuration value, or 0.
func (d *Device) Configuration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configuration
}

// IsConfigured returns true if the device is configured.
func (d *Device) IsConfigured() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state == StateConfigured
}

// IsRemoteWakeupEnabled returns true if the host enabled remote wakeup.
func (d *Device) IsRemoteWakeupEnabled() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.remoteWakeup
}

// DeviceDescriptor returns the encoded device descriptor.
func (d *Device) DeviceDescriptor() []byte { return d.deviceDesc }

// ConfigDescriptor returns the encoded configuration descriptor set.
func (d *Device) ConfigDescriptor() []byte { return d.configDesc }

// BOSDescriptor returns the encoded BOS descriptor set.
func (d *Device) BOSDescriptor() []byte { return d.bosDesc }

// SetOnStateChange sets the state change callback. It is called from the
// goroutine running Run.
func (d *Device) SetOnStateChange(cb func(old, new State)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.onStateChange = cb
}

// setState changes the device state and triggers callback.
func (d *Device) setState(newState State) {
	d.mutex.Lock()
	oldState := d.state
	d.state = newState
	callback := d.onStateChange
	d.mutex.Unlock()

	if oldState != newState {
		pkg.LogDebug(pkg.ComponentDevice, "device state changed",
			"from", oldState.String(),
			"to", newState.String())
		if callback != nil {
			callback(oldState, newState)
		}
	}
}

// Run attaches to the bus and services bus events and control transfers
// until ctx is cancelled. It never returns on its own otherwise; host
// disconnects and bus resets are handled internally.
func (d *Device) Run(ctx context.Context) error {
	d.mutex.Lock()
	if d.running {
		d.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	d.running = true
	d.mutex.Unlock()

	defer func() {
		d.mutex.Lock()
		d.running = false
		d.mutex.Unlock()
	}()

	if err := d.hal.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	d.setState(StatePowered)
	pkg.LogInfo(pkg.ComponentDevice, "device running")

	var setup hal.SetupPacket
	for {
		err := d.hal.ReadSetup(ctx, &setup)
		switch {
		case err == nil:
			d.handleSetup(ctx, &setup)

		case errors.Is(err, pkg.ErrReset):
			d.busReset(StateDefault)

		case errors.Is(err, pkg.ErrDisabled):
			pkg.LogInfo(pkg.ComponentDevice, "bus power lost")
			d.busReset(StateAttached)

		case ctx.Err() != nil:
			d.busReset(StateAttached)
			if err := d.hal.Stop(); err != nil {
				pkg.LogWarn(pkg.ComponentDevice, "stop transport failed", "error", err)
			}
			return ctx.Err()

		default:
			pkg.LogWarn(pkg.ComponentDevice, "read setup failed", "error", err)
		}
	}
}

// busReset returns the device to its unaddressed, unconfigured state and
// notifies every class.
func (d *Device) busReset(state State) {
	d.mutex.Lock()
	d.address = 0
	d.configuration = 0
	d.remoteWakeup = false
	d.halted = nil
	d.mutex.Unlock()

	if err := d.hal.ConfigureEndpoints(nil); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "disable endpoints failed", "error", err)
	}
	if err := d.hal.SetAddress(0); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "clear address failed", "error", err)
	}
	for _, h := range d.handlers {
		h.Reset()
	}

	d.setState(state)
	pkg.LogDebug(pkg.ComponentDevice, "device reset", "state", state.String())
}

// handleSetup runs one control transfer to completion. Requests that fail
// are answered with a stall; the device keeps running.
func (d *Device) handleSetup(ctx context.Context, setup *hal.SetupPacket) {
	if setup.IsDeviceToHost() {
		d.controlIn(ctx, setup)
		return
	}
	d.controlOut(ctx, setup)
}

func (d *Device) controlIn(ctx context.Context, setup *hal.SetupPacket) {
	var (
		data []byte
		err  error
	)
	if setup.IsStandard() {
		data, err = d.standardIn(setup)
	} else {
		data, err = d.classIn(setup)
	}
	if err != nil {
		d.stall(setup, err)
		return
	}

	if len(data) > int(setup.Length) {
		data = data[:setup.Length]
	}
	if err := d.hal.WriteEP0(ctx, data); err != nil {
		d.stall(setup, err)
		return
	}
	// Status stage
	if _, err := d.hal.ReadEP0(ctx, nil); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "control status stage failed",
			"setup", setup.String(),
			"error", err)
	}
}

func (d *Device) controlOut(ctx context.Context, setup *hal.SetupPacket) {
	var data []byte
	if setup.Length > 0 {
		if int(setup.Length) > len(d.control) {
			d.stall(setup, pkg.ErrBufferTooSmall)
			return
		}
		n, err := d.hal.ReadEP0(ctx, d.control[:setup.Length])
		if err != nil {
			d.stall(setup, err)
			return
		}
		data = d.control[:n]
	}

	var err error
	if setup.IsStandard() {
		err = d.standardOut(setup)
	} else {
		err = d.classOut(setup, data)
	}
	if err != nil {
		d.stall(setup, err)
		return
	}

	if err := d.hal.AckEP0(); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "control ack failed",
			"setup", setup.String(),
			"error", err)
	}
}

// stall rejects the current control transfer.
func (d *Device) stall(setup *hal.SetupPacket, reason error) {
	pkg.LogDebug(pkg.ComponentDevice, "control request stalled",
		"setup", setup.String(),
		"reason", reason)
	if err := d.hal.StallEP0(); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "stall EP0 failed", "error", err)
	}
}

// classIn offers a non-standard IN request to each class in turn.
func (d *Device) classIn(setup *hal.SetupPacket) ([]byte, error) {
	for _, h := range d.handlers {
		n, handled, err := h.ControlIn(setup, d.responseBuf[:])
		if !handled {
			continue
		}
		if err != nil {
			return nil, err
		}
		return d.responseBuf[:n], nil
	}
	return nil, pkg.ErrInvalidRequest
}

// classOut offers a non-standard OUT request to each class in turn.
func (d *Device) classOut(setup *hal.SetupPacket, data []byte) error {
	for _, h := range d.handlers {
		handled, err := h.ControlOut(setup, data)
		if handled {
			return err
		}
	}
	return pkg.ErrInvalidRequest
}
