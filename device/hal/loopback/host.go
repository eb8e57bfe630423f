package loopback

import (
	"context"
	"encoding/binary"

	"github.com/ardnew/acmecho/device/hal"
	"github.com/ardnew/acmecho/pkg"
)

// Standard request and descriptor codes used during enumeration.
const (
	requestSetAddress       = 0x05
	requestGetDescriptor    = 0x06
	requestSetConfiguration = 0x09

	descriptorTypeDevice        = 0x01
	descriptorTypeConfiguration = 0x02
)

// DefaultAddress is the address Enumerate assigns to the device.
const DefaultAddress = 5

// Host is the simulated host side of a loopback Bus.
// Host methods are meant to be called from a single goroutine, the way a
// real host controller serializes transactions to one device.
type Host struct {
	bus *Bus
}

// Host returns the host-side handle for the bus.
func (b *Bus) Host() *Host {
	return &Host{bus: b}
}

// Attach supplies VBUS to the device.
func (h *Host) Attach() {
	h.bus.mutex.Lock()
	h.bus.vbus = true
	h.bus.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "host attached")
}

// Detach removes VBUS. Every data endpoint is disabled immediately and the
// device is notified once it next polls for bus activity.
func (h *Host) Detach(ctx context.Context) error {
	b := h.bus
	b.mutex.Lock()
	b.vbus = false
	b.disableLocked()
	started := b.started
	b.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "host detached")
	if !started {
		return nil
	}
	return h.event(ctx, pkg.ErrDisabled)
}

// Reset signals a bus reset. Every data endpoint is disabled.
func (h *Host) Reset(ctx context.Context) error {
	b := h.bus
	b.mutex.Lock()
	if !b.vbus || !b.started {
		b.mutex.Unlock()
		return ErrDetached
	}
	b.disableLocked()
	b.mutex.Unlock()

	return h.event(ctx, pkg.ErrReset)
}

// event delivers a bus event to the device's ReadSetup.
func (h *Host) event(ctx context.Context, err error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case h.bus.eventCh <- err:
		return nil
	}
}

// Address returns the address the device was assigned.
func (h *Host) Address() uint8 {
	h.bus.mutex.Lock()
	defer h.bus.mutex.Unlock()
	return h.bus.address
}

// halted reports whether ep is halted.
func (h *Host) halted(ep *endpoint) bool {
	h.bus.mutex.Lock()
	defer h.bus.mutex.Unlock()
	return ep.stalled
}

// Stalled reports whether the data endpoint at address is halted.
func (h *Host) Stalled(address uint8) bool {
	ep, err := h.bus.lookup(address)
	if err != nil {
		return false
	}
	h.bus.mutex.Lock()
	defer h.bus.mutex.Unlock()
	return ep.stalled
}

// Control performs one control transfer. For host-to-device requests data
// is the data stage; for device-to-host requests the response is returned.
// A stalled request returns pkg.ErrStall.
func (h *Host) Control(ctx context.Context, setup hal.SetupPacket, data []byte) ([]byte, error) {
	b := h.bus
	b.mutex.Lock()
	attached := b.vbus && b.started
	b.mutex.Unlock()
	if !attached {
		return nil, ErrDetached
	}

	t := &controlTransfer{
		setup: setup,
		out:   append([]byte(nil), data...),
		done:  make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b.setupCh <- t:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-t.done:
		if err != nil {
			return nil, err
		}
		if n := int(setup.Length); len(t.in) > n {
			return t.in[:n], nil
		}
		return t.in, nil
	}
}

// Send transmits one packet to the device's OUT endpoint at address.
func (h *Host) Send(ctx context.Context, address uint8, data []byte) error {
	ep, err := h.bus.lookup(address &^ hal.EndpointDirectionIn)
	if err != nil {
		return err
	}

	if h.halted(ep) {
		return pkg.ErrStall
	}

	p := append([]byte(nil), data...)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ep.off:
		return pkg.ErrDisabled
	case ep.ch <- p:
		return nil
	}
}

// Receive takes one packet from the device's IN endpoint at address.
func (h *Host) Receive(ctx context.Context, address uint8) ([]byte, error) {
	ep, err := h.bus.lookup(address | hal.EndpointDirectionIn)
	if err != nil {
		return nil, err
	}
	if h.halted(ep) {
		return nil, pkg.ErrStall
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ep.off:
		return nil, pkg.ErrDisabled
	case p := <-ep.ch:
		return p, nil
	}
}

// GetDescriptor issues a standard GET_DESCRIPTOR request.
func (h *Host) GetDescriptor(ctx context.Context, descType, index uint8, length uint16) ([]byte, error) {
	return h.Control(ctx, hal.SetupPacket{
		RequestType: hal.RequestDirectionDeviceToHost,
		Request:     requestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Length:      length,
	}, nil)
}

// SetAddress issues a standard SET_ADDRESS request.
func (h *Host) SetAddress(ctx context.Context, address uint8) error {
	_, err := h.Control(ctx, hal.SetupPacket{
		Request: requestSetAddress,
		Value:   uint16(address),
	}, nil)
	return err
}

// SetConfiguration issues a standard SET_CONFIGURATION request.
func (h *Host) SetConfiguration(ctx context.Context, value uint8) error {
	_, err := h.Control(ctx, hal.SetupPacket{
		Request: requestSetConfiguration,
		Value:   uint16(value),
	}, nil)
	return err
}

// Enumeration holds the descriptors read during Enumerate.
type Enumeration struct {
	Device        []byte
	Configuration []byte
}

// Enumerate resets the device and walks it to the Configured state the way
// a host does after attach: read the device descriptor, assign an address,
// read the full configuration descriptor and select it.
func (h *Host) Enumerate(ctx context.Context) (*Enumeration, error) {
	if err := h.Reset(ctx); err != nil {
		return nil, err
	}

	dev, err := h.GetDescriptor(ctx, descriptorTypeDevice, 0, 64)
	if err != nil {
		return nil, err
	}

	if err := h.SetAddress(ctx, DefaultAddress); err != nil {
		return nil, err
	}

	head, err := h.GetDescriptor(ctx, descriptorTypeConfiguration, 0, 9)
	if err != nil {
		return nil, err
	}
	if len(head) < 9 {
		return nil, pkg.ErrDescriptorTooShort
	}
	total := binary.LittleEndian.Uint16(head[2:4])

	config, err := h.GetDescriptor(ctx, descriptorTypeConfiguration, 0, total)
	if err != nil {
		return nil, err
	}

	if err := h.SetConfiguration(ctx, config[5]); err != nil {
		return nil, err
	}

	pkg.LogDebug(pkg.ComponentHAL, "host enumerated device",
		"address", DefaultAddress,
		"configuration", config[5])

	return &Enumeration{Device: dev, Configuration: config}, nil
}
