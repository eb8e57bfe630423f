package device

import (
	"context"

	"github.com/ardnew/acmecho/device/hal"
	"github.com/ardnew/acmecho/pkg"
)

// Endpoint transfer types (USB 2.0 Spec Table 9-13).
const (
	EndpointTypeControl     = hal.EndpointTypeControl
	EndpointTypeIsochronous = hal.EndpointTypeIsochronous
	EndpointTypeBulk        = hal.EndpointTypeBulk
	EndpointTypeInterrupt   = hal.EndpointTypeInterrupt
)

// Endpoint directions.
const (
	EndpointDirectionOut = hal.EndpointDirectionOut // Host to device
	EndpointDirectionIn  = hal.EndpointDirectionIn  // Device to host
)

// Endpoint is a data endpoint allocated by a Builder. Classes keep the
// handle and perform packet I/O through it once the device is configured.
type Endpoint struct {
	Address       uint8  // Endpoint address including direction
	Attributes    uint8  // Transfer type
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval (interrupt)

	hal hal.DeviceHAL
}

// Number returns the endpoint number (1-15).
func (e *Endpoint) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint.
func (e *Endpoint) IsIn() bool {
	return e.Address&EndpointDirectionIn != 0
}

// TransferType returns the transfer type.
func (e *Endpoint) TransferType() uint8 {
	return e.Attributes & 0x03
}

// config returns the HAL representation of the endpoint.
func (e *Endpoint) config() hal.EndpointConfig {
	return hal.EndpointConfig{
		Address:       e.Address,
		Attributes:    e.Attributes,
		MaxPacketSize: e.MaxPacketSize,
		Interval:      e.Interval,
	}
}

// Read receives one packet from an OUT endpoint into buf.
func (e *Endpoint) Read(ctx context.Context, buf []byte) (int, error) {
	if e.hal == nil || e.IsIn() {
		return 0, pkg.ErrInvalidEndpoint
	}
	return e.hal.Read(ctx, e.Address, buf)
}

// Write sends one packet to an IN endpoint.
func (e *Endpoint) Write(ctx context.Context, data []byte) error {
	if e.hal == nil || !e.IsIn() {
		return pkg.ErrInvalidEndpoint
	}
	_, err := e.hal.Write(ctx, e.Address, data)
	return err
}
