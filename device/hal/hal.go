package hal

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Endpoint direction bit and transfer types as encoded in descriptors.
const (
	EndpointDirectionOut = 0x00
	EndpointDirectionIn  = 0x80

	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// EndpointConfig describes an endpoint configuration for the HAL.
// This is a minimal, platform-agnostic representation used to configure
// hardware endpoints when a configuration is activated.
type EndpointConfig struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointConfig) IsIn() bool {
	return e.Address&EndpointDirectionIn != 0
}

// TransferType returns the transfer type (control, bulk, interrupt, isochronous).
func (e *EndpointConfig) TransferType() uint8 {
	return e.Attributes & 0x03
}

// Request type masks and values (USB 2.0 Spec Table 9-2).
const (
	RequestDirectionDeviceToHost = 0x80

	RequestTypeMask     = 0x60
	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientMask      = 0x1F
	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
)

// SetupPacket represents a USB SETUP packet in the HAL layer.
// This is a fixed-size, zero-allocation structure for SETUP transactions.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// IsDeviceToHost returns true for IN requests.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&RequestDirectionDeviceToHost != 0
}

// Type returns the request type bits.
func (s *SetupPacket) Type() uint8 {
	return s.RequestType & RequestTypeMask
}

// IsStandard returns true for standard requests.
func (s *SetupPacket) IsStandard() bool {
	return s.Type() == RequestTypeStandard
}

// IsClass returns true for class-specific requests.
func (s *SetupPacket) IsClass() bool {
	return s.Type() == RequestTypeClass
}

// Recipient returns the recipient bits.
func (s *SetupPacket) Recipient() uint8 {
	return s.RequestType & RequestRecipientMask
}

// DescriptorType returns the descriptor type for GET_DESCRIPTOR.
func (s *SetupPacket) DescriptorType() uint8 {
	return uint8(s.Value >> 8)
}

// DescriptorIndex returns the descriptor index for GET_DESCRIPTOR.
func (s *SetupPacket) DescriptorIndex() uint8 {
	return uint8(s.Value)
}

// InterfaceNumber returns the interface number for interface requests.
func (s *SetupPacket) InterfaceNumber() uint8 {
	return uint8(s.Index)
}

// EndpointAddress returns the endpoint address for endpoint requests.
func (s *SetupPacket) EndpointAddress() uint8 {
	return uint8(s.Index)
}

// String returns a compact representation for logging.
func (s *SetupPacket) String() string {
	return fmt.Sprintf("Setup{type=0x%02X req=0x%02X val=0x%04X idx=0x%04X len=%d}",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}

// DeviceHAL defines the Hardware Abstraction Layer interface for the USB
// device controller.
//
// The HAL performs only low-level transactions; all protocol logic lives in
// the device package. Endpoint I/O reports faults using the transport error
// taxonomy in package pkg:
//
//   - [pkg.ErrBufferOverflow] when a received packet does not fit the
//     caller's buffer, or a write exceeds the endpoint's max packet size
//   - [pkg.ErrDisabled] when the endpoint is not enabled, or is disabled
//     while the operation is pending (bus reset, deconfigure, detach)
//
// [pkg.ErrBufferOverflow]: github.com/ardnew/acmecho/pkg.ErrBufferOverflow
// [pkg.ErrDisabled]: github.com/ardnew/acmecho/pkg.ErrDisabled
type DeviceHAL interface {
	// Init prepares the controller. It may block waiting on hardware
	// readiness and honours ctx cancellation.
	Init(ctx context.Context) error

	// Start enables the controller and attaches to the bus.
	Start() error

	// Stop detaches from the bus and disables the controller.
	Stop() error

	// SetAddress sets the device address in hardware.
	SetAddress(address uint8) error

	// ConfigureEndpoints enables exactly the given endpoints and disables
	// all others. Pass nil to disable every data endpoint.
	ConfigureEndpoints(endpoints []EndpointConfig) error

	// Control Endpoint (EP0) Operations

	// ReadSetup blocks until a SETUP packet arrives or a bus event occurs.
	// Bus events are reported as errors: [pkg.ErrReset] for a bus reset and
	// [pkg.ErrDisabled] for loss of VBUS.
	//
	// [pkg.ErrReset]: github.com/ardnew/acmecho/pkg.ErrReset
	ReadSetup(ctx context.Context, out *SetupPacket) error

	// WriteEP0 sends the data stage of a control IN transfer.
	WriteEP0(ctx context.Context, data []byte) error

	// ReadEP0 reads the data stage of a control OUT transfer into buf, or
	// with a zero-length buf, completes the status stage of an IN transfer.
	ReadEP0(ctx context.Context, buf []byte) (int, error)

	// StallEP0 stalls the current control transfer.
	StallEP0() error

	// AckEP0 completes the status stage of a control OUT transfer.
	AckEP0() error

	// Data Endpoint Operations

	// Read receives one packet from an OUT endpoint into buf.
	Read(ctx context.Context, address uint8, buf []byte) (int, error)

	// Write sends one packet to an IN endpoint.
	Write(ctx context.Context, address uint8, data []byte) (int, error)

	// Stall stalls the specified endpoint.
	Stall(address uint8) error

	// ClearStall clears a stall condition on the specified endpoint.
	ClearStall(address uint8) error
}
