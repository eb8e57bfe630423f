package device

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ardnew/acmecho/device/hal"
	"github.com/ardnew/acmecho/pkg"
)

// Buffers is the fixed descriptor buffer set owned by the firmware.
// The builder encodes into these buffers and the built Device serves
// descriptors from them by reference, so they must outlive the Device.
type Buffers struct {
	Device  [DescriptorBufferSize]byte
	Config  [DescriptorBufferSize]byte
	BOS     [DescriptorBufferSize]byte
	Control [ControlBufferSize]byte
}

// Handler receives bus lifecycle notifications and class-specific control
// requests for a registered class.
type Handler interface {
	// Reset is called on bus reset and on detach. The class must drop any
	// connection state.
	Reset()

	// SetEnabled is called when the configuration is selected (true) or
	// deselected (false).
	SetEnabled(enabled bool)

	// ControlOut handles a non-standard host-to-device request with its
	// data stage. Returns false if the request is not addressed to the class.
	ControlOut(setup *hal.SetupPacket, data []byte) (bool, error)

	// ControlIn handles a non-standard device-to-host request, writing the
	// response into buf. Returns false if the request is not addressed to
	// the class.
	ControlIn(setup *hal.SetupPacket, buf []byte) (int, bool, error)
}

// Builder assembles a Device from a HAL, a Config, the descriptor buffers,
// and the classes registered on it. Classes call the registration methods
// from their constructors; the firmware then calls Build once.
type Builder struct {
	hal    hal.DeviceHAL
	config Config

	deviceBuf []byte
	bosBuf    []byte
	control   []byte

	// Configuration descriptor, written as classes register.
	configDesc     descriptorWriter
	interfaceCount uint8
	interfacePos   int // Offset of the current interface descriptor, or -1
	associations   int

	// Next free endpoint number per direction.
	nextOut, nextIn uint8

	endpoints []*Endpoint
	handlers  []Handler

	built  bool
	errors []error
}

// NewBuilder creates a builder that writes descriptors into the given
// buffers. The configuration header is reserved immediately and patched
// with the final totals in Build.
func NewBuilder(h hal.DeviceHAL, config Config, bufs *Buffers) *Builder {
	return NewBuilderFrom(h, config, bufs.Device[:], bufs.Config[:], bufs.BOS[:], bufs.Control[:])
}

// NewBuilderFrom is NewBuilder over explicit slices, for callers that size
// their own buffers.
func NewBuilderFrom(h hal.DeviceHAL, config Config, deviceBuf, configBuf, bosBuf, control []byte) *Builder {
	b := &Builder{
		hal:          h,
		config:       config,
		deviceBuf:    deviceBuf,
		bosBuf:       bosBuf,
		control:      control,
		configDesc:   descriptorWriter{buf: configBuf},
		interfacePos: -1,
		nextOut:      1,
		nextIn:       1,
	}
	b.configDesc.write(DescriptorTypeConfiguration, make([]byte, ConfigurationDescriptorSize-2)...)
	return b
}

// fail records a registration error; Build reports the first one.
func (b *Builder) fail(err error) {
	b.errors = append(b.errors, err)
}

// sealed records pkg.ErrAlreadyBuilt and reports true after Build.
func (b *Builder) sealed() bool {
	if b.built {
		b.fail(pkg.ErrAlreadyBuilt)
	}
	return b.built
}

// Association adds an Interface Association Descriptor grouping the next
// count interfaces into one function. Call it before adding them.
func (b *Builder) Association(count, class, subClass, protocol uint8) {
	if b.sealed() {
		return
	}
	b.configDesc.write(DescriptorTypeInterfaceAssociation,
		b.interfaceCount, count, class, subClass, protocol, 0)
	b.associations++
}

// Interface adds an interface descriptor (alternate setting 0) and returns
// its number. Endpoints and class descriptors added afterwards belong to it.
func (b *Builder) Interface(class, subClass, protocol uint8) uint8 {
	if b.sealed() {
		return 0
	}
	num := b.interfaceCount
	b.interfacePos = b.configDesc.write(DescriptorTypeInterface,
		num, 0, 0, class, subClass, protocol, 0)
	b.interfaceCount++

	pkg.LogDebug(pkg.ComponentDevice, "interface added",
		"interface", num,
		"class", class)
	return num
}

// ClassDescriptor adds a class-specific descriptor after the current
// interface or endpoint.
func (b *Builder) ClassDescriptor(descType uint8, body ...byte) {
	if b.sealed() {
		return
	}
	b.configDesc.write(descType, body...)
}

// Endpoint allocates the next free endpoint number in the given direction
// for the current interface and writes its descriptor.
func (b *Builder) Endpoint(direction, transferType uint8, maxPacketSize uint16, interval uint8) *Endpoint {
	ep := &Endpoint{hal: b.hal}
	if b.sealed() {
		return ep
	}
	// A failed interface write leaves interfacePos unset; Build reports the
	// buffer error instead.
	if b.interfacePos < 0 && b.configDesc.err == nil {
		b.fail(fmt.Errorf("endpoint outside interface: %w", pkg.ErrInvalidState))
		return ep
	}

	next := &b.nextOut
	if direction&EndpointDirectionIn != 0 {
		next = &b.nextIn
	}
	if *next > MaxEndpointNumber {
		b.fail(fmt.Errorf("allocate endpoint: %w", pkg.ErrNoResources))
		return ep
	}

	ep.Address = *next | direction&EndpointDirectionIn
	ep.Attributes = transferType & 0x03
	ep.MaxPacketSize = maxPacketSize
	ep.Interval = interval
	*next++

	if b.configDesc.write(DescriptorTypeEndpoint,
		ep.Address, ep.Attributes, byte(maxPacketSize), byte(maxPacketSize>>8), interval) >= 0 {
		// bNumEndpoints of the owning interface
		b.configDesc.buf[b.interfacePos+4]++
	}
	b.endpoints = append(b.endpoints, ep)

	pkg.LogDebug(pkg.ComponentDevice, "endpoint added",
		"address", ep.Address,
		"type", ep.TransferType(),
		"maxPacket", maxPacketSize)
	return ep
}

// Handler registers a class handler.
func (b *Builder) Handler(h Handler) {
	if b.sealed() {
		return
	}
	b.handlers = append(b.handlers, h)
}

// Build finalizes the descriptors and initializes the HAL, which may wait
// on hardware. A builder can be built only once.
func (b *Builder) Build(ctx context.Context) (*Device, error) {
	if b.built {
		return nil, pkg.ErrAlreadyBuilt
	}
	b.built = true

	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if err := b.config.validate(); err != nil {
		return nil, err
	}

	deviceDesc, err := b.buildDeviceDescriptor()
	if err != nil {
		return nil, err
	}
	configDesc, err := b.buildConfigDescriptor()
	if err != nil {
		return nil, err
	}
	bosDesc, err := b.buildBOSDescriptor()
	if err != nil {
		return nil, err
	}

	if err := b.hal.Init(ctx); err != nil {
		return nil, fmt.Errorf("init transport: %w", err)
	}

	d := &Device{
		hal:            b.hal,
		config:         b.config,
		deviceDesc:     deviceDesc,
		configDesc:     configDesc,
		bosDesc:        bosDesc,
		control:        b.control,
		interfaceCount: b.interfaceCount,
		handlers:       b.handlers,
		state:          StateAttached,
	}
	for _, ep := range b.endpoints {
		d.endpoints = append(d.endpoints, ep.config())
	}

	pkg.LogInfo(pkg.ComponentDevice, "device built",
		"vid", fmt.Sprintf("0x%04X", b.config.VendorID),
		"pid", fmt.Sprintf("0x%04X", b.config.ProductID),
		"interfaces", b.interfaceCount,
		"endpoints", len(d.endpoints),
		"configLength", len(configDesc))
	return d, nil
}

func (b *Builder) buildDeviceDescriptor() ([]byte, error) {
	desc := DeviceDescriptor{
		USBVersion:        USBVersion,
		DeviceClass:       b.config.DeviceClass,
		DeviceSubClass:    b.config.DeviceSubClass,
		DeviceProtocol:    b.config.DeviceProtocol,
		MaxPacketSize0:    b.config.MaxPacketSize0,
		VendorID:          b.config.VendorID,
		ProductID:         b.config.ProductID,
		DeviceVersion:     b.config.DeviceRelease,
		NumConfigurations: 1,
	}
	if desc.DeviceClass == ClassPerInterface && b.associations > 0 {
		desc.DeviceClass = ClassMisc
		desc.DeviceSubClass = SubClassCommon
		desc.DeviceProtocol = ProtocolIAD
	}
	if b.config.Manufacturer != "" {
		desc.ManufacturerIndex = stringIndexManufacturer
	}
	if b.config.Product != "" {
		desc.ProductIndex = stringIndexProduct
	}
	if b.config.SerialNumber != "" {
		desc.SerialNumberIndex = stringIndexSerialNumber
	}

	n := desc.MarshalTo(b.deviceBuf)
	if n == 0 {
		return nil, fmt.Errorf("device descriptor: %w", pkg.ErrBufferTooSmall)
	}
	return b.deviceBuf[:n], nil
}

func (b *Builder) buildConfigDescriptor() ([]byte, error) {
	if b.configDesc.err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", b.configDesc.err)
	}
	data := b.configDesc.bytes()
	header := ConfigurationDescriptor{
		TotalLength:        uint16(len(data)),
		NumInterfaces:      b.interfaceCount,
		ConfigurationValue: configurationValue,
		Attributes:         b.config.attributes(),
		MaxPower:           b.config.MaxPower,
	}
	header.MarshalTo(data)
	return data, nil
}

func (b *Builder) buildBOSDescriptor() ([]byte, error) {
	const total = BOSDescriptorSize + USB2ExtensionSize
	if len(b.bosBuf) < total {
		return nil, fmt.Errorf("BOS descriptor: %w", pkg.ErrBufferTooSmall)
	}
	buf := b.bosBuf[:total]
	buf[0] = BOSDescriptorSize
	buf[1] = DescriptorTypeBOS
	binary.LittleEndian.PutUint16(buf[2:4], total)
	buf[4] = 1 // bNumDeviceCaps

	// USB 2.0 Extension, no LPM
	ext := buf[BOSDescriptorSize:]
	ext[0] = USB2ExtensionSize
	ext[1] = DescriptorTypeDeviceCapability
	ext[2] = capabilityUSB2Extension
	binary.LittleEndian.PutUint32(ext[3:7], 0)
	return buf, nil
}
