package device

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/acmecho/device/hal/loopback"
	"github.com/ardnew/acmecho/pkg"
)

// addFunction registers a two-interface function shaped like CDC-ACM.
func addFunction(b *Builder) (notify, out, in *Endpoint) {
	b.Association(2, 0x02, 0x02, 0x00)
	b.Interface(0x02, 0x02, 0x00)
	b.ClassDescriptor(DescriptorTypeCSInterface, 0x00, 0x10, 0x01)
	notify = b.Endpoint(EndpointDirectionIn, EndpointTypeInterrupt, 8, 255)
	b.Interface(0x0A, 0x00, 0x00)
	out = b.Endpoint(EndpointDirectionOut, EndpointTypeBulk, 64, 0)
	in = b.Endpoint(EndpointDirectionIn, EndpointTypeBulk, 64, 0)
	return notify, out, in
}

func TestBuilder_Layout(t *testing.T) {
	var bufs Buffers
	b := NewBuilder(loopback.New(), DefaultConfig(), &bufs)
	notify, out, in := addFunction(b)

	assert.Equal(t, uint8(0x81), notify.Address)
	assert.Equal(t, uint8(0x01), out.Address)
	assert.Equal(t, uint8(0x82), in.Address)

	dev, err := b.Build(context.Background())
	require.NoError(t, err)

	cfg := dev.ConfigDescriptor()
	var header ConfigurationDescriptor
	require.NoError(t, ParseConfigurationDescriptor(cfg, &header))
	assert.Equal(t, uint16(len(cfg)), header.TotalLength)
	assert.Equal(t, uint8(2), header.NumInterfaces)
	assert.Equal(t, uint8(configurationValue), header.ConfigurationValue)
	assert.Equal(t, uint8(ConfigAttrBusPowered), header.Attributes)

	var (
		types     []uint8
		endpoints []uint8
	)
	require.NoError(t, Walk(cfg, func(descType uint8, desc []byte) {
		types = append(types, descType)
		if descType == DescriptorTypeInterface {
			endpoints = append(endpoints, desc[4])
		}
	}))
	assert.Equal(t, []uint8{
		DescriptorTypeConfiguration,
		DescriptorTypeInterfaceAssociation,
		DescriptorTypeInterface,
		DescriptorTypeCSInterface,
		DescriptorTypeEndpoint,
		DescriptorTypeInterface,
		DescriptorTypeEndpoint,
		DescriptorTypeEndpoint,
	}, types)
	assert.Equal(t, []uint8{1, 2}, endpoints, "bNumEndpoints per interface")
}

func TestBuilder_DeviceDescriptor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeviceRelease = 0x0123
	cfg.Manufacturer = "acme"
	cfg.Product = "echo"

	var bufs Buffers
	b := NewBuilder(loopback.New(), cfg, &bufs)
	addFunction(b)
	dev, err := b.Build(context.Background())
	require.NoError(t, err)

	var desc DeviceDescriptor
	require.NoError(t, ParseDeviceDescriptor(dev.DeviceDescriptor(), &desc))
	assert.Equal(t, uint16(0xC0DE), desc.VendorID)
	assert.Equal(t, uint16(0xCAFE), desc.ProductID)
	assert.Equal(t, uint16(0x0123), desc.DeviceVersion)
	assert.Equal(t, uint16(USBVersion), desc.USBVersion)
	assert.Equal(t, uint8(64), desc.MaxPacketSize0)
	assert.Equal(t, uint8(ClassMisc), desc.DeviceClass)
	assert.Equal(t, uint8(SubClassCommon), desc.DeviceSubClass)
	assert.Equal(t, uint8(ProtocolIAD), desc.DeviceProtocol)
	assert.Equal(t, uint8(stringIndexManufacturer), desc.ManufacturerIndex)
	assert.Equal(t, uint8(stringIndexProduct), desc.ProductIndex)
	assert.Zero(t, desc.SerialNumberIndex)
	assert.Equal(t, uint8(1), desc.NumConfigurations)
}

func TestBuilder_BOS(t *testing.T) {
	var bufs Buffers
	b := NewBuilder(loopback.New(), DefaultConfig(), &bufs)
	dev, err := b.Build(context.Background())
	require.NoError(t, err)

	bos := dev.BOSDescriptor()
	require.Len(t, bos, BOSDescriptorSize+USB2ExtensionSize)
	assert.Equal(t, uint8(DescriptorTypeBOS), bos[1])
	assert.Equal(t, uint16(len(bos)), binary.LittleEndian.Uint16(bos[2:4]))
	assert.Equal(t, uint8(1), bos[4])
	assert.Equal(t, uint8(DescriptorTypeDeviceCapability), bos[6])
	assert.Equal(t, uint8(capabilityUSB2Extension), bos[7])
}

func TestBuilder_BufferTooSmall(t *testing.T) {
	tests := []struct {
		name                      string
		device, config, bos, ctrl int
	}{
		{"device", 10, 256, 256, 7},
		{"config", 256, 30, 256, 7},
		{"config header only", 256, 9, 256, 7},
		{"bos", 256, 256, 8, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := loopback.New()
			b := NewBuilderFrom(bus, DefaultConfig(),
				make([]byte, tt.device), make([]byte, tt.config),
				make([]byte, tt.bos), make([]byte, tt.ctrl))
			addFunction(b)

			dev, err := b.Build(context.Background())
			require.ErrorIs(t, err, pkg.ErrBufferTooSmall)
			assert.NotErrorIs(t, err, pkg.ErrInvalidState)
			assert.Nil(t, dev)

			// The transport is left untouched.
			assert.NoError(t, bus.Init(context.Background()))
		})
	}
}

func TestBuilder_BuildTwice(t *testing.T) {
	var bufs Buffers
	b := NewBuilder(loopback.New(), DefaultConfig(), &bufs)
	_, err := b.Build(context.Background())
	require.NoError(t, err)

	_, err = b.Build(context.Background())
	assert.ErrorIs(t, err, pkg.ErrAlreadyBuilt)
}

func TestBuilder_EndpointOutsideInterface(t *testing.T) {
	var bufs Buffers
	b := NewBuilder(loopback.New(), DefaultConfig(), &bufs)
	b.Endpoint(EndpointDirectionIn, EndpointTypeBulk, 64, 0)

	_, err := b.Build(context.Background())
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
}

func TestBuilder_EndpointsExhausted(t *testing.T) {
	bufs := struct{ device, config, bos, ctrl [512]byte }{}
	b := NewBuilderFrom(loopback.New(), DefaultConfig(),
		bufs.device[:], bufs.config[:], bufs.bos[:], bufs.ctrl[:])
	b.Interface(0xFF, 0, 0)
	for i := 0; i < MaxEndpointNumber; i++ {
		b.Endpoint(EndpointDirectionIn, EndpointTypeBulk, 64, 0)
	}
	ep := b.Endpoint(EndpointDirectionIn, EndpointTypeBulk, 64, 0)
	assert.Zero(t, ep.Address)

	_, err := b.Build(context.Background())
	assert.ErrorIs(t, err, pkg.ErrNoResources)
}

func TestBuilder_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPacketSize0 = 12

	var bufs Buffers
	_, err := NewBuilder(loopback.New(), cfg, &bufs).Build(context.Background())
	assert.ErrorIs(t, err, pkg.ErrNotSupported)
}

func TestBuilder_InitError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var bufs Buffers
	_, err := NewBuilder(loopback.New(), DefaultConfig(), &bufs).Build(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "init transport")
}
