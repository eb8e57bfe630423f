package device

import (
	"encoding/binary"

	"github.com/ardnew/acmecho/device/hal"
	"github.com/ardnew/acmecho/pkg"
)

// standardIn handles device-to-host standard requests. The returned slice
// references either a stored descriptor or the response buffer.
func (d *Device) standardIn(setup *hal.SetupPacket) ([]byte, error) {
	switch setup.Request {
	case RequestGetStatus:
		return d.getStatus(setup)
	case RequestGetDescriptor:
		if setup.Recipient() != hal.RequestRecipientDevice {
			return nil, pkg.ErrInvalidRequest
		}
		return d.getDescriptor(setup)
	case RequestGetConfiguration:
		d.responseBuf[0] = d.Configuration()
		return d.responseBuf[:1], nil
	case RequestGetInterface:
		if !d.validInterface(setup.InterfaceNumber()) {
			return nil, pkg.ErrInvalidRequest
		}
		d.responseBuf[0] = 0 // Only alternate setting 0
		return d.responseBuf[:1], nil
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// standardOut handles host-to-device standard requests.
func (d *Device) standardOut(setup *hal.SetupPacket) error {
	switch setup.Request {
	case RequestClearFeature:
		return d.setFeature(setup, false)
	case RequestSetFeature:
		return d.setFeature(setup, true)
	case RequestSetAddress:
		return d.setAddress(setup)
	case RequestSetConfiguration:
		return d.setConfiguration(setup)
	case RequestSetInterface:
		if !d.validInterface(setup.InterfaceNumber()) || setup.Value != 0 {
			return pkg.ErrInvalidRequest
		}
		return nil
	case RequestSetDescriptor:
		return pkg.ErrNotSupported
	default:
		return pkg.ErrInvalidRequest
	}
}

// getStatus handles GET_STATUS for every recipient (2 bytes).
func (d *Device) getStatus(setup *hal.SetupPacket) ([]byte, error) {
	var status uint16
	switch setup.Recipient() {
	case hal.RequestRecipientDevice:
		if d.config.SelfPowered {
			status |= statusSelfPowered
		}
		if d.IsRemoteWakeupEnabled() {
			status |= statusRemoteWakeup
		}

	case hal.RequestRecipientInterface:
		if !d.validInterface(setup.InterfaceNumber()) {
			return nil, pkg.ErrInvalidRequest
		}

	case hal.RequestRecipientEndpoint:
		addr := setup.EndpointAddress()
		if !d.validEndpoint(addr) {
			return nil, pkg.ErrInvalidEndpoint
		}
		d.mutex.RLock()
		if d.halted[addr] {
			status |= statusHalt
		}
		d.mutex.RUnlock()

	default:
		return nil, pkg.ErrInvalidRequest
	}

	binary.LittleEndian.PutUint16(d.responseBuf[:2], status)
	return d.responseBuf[:2], nil
}

// setFeature handles SET_FEATURE and CLEAR_FEATURE.
func (d *Device) setFeature(setup *hal.SetupPacket, set bool) error {
	switch setup.Recipient() {
	case hal.RequestRecipientDevice:
		switch setup.Value {
		case FeatureDeviceRemoteWakeup:
			if !d.config.RemoteWakeup {
				return pkg.ErrNotSupported
			}
			d.mutex.Lock()
			d.remoteWakeup = set
			d.mutex.Unlock()
			return nil
		case FeatureTestMode:
			return pkg.ErrNotSupported
		}

	case hal.RequestRecipientEndpoint:
		if setup.Value != FeatureEndpointHalt {
			break
		}
		addr := setup.EndpointAddress()
		if addr&0x0F == 0 {
			// EP0 halts clear themselves on the next SETUP.
			return nil
		}
		if !d.validEndpoint(addr) {
			return pkg.ErrInvalidEndpoint
		}

		var err error
		if set {
			err = d.hal.Stall(addr)
		} else {
			err = d.hal.ClearStall(addr)
		}
		if err != nil {
			return err
		}

		d.mutex.Lock()
		if d.halted == nil {
			d.halted = make(map[uint8]bool)
		}
		d.halted[addr] = set
		d.mutex.Unlock()

		pkg.LogDebug(pkg.ComponentDevice, "endpoint halt changed",
			"address", addr,
			"halted", set)
		return nil
	}
	return pkg.ErrInvalidRequest
}

// setAddress handles SET_ADDRESS. The HAL latches the new address once the
// status stage completes.
func (d *Device) setAddress(setup *hal.SetupPacket) error {
	address := uint8(setup.Value & 0x7F)

	d.mutex.RLock()
	state := d.state
	d.mutex.RUnlock()
	if state != StateDefault && state != StateAddress {
		return pkg.ErrInvalidState
	}

	if err := d.hal.SetAddress(address); err != nil {
		return err
	}

	d.mutex.Lock()
	d.address = address
	d.mutex.Unlock()

	if address == 0 {
		d.setState(StateDefault)
	} else {
		d.setState(StateAddress)
	}

	pkg.LogDebug(pkg.ComponentDevice, "device address set",
		"address", address)
	return nil
}

// setConfiguration handles SET_CONFIGURATION. Selecting the configuration
// enables every data endpoint and every class; value 0 disables them.
func (d *Device) setConfiguration(setup *hal.SetupPacket) error {
	value := uint8(setup.Value & 0xFF)

	d.mutex.RLock()
	state := d.state
	d.mutex.RUnlock()
	if state != StateAddress && state != StateConfigured {
		return pkg.ErrInvalidState
	}
	if value != 0 && value != configurationValue {
		return pkg.ErrInvalidRequest
	}

	if state == StateConfigured {
		for _, h := range d.handlers {
			h.SetEnabled(false)
		}
	}

	d.mutex.Lock()
	d.configuration = value
	d.halted = nil
	d.mutex.Unlock()

	if value == 0 {
		if err := d.hal.ConfigureEndpoints(nil); err != nil {
			return err
		}
		d.setState(StateAddress)
		pkg.LogInfo(pkg.ComponentDevice, "device deconfigured")
		return nil
	}

	if err := d.hal.ConfigureEndpoints(d.endpoints); err != nil {
		return err
	}
	d.setState(StateConfigured)
	for _, h := range d.handlers {
		h.SetEnabled(true)
	}

	pkg.LogInfo(pkg.ComponentDevice, "device configured",
		"configuration", value)
	return nil
}

// getDescriptor handles GET_DESCRIPTOR.
func (d *Device) getDescriptor(setup *hal.SetupPacket) ([]byte, error) {
	index := setup.DescriptorIndex()

	switch setup.DescriptorType() {
	case DescriptorTypeDevice:
		return d.deviceDesc, nil

	case DescriptorTypeConfiguration:
		if index != 0 {
			return nil, pkg.ErrInvalidRequest
		}
		return d.configDesc, nil

	case DescriptorTypeBOS:
		return d.bosDesc, nil

	case DescriptorTypeString:
		return d.getString(index)

	case DescriptorTypeDeviceQualifier, DescriptorTypeOtherSpeedConfig:
		// Full speed only
		return nil, pkg.ErrNotSupported

	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// getString encodes the string descriptor at index into the response buffer.
func (d *Device) getString(index uint8) ([]byte, error) {
	var s string
	switch index {
	case stringIndexLanguages:
		n := LanguageDescriptorTo(d.responseBuf[:], LangIDUSEnglish)
		return d.responseBuf[:n], nil
	case stringIndexManufacturer:
		s = d.config.Manufacturer
	case stringIndexProduct:
		s = d.config.Product
	case stringIndexSerialNumber:
		s = d.config.SerialNumber
	}
	if s == "" {
		return nil, pkg.ErrInvalidRequest
	}

	n := StringDescriptorTo(d.responseBuf[:], s)
	if n == 0 {
		return nil, pkg.ErrBufferTooSmall
	}
	return d.responseBuf[:n], nil
}

// validInterface reports whether num names an interface of the active
// configuration.
func (d *Device) validInterface(num uint8) bool {
	return d.IsConfigured() && num < d.interfaceCount
}

// validEndpoint reports whether addr names EP0 or a data endpoint of the
// active configuration.
func (d *Device) validEndpoint(addr uint8) bool {
	if addr&0x0F == 0 {
		return true
	}
	if !d.IsConfigured() {
		return false
	}
	for _, ep := range d.endpoints {
		if ep.Address == addr {
			return true
		}
	}
	return false
}
