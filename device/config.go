package device

import (
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"

	"github.com/ardnew/acmecho/pkg"
)

// Default device identity. These are test identifiers, not allocated IDs.
const (
	DefaultVendorID  = 0xC0DE
	DefaultProductID = 0xCAFE
)

// Config describes the device-level identity and power characteristics
// presented to the host.
type Config struct {
	VendorID      uint16
	ProductID     uint16
	DeviceRelease uint16 // bcdDevice

	Manufacturer string
	Product      string
	SerialNumber string

	// MaxPacketSize0 is the control endpoint packet size: 8, 16, 32 or 64.
	MaxPacketSize0 uint8

	// MaxPower is the bus current draw in 2 mA units.
	MaxPower     uint8
	SelfPowered  bool
	RemoteWakeup bool

	// Device class triple. Left zero, Build derives it from the registered
	// functions.
	DeviceClass    uint8
	DeviceSubClass uint8
	DeviceProtocol uint8
}

// NewConfig returns a Config with the given IDs and default packet size
// and power budget.
func NewConfig(vendorID, productID uint16) Config {
	return Config{
		VendorID:       vendorID,
		ProductID:      productID,
		MaxPacketSize0: 64,
		MaxPower:       50, // 100mA
	}
}

// DefaultConfig returns the configuration with the default test IDs.
func DefaultConfig() Config {
	return NewConfig(DefaultVendorID, DefaultProductID)
}

// validate checks fields the host would reject.
func (c *Config) validate() error {
	switch c.MaxPacketSize0 {
	case 8, 16, 32, 64:
	default:
		return fmt.Errorf("control max packet size %d: %w", c.MaxPacketSize0, pkg.ErrNotSupported)
	}
	return nil
}

// attributes returns bmAttributes for the configuration descriptor.
func (c *Config) attributes() uint8 {
	attr := uint8(ConfigAttrBusPowered)
	if c.SelfPowered {
		attr |= ConfigAttrSelfPowered
	}
	if c.RemoteWakeup {
		attr |= ConfigAttrRemoteWakeup
	}
	return attr
}

// ParseRelease converts a semantic version such as "1.2.3" or "v0.4.0"
// into the BCD bcdDevice encoding 0xJJMN (major JJ, minor M, patch N).
func ParseRelease(version string) (uint16, error) {
	v, err := semver.NewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return 0, fmt.Errorf("parse release %q: %w", version, err)
	}
	if v.Major > 99 || v.Minor > 9 || v.Patch > 9 {
		return 0, fmt.Errorf("release %s does not fit bcdDevice: %w", v, pkg.ErrNotSupported)
	}
	major := uint16(v.Major/10)<<4 | uint16(v.Major%10)
	return major<<8 | uint16(v.Minor)<<4 | uint16(v.Patch), nil
}
