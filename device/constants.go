package device

import "fmt"

// Fixed buffer capacities. The descriptor buffers are sized for the largest
// descriptor set this firmware presents; they are not universally sufficient
// for arbitrary class sets, which is why Build checks them.
const (
	// DescriptorBufferSize is the capacity of each descriptor buffer.
	DescriptorBufferSize = 256

	// ControlBufferSize is the capacity of the control OUT data stage
	// scratch buffer. It fits a CDC line coding structure.
	ControlBufferSize = 7

	// MaxControlDataSize is the maximum data size for control IN responses.
	MaxControlDataSize = 256

	// MaxEndpointNumber is the highest data endpoint number.
	MaxEndpointNumber = 15
)

// Descriptor and string indices.
const (
	configurationValue = 1

	stringIndexLanguages    = 0
	stringIndexManufacturer = 1
	stringIndexProduct      = 2
	stringIndexSerialNumber = 3
)

// Device states as defined in USB 2.0 specification section 9.1.
const (
	StateAttached   State = 0 // Device is attached but not powered
	StatePowered    State = 1 // Device is powered
	StateDefault    State = 2 // Device has been reset, using default address
	StateAddress    State = 3 // Device has been assigned a unique address
	StateConfigured State = 4 // Device is configured and operational
	StateSuspended  State = 5 // Device is in suspend mode
)

// State represents USB device state.
type State uint8

// String returns a human-readable state description.
func (s State) String() string {
	switch s {
	case StateAttached:
		return "Attached"
	case StatePowered:
		return "Powered"
	case StateDefault:
		return "Default"
	case StateAddress:
		return "Address"
	case StateConfigured:
		return "Configured"
	case StateSuspended:
		return "Suspended"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// Standard request codes (USB 2.0 Spec Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// Standard feature selectors (USB 2.0 Spec Table 9-6).
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
)

// GET_STATUS bits.
const (
	statusSelfPowered  = 1 << 0
	statusRemoteWakeup = 1 << 1
	statusHalt         = 1 << 0
)
