package periph

import (
	"sync"

	"github.com/ardnew/acmecho/device/hal"
	"github.com/ardnew/acmecho/pkg"
)

// Clock controls the high-frequency oscillator that clocks the USB
// peripheral.
type Clock interface {
	// StartOscillator issues the one-shot start command.
	StartOscillator()

	// OscillatorRunning reports whether the oscillator has started.
	OscillatorRunning() bool
}

// Power reports the bus power detector.
type Power interface {
	// VBUSPresent reports whether a host is supplying VBUS.
	VBUSPresent() bool
}

// Peripherals are the hardware handles the firmware needs.
type Peripherals struct {
	Clock Clock
	Power Power
	USB   hal.DeviceHAL
}

// Set hands out a board's peripherals to exactly one owner.
type Set struct {
	mutex sync.Mutex
	taken bool
	p     Peripherals
}

// NewSet creates a peripheral set from the board's handles.
func NewSet(clock Clock, power Power, usb hal.DeviceHAL) *Set {
	return &Set{p: Peripherals{Clock: clock, Power: power, USB: usb}}
}

// Take claims the peripherals. Only the first call succeeds; later calls
// return pkg.ErrPeripheralsTaken.
func (s *Set) Take() (*Peripherals, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.taken {
		return nil, pkg.ErrPeripheralsTaken
	}
	s.taken = true

	p := s.p
	return &p, nil
}

// AwaitReady starts the oscillator and spins until it runs, then spins
// until VBUS is present. It is called before any task exists, so it never
// yields and has no way to fail; absent hardware stalls it forever.
func AwaitReady(clock Clock, power Power) {
	pkg.LogInfo(pkg.ComponentPeriph, "enabling HF oscillator")
	clock.StartOscillator()
	for !clock.OscillatorRunning() {
	}

	pkg.LogInfo(pkg.ComponentPeriph, "waiting for VBUS")
	for !power.VBUSPresent() {
	}
	pkg.LogInfo(pkg.ComponentPeriph, "VBUS OK")
}
