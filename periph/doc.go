// Package periph owns the board peripherals the echo firmware depends on
// and gates startup on them.
//
// [AwaitReady] is the first thing the firmware runs. It starts the
// high-frequency oscillator, which the USB peripheral needs, and waits for
// a host to supply VBUS. [Set] hands the peripheral handles to a single
// owner, so no two parts of the firmware drive the same hardware.
package periph
