package loopback

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/acmecho/device/hal"
	"github.com/ardnew/acmecho/pkg"
)

// MaxEndpoints is the maximum number of data endpoints (1-15 IN and OUT).
const MaxEndpoints = 15

// ErrDetached is returned by host operations while VBUS is off or the
// device has not attached to the bus.
var ErrDetached = errors.New("loopback: device not attached")

// controlTransfer is one control transfer in flight from the host.
// The device goroutine owns it between ReadSetup and completion.
type controlTransfer struct {
	setup hal.SetupPacket
	out   []byte     // Data stage, host to device
	in    []byte     // Data stage, device to host
	done  chan error // Status stage result
}

// endpoint is an enabled data endpoint. Packets are handed off unbuffered,
// so a write completes only when the peer has taken the packet.
type endpoint struct {
	config  hal.EndpointConfig
	stalled bool
	ch      chan []byte
	off     chan struct{} // Closed when the endpoint is disabled
	running chan struct{} // Closed while the endpoint is not halted
}

// closedChan is the running channel of an endpoint that was never halted.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Bus implements hal.DeviceHAL over in-memory channels.
// The device stack drives the Bus directly; a simulated host drives it
// through the handle returned by Host.
type Bus struct {
	mutex    sync.Mutex
	initDone bool
	started  bool
	vbus     bool
	address  uint8

	// Bus events (reset, VBUS loss) and SETUP packets, both unbuffered so
	// the device observes them in the order the host issued them.
	eventCh chan error
	setupCh chan *controlTransfer
	pending *controlTransfer

	// Enabled endpoints indexed by endpointIndex.
	endpoints [MaxEndpoints * 2]*endpoint
}

// New creates a new loopback bus with VBUS off.
func New() *Bus {
	return &Bus{
		eventCh: make(chan error),
		setupCh: make(chan *controlTransfer),
	}
}

// endpointIndex converts an endpoint address to an array index.
// Returns -1 for EP0 and out-of-range numbers.
func endpointIndex(addr uint8) int {
	num := int(addr & 0x0F)
	if num == 0 || num > MaxEndpoints {
		return -1
	}
	if addr&hal.EndpointDirectionIn != 0 {
		return num - 1 + MaxEndpoints
	}
	return num - 1
}

// Init marks the controller initialized.
func (b *Bus) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.initDone {
		return pkg.ErrAlreadyRunning
	}
	b.initDone = true

	pkg.LogDebug(pkg.ComponentHAL, "loopback HAL initialized")
	return nil
}

// Start attaches the device to the bus.
func (b *Bus) Start() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.initDone {
		return pkg.ErrNotConfigured
	}
	b.started = true

	pkg.LogInfo(pkg.ComponentHAL, "loopback HAL started")
	return nil
}

// Stop detaches the device from the bus and disables all endpoints.
func (b *Bus) Stop() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.started = false
	b.disableLocked()

	pkg.LogInfo(pkg.ComponentHAL, "loopback HAL stopped")
	return nil
}

// VBUSPresent reports whether the simulated host is supplying bus power.
func (b *Bus) VBUSPresent() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.vbus
}

// SetAddress records the device address.
func (b *Bus) SetAddress(address uint8) error {
	b.mutex.Lock()
	b.address = address
	b.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "address set", "address", address)
	return nil
}

// ConfigureEndpoints enables the given endpoints and disables all others.
// Operations pending on a previously enabled endpoint fail with pkg.ErrDisabled.
func (b *Bus) ConfigureEndpoints(endpoints []hal.EndpointConfig) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.disableLocked()

	count := 0
	for _, cfg := range endpoints {
		idx := endpointIndex(cfg.Address)
		if idx < 0 {
			continue
		}
		b.endpoints[idx] = &endpoint{
			config: cfg,
			ch:      make(chan []byte),
			off:     make(chan struct{}),
			running: closedChan,
		}
		count++
	}

	pkg.LogDebug(pkg.ComponentHAL, "endpoints configured", "count", count)
	return nil
}

// disableLocked disables every enabled endpoint. Caller holds b.mutex.
func (b *Bus) disableLocked() {
	for i, ep := range b.endpoints {
		if ep != nil {
			close(ep.off)
			b.endpoints[i] = nil
		}
	}
}

// ReadSetup blocks until the host issues a SETUP packet or a bus event.
func (b *Bus) ReadSetup(ctx context.Context, out *hal.SetupPacket) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-b.eventCh:
		return err
	case t := <-b.setupCh:
		b.mutex.Lock()
		b.pending = t
		b.mutex.Unlock()
		*out = t.setup
		pkg.LogDebug(pkg.ComponentHAL, "setup received", "request", out.String())
		return nil
	}
}

// WriteEP0 stores the IN data stage of the pending control transfer.
func (b *Bus) WriteEP0(ctx context.Context, data []byte) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.pending == nil {
		return pkg.ErrInvalidState
	}
	b.pending.in = append(b.pending.in[:0], data...)
	return nil
}

// ReadEP0 copies the OUT data stage into buf, or completes the status stage
// of an IN transfer when called with an empty buffer.
func (b *Bus) ReadEP0(ctx context.Context, buf []byte) (int, error) {
	b.mutex.Lock()
	t := b.pending
	b.mutex.Unlock()

	if t == nil {
		return 0, pkg.ErrInvalidState
	}
	if t.setup.IsDeviceToHost() {
		b.complete(nil)
		return 0, nil
	}
	if len(t.out) > len(buf) {
		return 0, pkg.ErrBufferOverflow
	}
	return copy(buf, t.out), nil
}

// StallEP0 fails the pending control transfer with pkg.ErrStall.
func (b *Bus) StallEP0() error {
	b.complete(pkg.ErrStall)
	pkg.LogDebug(pkg.ComponentHAL, "EP0 stalled")
	return nil
}

// AckEP0 completes the pending control transfer.
func (b *Bus) AckEP0() error {
	b.complete(nil)
	return nil
}

// complete finishes the pending control transfer with err.
func (b *Bus) complete(err error) {
	b.mutex.Lock()
	t := b.pending
	b.pending = nil
	b.mutex.Unlock()

	if t != nil {
		t.done <- err
	}
}

// lookup returns the enabled endpoint at addr.
func (b *Bus) lookup(addr uint8) (*endpoint, error) {
	idx := endpointIndex(addr)
	if idx < 0 {
		return nil, pkg.ErrInvalidEndpoint
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	ep := b.endpoints[idx]
	if ep == nil {
		return nil, pkg.ErrDisabled
	}
	return ep, nil
}

// Read receives one packet from an OUT endpoint.
func (b *Bus) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	if address&hal.EndpointDirectionIn != 0 {
		return 0, pkg.ErrInvalidEndpoint
	}
	ep, err := b.lookup(address)
	if err != nil {
		return 0, err
	}
	if err := b.awaitRunning(ctx, ep); err != nil {
		return 0, err
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-ep.off:
		return 0, pkg.ErrDisabled
	case p := <-ep.ch:
		if len(p) > len(buf) {
			return 0, pkg.ErrBufferOverflow
		}
		return copy(buf, p), nil
	}
}

// Write sends one packet to an IN endpoint and waits for the host to take it.
func (b *Bus) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	if address&hal.EndpointDirectionIn == 0 {
		return 0, pkg.ErrInvalidEndpoint
	}
	ep, err := b.lookup(address)
	if err != nil {
		return 0, err
	}
	if len(data) > int(ep.config.MaxPacketSize) {
		return 0, pkg.ErrBufferOverflow
	}
	if err := b.awaitRunning(ctx, ep); err != nil {
		return 0, err
	}

	p := append([]byte(nil), data...)
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-ep.off:
		return 0, pkg.ErrDisabled
	case ep.ch <- p:
		return len(data), nil
	}
}

// awaitRunning blocks while ep is halted. The host side sees a halted
// endpoint as a stall; the device side just waits for the halt to clear.
func (b *Bus) awaitRunning(ctx context.Context, ep *endpoint) error {
	b.mutex.Lock()
	running := ep.running
	b.mutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ep.off:
		return pkg.ErrDisabled
	case <-running:
		return nil
	}
}

// Stall stalls the specified endpoint.
func (b *Bus) Stall(address uint8) error {
	return b.setStall(address, true)
}

// ClearStall clears a stall condition on the specified endpoint.
func (b *Bus) ClearStall(address uint8) error {
	return b.setStall(address, false)
}

func (b *Bus) setStall(address uint8, stalled bool) error {
	idx := endpointIndex(address)
	if idx < 0 {
		return pkg.ErrInvalidEndpoint
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	ep := b.endpoints[idx]
	if ep == nil {
		return pkg.ErrDisabled
	}
	if ep.stalled != stalled {
		if stalled {
			ep.running = make(chan struct{})
		} else {
			close(ep.running)
		}
		ep.stalled = stalled
	}
	pkg.LogDebug(pkg.ComponentHAL, "endpoint stall changed",
		"address", address,
		"stalled", stalled)
	return nil
}

// Compile-time interface check
var _ hal.DeviceHAL = (*Bus)(nil)
