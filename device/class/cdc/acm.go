package cdc

import (
	"context"
	"errors"
	"sync"

	"github.com/ardnew/acmecho/device"
	"github.com/ardnew/acmecho/device/hal"
	"github.com/ardnew/acmecho/pkg"
)

// NotifyPacketSize is the max packet size of the notification endpoint.
const NotifyPacketSize = 8

// notifyInterval is the notification endpoint polling interval in frames.
const notifyInterval = 255

// State holds the control-side state of one ACM function: line coding,
// control lines and the current connection. It is shared between the
// device poll task, which updates it from class requests, and the task
// doing packet I/O.
type State struct {
	mutex sync.Mutex

	lineCoding   LineCoding
	controlState uint16
	enabled      bool

	// conn is non-nil while connected and is cancelled on disconnect.
	conn   context.Context
	cancel context.CancelFunc

	// changed is closed and replaced on every connection change.
	changed chan struct{}

	onLineCodingChange func(LineCoding)
	onBreak            func(millis uint16)
}

// NewState returns an idle State with the default line coding.
func NewState() *State {
	return &State{
		lineCoding: DefaultLineCoding,
		changed:    make(chan struct{}),
	}
}

// updateLocked recomputes the connection after a change to enabled or the control
// lines. Must be called with s.mutex held.
func (s *State) updateLocked() {
	want := s.enabled && s.controlState&ControlLineDTR != 0
	if want == (s.conn != nil) {
		return
	}

	if want {
		s.conn, s.cancel = context.WithCancel(context.Background())
		pkg.LogInfo(pkg.ComponentClass, "ACM connected")
	} else {
		s.cancel()
		s.conn, s.cancel = nil, nil
		pkg.LogInfo(pkg.ComponentClass, "ACM disconnected")
	}
	close(s.changed)
	s.changed = make(chan struct{})
}

// drop ends conn if it is still the current connection. The next
// connection needs a fresh configuration or control line change.
func (s *State) drop(conn context.Context) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.conn != conn {
		return
	}
	s.cancel()
	s.conn, s.cancel = nil, nil
	close(s.changed)
	s.changed = make(chan struct{})
	pkg.LogInfo(pkg.ComponentClass, "ACM connection lost")
}

// connection returns the current connection context and the channel that
// signals its next change.
func (s *State) connection() (context.Context, <-chan struct{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.conn, s.changed
}

// ACM implements a CDC-ACM (Abstract Control Model) function: a
// communication interface with a notification endpoint and a data interface
// with one bulk endpoint per direction.
type ACM struct {
	state *State

	controlIface uint8
	dataIface    uint8

	notifyEP  *device.Endpoint // Interrupt IN for notifications
	dataOutEP *device.Endpoint // Bulk OUT for data from host
	dataInEP  *device.Endpoint // Bulk IN for data to host
}

// New registers a CDC-ACM function on b and returns its handle. Data
// endpoints use maxPacketSize; state must not be shared with another ACM.
func New(b *device.Builder, state *State, maxPacketSize uint16) *ACM {
	a := &ACM{state: state}

	b.Association(2, ClassCDC, SubclassACM, ProtocolNone)

	// Communication interface
	a.controlIface = b.Interface(ClassCDC, SubclassACM, ProtocolNone)
	a.dataIface = a.controlIface + 1
	b.ClassDescriptor(DescriptorTypeCSInterface, headerBody()...)
	b.ClassDescriptor(DescriptorTypeCSInterface, callManagementBody(0, a.dataIface)...)
	b.ClassDescriptor(DescriptorTypeCSInterface, acmBody(ACMCapLineCoding)...)
	b.ClassDescriptor(DescriptorTypeCSInterface, unionBody(a.controlIface, a.dataIface)...)
	a.notifyEP = b.Endpoint(device.EndpointDirectionIn, device.EndpointTypeInterrupt,
		NotifyPacketSize, notifyInterval)

	// Data interface
	b.Interface(ClassCDCData, SubclassNone, ProtocolNone)
	a.dataOutEP = b.Endpoint(device.EndpointDirectionOut, device.EndpointTypeBulk, maxPacketSize, 0)
	a.dataInEP = b.Endpoint(device.EndpointDirectionIn, device.EndpointTypeBulk, maxPacketSize, 0)

	b.Handler(a)

	pkg.LogDebug(pkg.ComponentClass, "CDC-ACM registered",
		"control", a.controlIface,
		"data", a.dataIface,
		"notify", a.notifyEP.Address,
		"out", a.dataOutEP.Address,
		"in", a.dataInEP.Address)
	return a
}

// NotifyAddress returns the notification endpoint address.
func (a *ACM) NotifyAddress() uint8 { return a.notifyEP.Address }

// OutAddress returns the bulk OUT endpoint address.
func (a *ACM) OutAddress() uint8 { return a.dataOutEP.Address }

// InAddress returns the bulk IN endpoint address.
func (a *ACM) InAddress() uint8 { return a.dataInEP.Address }

// MaxPacketSize returns the data endpoint packet size.
func (a *ACM) MaxPacketSize() uint16 { return a.dataInEP.MaxPacketSize }

// SetOnLineCodingChange sets the callback for line coding changes.
func (a *ACM) SetOnLineCodingChange(cb func(LineCoding)) {
	a.state.mutex.Lock()
	defer a.state.mutex.Unlock()
	a.state.onLineCodingChange = cb
}

// SetOnBreak sets the callback for break signaling.
func (a *ACM) SetOnBreak(cb func(millis uint16)) {
	a.state.mutex.Lock()
	defer a.state.mutex.Unlock()
	a.state.onBreak = cb
}

// LineCoding returns the current line coding configuration.
func (a *ACM) LineCoding() LineCoding {
	a.state.mutex.Lock()
	defer a.state.mutex.Unlock()
	return a.state.lineCoding
}

// DTR returns the current DTR (Data Terminal Ready) state.
func (a *ACM) DTR() bool {
	a.state.mutex.Lock()
	defer a.state.mutex.Unlock()
	return a.state.controlState&ControlLineDTR != 0
}

// RTS returns the current RTS (Request To Send) state.
func (a *ACM) RTS() bool {
	a.state.mutex.Lock()
	defer a.state.mutex.Unlock()
	return a.state.controlState&ControlLineRTS != 0
}

// Connected reports whether the device is configured and the host has
// raised DTR.
func (a *ACM) Connected() bool {
	conn, _ := a.state.connection()
	return conn != nil
}

// WaitConnection blocks until a host connects.
func (a *ACM) WaitConnection(ctx context.Context) error {
	for {
		conn, changed := a.state.connection()
		if conn != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// ReadPacket receives one packet from the host into buf. It fails with
// pkg.ErrBufferOverflow if the packet does not fit, and with
// pkg.ErrDisabled if there is no connection or it drops while waiting.
func (a *ACM) ReadPacket(ctx context.Context, buf []byte) (int, error) {
	var n int
	err := a.transfer(ctx, func(ctx context.Context) (err error) {
		n, err = a.dataOutEP.Read(ctx, buf)
		return err
	})
	return n, err
}

// WritePacket sends one packet of at most MaxPacketSize bytes to the host.
// It fails with pkg.ErrDisabled if there is no connection or it drops while
// waiting.
func (a *ACM) WritePacket(ctx context.Context, data []byte) error {
	return a.transfer(ctx, func(ctx context.Context) error {
		return a.dataInEP.Write(ctx, data)
	})
}

// transfer runs op bound to the current connection.
func (a *ACM) transfer(ctx context.Context, op func(context.Context) error) error {
	conn, _ := a.state.connection()
	if conn == nil {
		return pkg.ErrDisabled
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(conn, cancel)
	defer stop()

	err := op(ctx)
	if err == nil || errors.Is(err, pkg.ErrBufferOverflow) {
		return err
	}
	if conn.Err() != nil {
		return pkg.ErrDisabled
	}
	if errors.Is(err, pkg.ErrDisabled) {
		// The endpoint went away before the device told us why.
		a.state.drop(conn)
	}
	return err
}

// Reset drops the connection and the control line state.
func (a *ACM) Reset() {
	s := a.state
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.enabled = false
	s.controlState = 0
	s.updateLocked()
}

// SetEnabled tracks the device configuration.
func (a *ACM) SetEnabled(enabled bool) {
	s := a.state
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.enabled = enabled
	if !enabled {
		s.controlState = 0
	}
	s.updateLocked()
}

// addressed reports whether setup is a class request to the communication
// interface.
func (a *ACM) addressed(setup *hal.SetupPacket) bool {
	return setup.IsClass() &&
		setup.Recipient() == hal.RequestRecipientInterface &&
		setup.InterfaceNumber() == a.controlIface
}

// ControlOut handles SET_LINE_CODING, SET_CONTROL_LINE_STATE and SEND_BREAK.
func (a *ACM) ControlOut(setup *hal.SetupPacket, data []byte) (bool, error) {
	if !a.addressed(setup) {
		return false, nil
	}

	switch setup.Request {
	case RequestSetLineCoding:
		return true, a.setLineCoding(data)
	case RequestSetControlLineState:
		a.setControlLineState(setup.Value)
		return true, nil
	case RequestSendBreak:
		a.sendBreak(setup.Value)
		return true, nil
	default:
		return true, pkg.ErrNotSupported
	}
}

// ControlIn handles GET_LINE_CODING.
func (a *ACM) ControlIn(setup *hal.SetupPacket, buf []byte) (int, bool, error) {
	if !a.addressed(setup) {
		return 0, false, nil
	}

	switch setup.Request {
	case RequestGetLineCoding:
		lc := a.LineCoding()
		n := lc.MarshalTo(buf)
		if n == 0 {
			return 0, true, pkg.ErrBufferTooSmall
		}
		return n, true, nil
	default:
		return 0, true, pkg.ErrNotSupported
	}
}

// setLineCoding handles the SET_LINE_CODING request.
func (a *ACM) setLineCoding(data []byte) error {
	var lc LineCoding
	if !ParseLineCoding(data, &lc) {
		return pkg.ErrBufferTooSmall
	}

	a.state.mutex.Lock()
	a.state.lineCoding = lc
	cb := a.state.onLineCodingChange
	a.state.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "line coding set",
		"baud", lc.DTERate,
		"dataBits", lc.DataBits,
		"parity", lc.ParityType,
		"stopBits", lc.CharFormat)

	if cb != nil {
		cb(lc)
	}
	return nil
}

// setControlLineState handles the SET_CONTROL_LINE_STATE request.
func (a *ACM) setControlLineState(value uint16) {
	s := a.state
	s.mutex.Lock()
	s.controlState = value
	s.updateLocked()
	s.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "control line state set",
		"dtr", value&ControlLineDTR != 0,
		"rts", value&ControlLineRTS != 0)
}

// sendBreak handles the SEND_BREAK request.
func (a *ACM) sendBreak(millis uint16) {
	a.state.mutex.Lock()
	cb := a.state.onBreak
	a.state.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentClass, "break signaled",
		"duration_ms", millis)

	if cb != nil {
		cb(millis)
	}
}

// Compile-time interface check
var _ device.Handler = (*ACM)(nil)
