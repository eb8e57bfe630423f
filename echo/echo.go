package echo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ardnew/acmecho/pkg"
)

// PacketSize is the relay buffer size, one full-speed bulk packet.
const PacketSize = 64

// ErrDisconnected ends one connection of the relay loop.
var ErrDisconnected = errors.New("disconnected")

// Class is the packet interface of a serial function.
type Class interface {
	WaitConnection(ctx context.Context) error
	ReadPacket(ctx context.Context, buf []byte) (int, error)
	WritePacket(ctx context.Context, data []byte) error
}

// State is the connection state of the echo task.
type State int32

const (
	AwaitingConnection State = iota
	Connected
)

// String returns a human-readable state description.
func (s State) String() string {
	switch s {
	case AwaitingConnection:
		return "AwaitingConnection"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// Task echoes every packet received from the host back to it, one
// connection after another.
type Task struct {
	class Class

	state       atomic.Int32
	connections atomic.Int64
	packets     atomic.Int64
}

// New creates an echo task over class.
func New(class Class) *Task {
	return &Task{class: class}
}

// State returns the current connection state.
func (t *Task) State() State {
	return State(t.state.Load())
}

// Connections returns how many connections have been established.
func (t *Task) Connections() int64 {
	return t.connections.Load()
}

// Packets returns how many packets have been echoed.
func (t *Task) Packets() int64 {
	return t.packets.Load()
}

// Run relays packets until ctx is done. A host disconnect returns it to
// waiting for the next connection. A buffer overflow is a configuration
// defect and panics.
func (t *Task) Run(ctx context.Context) error {
	for {
		t.state.Store(int32(AwaitingConnection))
		if err := t.class.WaitConnection(ctx); err != nil {
			return err
		}

		t.connections.Add(1)
		t.state.Store(int32(Connected))
		pkg.LogInfo(pkg.ComponentEcho, "connected")

		err := t.relay(ctx)
		if !errors.Is(err, ErrDisconnected) {
			t.state.Store(int32(AwaitingConnection))
			return err
		}
		pkg.LogInfo(pkg.ComponentEcho, "disconnected")
	}
}

// relay echoes packets on the current connection. It returns only with a
// translated error.
func (t *Task) relay(ctx context.Context) error {
	var buf [PacketSize]byte
	for {
		n, err := t.class.ReadPacket(ctx, buf[:])
		if err != nil {
			return translate(err)
		}

		data := buf[:n]
		if pkg.Enabled(slog.LevelDebug) {
			pkg.LogDebug(pkg.ComponentEcho, "data", "hex", hex.EncodeToString(data))
		}

		if err := t.class.WritePacket(ctx, data); err != nil {
			return translate(err)
		}
		t.packets.Add(1)
	}
}

// translate maps a transport fault onto the relay loop's outcome.
func translate(err error) error {
	switch {
	case errors.Is(err, pkg.ErrBufferOverflow):
		pkg.LogError(pkg.ComponentEcho, "buffer overflow", "error", err)
		panic(fmt.Errorf("echo: %w", err))

	case errors.Is(err, pkg.ErrDisabled):
		return ErrDisconnected

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err

	default:
		pkg.LogWarn(pkg.ComponentEcho, "transfer failed", "error", err)
		return ErrDisconnected
	}
}
