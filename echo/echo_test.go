package echo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/acmecho/device"
	"github.com/ardnew/acmecho/device/class/cdc"
	"github.com/ardnew/acmecho/device/hal"
	"github.com/ardnew/acmecho/device/hal/loopback"
	"github.com/ardnew/acmecho/pkg"
	"github.com/ardnew/acmecho/task"
)

// funcClass is a Class built from functions.
type funcClass struct {
	wait  func(ctx context.Context) error
	read  func(ctx context.Context, buf []byte) (int, error)
	write func(ctx context.Context, data []byte) error
}

func (c *funcClass) WaitConnection(ctx context.Context) error { return c.wait(ctx) }

func (c *funcClass) ReadPacket(ctx context.Context, buf []byte) (int, error) {
	return c.read(ctx, buf)
}

func (c *funcClass) WritePacket(ctx context.Context, data []byte) error {
	return c.write(ctx, data)
}

func connected(context.Context) error { return nil }

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"disabled", pkg.ErrDisabled, ErrDisconnected},
		{"wrapped disabled", fmt.Errorf("read: %w", pkg.ErrDisabled), ErrDisconnected},
		{"canceled", context.Canceled, context.Canceled},
		{"deadline", context.DeadlineExceeded, context.DeadlineExceeded},
		{"unknown", errors.New("glitch"), ErrDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, translate(tt.err), tt.want)
		})
	}
}

func TestTranslate_OverflowPanics(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r, "translate did not panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		assert.ErrorIs(t, err, pkg.ErrBufferOverflow)
	}()
	translate(pkg.ErrBufferOverflow)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "AwaitingConnection", AwaitingConnection.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Unknown State (7)", State(7).String())
}

func TestRun_ReadOverflowPanics(t *testing.T) {
	task := New(&funcClass{
		wait: connected,
		read: func(context.Context, []byte) (int, error) { return 0, pkg.ErrBufferOverflow },
	})
	assert.Panics(t, func() { _ = task.Run(context.Background()) })
}

func TestRun_WriteOverflowPanics(t *testing.T) {
	task := New(&funcClass{
		wait:  connected,
		read:  func(context.Context, []byte) (int, error) { return 1, nil },
		write: func(context.Context, []byte) error { return pkg.ErrBufferOverflow },
	})
	assert.Panics(t, func() { _ = task.Run(context.Background()) })
}

func TestRun_DisconnectLoops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	waits := 0
	task := New(&funcClass{
		wait: func(ctx context.Context) error {
			waits++
			if waits > 3 {
				cancel()
				return ctx.Err()
			}
			return nil
		},
		read: func(context.Context, []byte) (int, error) { return 0, pkg.ErrDisabled },
	})

	assert.ErrorIs(t, task.Run(ctx), context.Canceled)
	assert.Equal(t, int64(3), task.Connections())
	assert.Equal(t, AwaitingConnection, task.State())
}

func TestRun_RelaysExactBytes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	packets := [][]byte{{0x01}, {0x02, 0x03}, make([]byte, PacketSize)}
	var written [][]byte
	next := 0

	task := New(&funcClass{
		wait: connected,
		read: func(ctx context.Context, buf []byte) (int, error) {
			if next == len(packets) {
				cancel()
				return 0, ctx.Err()
			}
			n := copy(buf, packets[next])
			next++
			return n, nil
		},
		write: func(_ context.Context, data []byte) error {
			written = append(written, append([]byte(nil), data...))
			return nil
		},
	})

	assert.ErrorIs(t, task.Run(ctx), context.Canceled)
	assert.Equal(t, packets, written)
	assert.Equal(t, int64(len(packets)), task.Packets())
}

// firmware is the echo firmware running on a loopback bus.
type firmware struct {
	dev  *device.Device
	acm  *cdc.ACM
	echo *Task
	host *loopback.Host
	done chan error
}

func startFirmware(t *testing.T) (*firmware, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	bus := loopback.New()
	host := bus.Host()
	host.Attach()

	var bufs device.Buffers
	b := device.NewBuilder(bus, device.DefaultConfig(), &bufs)
	acm := cdc.New(b, cdc.NewState(), PacketSize)
	dev, err := b.Build(ctx)
	require.NoError(t, err)

	fw := &firmware{dev: dev, acm: acm, echo: New(acm), host: host, done: make(chan error, 1)}

	runCtx, stop := context.WithCancel(context.Background())
	go func() { fw.done <- task.Join(runCtx, dev.Run, fw.echo.Run) }()
	t.Cleanup(func() {
		stop()
		assert.ErrorIs(t, <-fw.done, context.Canceled)
	})

	require.Eventually(t, func() bool {
		return dev.State() == device.StatePowered
	}, time.Second, time.Millisecond)

	_, err = host.Enumerate(ctx)
	require.NoError(t, err)
	return fw, ctx
}

func (fw *firmware) setDTR(ctx context.Context, on bool) error {
	var value uint16
	if on {
		value = cdc.ControlLineDTR
	}
	_, err := fw.host.Control(ctx, hal.SetupPacket{
		RequestType: hal.RequestTypeClass | hal.RequestRecipientInterface,
		Request:     cdc.RequestSetControlLineState,
		Value:       value,
	}, nil)
	return err
}

func (fw *firmware) roundTrip(ctx context.Context, data []byte) ([]byte, error) {
	if err := fw.host.Send(ctx, fw.acm.OutAddress(), data); err != nil {
		return nil, err
	}
	return fw.host.Receive(ctx, fw.acm.InAddress())
}

func TestFirmware_EchoScenario(t *testing.T) {
	fw, ctx := startFirmware(t)

	require.NoError(t, fw.setDTR(ctx, true))
	got, err := fw.roundTrip(ctx, []byte{0xAA, 0xBB, 0xCC})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, got)

	require.NoError(t, fw.setDTR(ctx, false))
	require.Eventually(t, func() bool {
		return fw.echo.State() == AwaitingConnection
	}, time.Second, time.Millisecond)

	require.NoError(t, fw.setDTR(ctx, true))
	got, err = fw.roundTrip(ctx, []byte{})
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Equal(t, int64(2), fw.echo.Connections())
	assert.Equal(t, Connected, fw.echo.State())
}

func TestFirmware_ReconnectCycles(t *testing.T) {
	const cycles = 10
	fw, ctx := startFirmware(t)

	for i := 0; i < cycles; i++ {
		require.NoError(t, fw.setDTR(ctx, true))

		data := []byte{byte(i), byte(i + 1)}
		got, err := fw.roundTrip(ctx, data)
		require.NoError(t, err, "cycle %d", i)
		assert.Equal(t, data, got, "cycle %d", i)

		require.NoError(t, fw.setDTR(ctx, false))
		require.Eventually(t, func() bool {
			return fw.echo.State() == AwaitingConnection
		}, time.Second, time.Millisecond, "cycle %d", i)
	}
	assert.Equal(t, int64(cycles), fw.echo.Connections())
}

func TestFirmware_FullPackets(t *testing.T) {
	fw, ctx := startFirmware(t)
	require.NoError(t, fw.setDTR(ctx, true))

	for i := 0; i < 4; i++ {
		data := make([]byte, PacketSize)
		for j := range data {
			data[j] = byte(i*PacketSize + j)
		}
		got, err := fw.roundTrip(ctx, data)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
	// The count moves once the write returns, after the host has the packet.
	require.Eventually(t, func() bool {
		return fw.echo.Packets() == 4
	}, time.Second, time.Millisecond)
}

func TestFirmware_ReenumerateAfterReset(t *testing.T) {
	fw, ctx := startFirmware(t)
	require.NoError(t, fw.setDTR(ctx, true))
	_, err := fw.roundTrip(ctx, []byte{1})
	require.NoError(t, err)

	_, err = fw.host.Enumerate(ctx)
	require.NoError(t, err)
	require.NoError(t, fw.setDTR(ctx, true))

	got, err := fw.roundTrip(ctx, []byte{2})
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, got)
	assert.Equal(t, int64(2), fw.echo.Connections())
}

func TestFirmware_DetachReattach(t *testing.T) {
	const cycles = 3
	fw, ctx := startFirmware(t)

	for i := 0; i < cycles; i++ {
		require.NoError(t, fw.setDTR(ctx, true))
		got, err := fw.roundTrip(ctx, []byte{0x55, byte(i)})
		require.NoError(t, err, "cycle %d", i)
		assert.Equal(t, []byte{0x55, byte(i)}, got, "cycle %d", i)

		require.NoError(t, fw.host.Detach(ctx))
		require.Eventually(t, func() bool {
			return fw.dev.State() == device.StateAttached &&
				fw.echo.State() == AwaitingConnection
		}, time.Second, time.Millisecond, "cycle %d", i)
		assert.False(t, fw.acm.Connected())

		fw.host.Attach()
		_, err = fw.host.Enumerate(ctx)
		require.NoError(t, err, "cycle %d", i)
	}

	require.NoError(t, fw.setDTR(ctx, true))
	got, err := fw.roundTrip(ctx, []byte{0xEE})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xEE}, got)
	assert.Equal(t, int64(cycles+1), fw.echo.Connections())
}
