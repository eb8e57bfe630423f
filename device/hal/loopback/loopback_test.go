package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/acmecho/device/hal"
	"github.com/ardnew/acmecho/pkg"
)

var bulkEndpoints = []hal.EndpointConfig{
	{Address: 0x01, Attributes: hal.EndpointTypeBulk, MaxPacketSize: 64},
	{Address: 0x81, Attributes: hal.EndpointTypeBulk, MaxPacketSize: 64},
}

// startedBus returns an attached, started bus with two bulk endpoints.
func startedBus(t *testing.T) (*Bus, *Host, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	bus := New()
	host := bus.Host()
	host.Attach()
	require.NoError(t, bus.Init(ctx))
	require.NoError(t, bus.Start())
	require.NoError(t, bus.ConfigureEndpoints(bulkEndpoints))
	return bus, host, ctx
}

func TestBus_Lifecycle(t *testing.T) {
	bus := New()
	assert.ErrorIs(t, bus.Start(), pkg.ErrNotConfigured)

	require.NoError(t, bus.Init(context.Background()))
	assert.ErrorIs(t, bus.Init(context.Background()), pkg.ErrAlreadyRunning)
	require.NoError(t, bus.Start())
	require.NoError(t, bus.Stop())
}

func TestBus_InitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, New().Init(ctx), context.Canceled)
}

func TestHost_Attach(t *testing.T) {
	bus := New()
	assert.False(t, bus.VBUSPresent())
	bus.Host().Attach()
	assert.True(t, bus.VBUSPresent())
}

func TestHost_DetachedControl(t *testing.T) {
	bus := New()
	host := bus.Host()

	_, err := host.Control(context.Background(), hal.SetupPacket{}, nil)
	assert.ErrorIs(t, err, ErrDetached)
	assert.ErrorIs(t, host.Reset(context.Background()), ErrDetached)
}

func TestBus_ControlIn(t *testing.T) {
	bus, host, ctx := startedBus(t)

	go func() {
		var setup hal.SetupPacket
		if err := bus.ReadSetup(ctx, &setup); err != nil {
			return
		}
		_ = bus.WriteEP0(ctx, []byte{1, 2, 3, 4})
		_, _ = bus.ReadEP0(ctx, nil)
	}()

	got, err := host.Control(ctx, hal.SetupPacket{
		RequestType: hal.RequestDirectionDeviceToHost,
		Length:      2,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got)
}

func TestBus_ControlOut(t *testing.T) {
	bus, host, ctx := startedBus(t)

	received := make(chan []byte, 1)
	go func() {
		var setup hal.SetupPacket
		if err := bus.ReadSetup(ctx, &setup); err != nil {
			return
		}
		buf := make([]byte, setup.Length)
		n, _ := bus.ReadEP0(ctx, buf)
		received <- buf[:n]
		_ = bus.AckEP0()
	}()

	_, err := host.Control(ctx, hal.SetupPacket{Length: 3}, []byte{7, 8, 9})
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 8, 9}, <-received)
}

func TestBus_ControlStall(t *testing.T) {
	bus, host, ctx := startedBus(t)

	go func() {
		var setup hal.SetupPacket
		if err := bus.ReadSetup(ctx, &setup); err != nil {
			return
		}
		_ = bus.StallEP0()
	}()

	_, err := host.Control(ctx, hal.SetupPacket{}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestBus_EP0WithoutSetup(t *testing.T) {
	bus, _, ctx := startedBus(t)

	assert.ErrorIs(t, bus.WriteEP0(ctx, []byte{1}), pkg.ErrInvalidState)
	_, err := bus.ReadEP0(ctx, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
}

func TestBus_Packets(t *testing.T) {
	bus, host, ctx := startedBus(t)

	go func() { _ = host.Send(ctx, 0x01, []byte("ping")) }()
	buf := make([]byte, 64)
	n, err := bus.Read(ctx, 0x01, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	go func() { _, _ = bus.Write(ctx, 0x81, []byte("pong")) }()
	got, err := host.Receive(ctx, 0x81)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))
}

func TestBus_Overflow(t *testing.T) {
	bus, host, ctx := startedBus(t)

	_, err := bus.Write(ctx, 0x81, make([]byte, 65))
	assert.ErrorIs(t, err, pkg.ErrBufferOverflow)

	go func() { _ = host.Send(ctx, 0x01, make([]byte, 16)) }()
	_, err = bus.Read(ctx, 0x01, make([]byte, 8))
	assert.ErrorIs(t, err, pkg.ErrBufferOverflow)
}

func TestBus_WrongDirection(t *testing.T) {
	bus, _, ctx := startedBus(t)

	_, err := bus.Read(ctx, 0x81, make([]byte, 64))
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)
	_, err = bus.Write(ctx, 0x01, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)
	_, err = bus.Read(ctx, 0x00, make([]byte, 64))
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)
}

func TestBus_ResetDisablesEndpoints(t *testing.T) {
	bus, host, ctx := startedBus(t)

	readErr := make(chan error, 1)
	go func() {
		_, err := bus.Read(ctx, 0x01, make([]byte, 64))
		readErr <- err
	}()

	events := make(chan error, 1)
	go func() {
		var setup hal.SetupPacket
		events <- bus.ReadSetup(ctx, &setup)
	}()

	require.NoError(t, host.Reset(ctx))
	assert.ErrorIs(t, <-events, pkg.ErrReset)
	assert.ErrorIs(t, <-readErr, pkg.ErrDisabled)

	_, err := bus.Read(ctx, 0x01, make([]byte, 64))
	assert.ErrorIs(t, err, pkg.ErrDisabled)
}

func TestHost_Detach(t *testing.T) {
	bus, host, ctx := startedBus(t)

	events := make(chan error, 1)
	go func() {
		var setup hal.SetupPacket
		events <- bus.ReadSetup(ctx, &setup)
	}()

	require.NoError(t, host.Detach(ctx))
	assert.ErrorIs(t, <-events, pkg.ErrDisabled)
	assert.False(t, bus.VBUSPresent())

	err := host.Send(ctx, 0x01, []byte{1})
	assert.ErrorIs(t, err, pkg.ErrDisabled)
}

func TestBus_Stall(t *testing.T) {
	bus, host, _ := startedBus(t)

	require.NoError(t, bus.Stall(0x81))
	assert.True(t, host.Stalled(0x81))
	require.NoError(t, bus.ClearStall(0x81))
	assert.False(t, host.Stalled(0x81))

	assert.ErrorIs(t, bus.Stall(0x82), pkg.ErrDisabled)
	assert.ErrorIs(t, bus.Stall(0x00), pkg.ErrInvalidEndpoint)
}

func TestBus_SetAddress(t *testing.T) {
	bus, host, _ := startedBus(t)

	require.NoError(t, bus.SetAddress(DefaultAddress))
	assert.Equal(t, uint8(DefaultAddress), host.Address())
}

func TestBus_StalledEndpointHoldsTraffic(t *testing.T) {
	bus, host, ctx := startedBus(t)

	require.NoError(t, bus.Stall(0x81))
	require.NoError(t, bus.Stall(0x01))

	assert.ErrorIs(t, host.Send(ctx, 0x01, []byte{1}), pkg.ErrStall)
	_, err := host.Receive(ctx, 0x81)
	assert.ErrorIs(t, err, pkg.ErrStall)

	written := make(chan error, 1)
	go func() {
		_, err := bus.Write(ctx, 0x81, []byte("held"))
		written <- err
	}()
	read := make(chan error, 1)
	go func() {
		_, err := bus.Read(ctx, 0x01, make([]byte, 64))
		read <- err
	}()

	select {
	case err := <-written:
		t.Fatalf("Write returned on a halted endpoint: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, bus.ClearStall(0x81))
	got, err := host.Receive(ctx, 0x81)
	require.NoError(t, err)
	assert.Equal(t, "held", string(got))
	assert.NoError(t, <-written)

	// Disabling the endpoint releases a device blocked on a halt.
	require.NoError(t, bus.ConfigureEndpoints(nil))
	assert.ErrorIs(t, <-read, pkg.ErrDisabled)
}

func TestBus_StallTwice(t *testing.T) {
	bus, host, ctx := startedBus(t)

	require.NoError(t, bus.Stall(0x81))
	require.NoError(t, bus.Stall(0x81))
	require.NoError(t, bus.ClearStall(0x81))
	require.NoError(t, bus.ClearStall(0x81))

	go func() { _, _ = bus.Write(ctx, 0x81, []byte{9}) }()
	got, err := host.Receive(ctx, 0x81)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, got)
}
