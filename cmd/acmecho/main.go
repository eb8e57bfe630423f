// Package main runs the CDC-ACM echo firmware on the loopback HAL.
//
// The firmware brings up its clock and waits for bus power, registers one
// CDC-ACM function, and then runs the device poll loop and the echo task
// together until interrupted. Every packet the host writes to the serial
// port comes straight back.
//
// Usage:
//
//	go run . [options]
//
// Options:
//
//	-v                 Enable verbose (debug) logging
//	-json              Use JSON log format
//	-vid, -pid         USB vendor and product IDs
//	-release version   Device release as a semantic version (default: 1.0.0)
//	-manufacturer s    Manufacturer string
//	-product s         Product string
//	-serial s          Serial number string
//	-demo              Drive the firmware with a scripted host
//	-cycles N          Connect/disconnect cycles in demo mode (default: 3)
//	-osc-polls N       Polls before the simulated oscillator runs (default: 1000)
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardnew/acmecho/device"
	"github.com/ardnew/acmecho/device/class/cdc"
	"github.com/ardnew/acmecho/device/hal"
	"github.com/ardnew/acmecho/device/hal/loopback"
	"github.com/ardnew/acmecho/echo"
	"github.com/ardnew/acmecho/periph"
	"github.com/ardnew/acmecho/pkg"
	"github.com/ardnew/acmecho/task"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentDevice

// errEchoMismatch reports a demo packet that came back altered.
var errEchoMismatch = errors.New("echo mismatch")

// options are the parsed command-line settings.
type options struct {
	config   device.Config
	release  string
	demo     bool
	cycles   int
	oscPolls int
}

func main() {
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	jsonLog := flag.Bool("json", false, "use JSON log format")
	vid := flag.Uint("vid", device.DefaultVendorID, "USB vendor ID")
	pid := flag.Uint("pid", device.DefaultProductID, "USB product ID")
	release := flag.String("release", "1.0.0", "device release (semantic version)")
	manufacturer := flag.String("manufacturer", "acmecho", "manufacturer string")
	product := flag.String("product", "CDC-ACM Echo", "product string")
	serial := flag.String("serial", "0001", "serial number string")
	demo := flag.Bool("demo", false, "drive the firmware with a scripted host")
	cycles := flag.Int("cycles", 3, "connect/disconnect cycles in demo mode")
	oscPolls := flag.Int("osc-polls", 1000, "polls before the simulated oscillator runs")
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if *jsonLog {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	if *vid > 0xFFFF || *pid > 0xFFFF {
		pkg.LogError(component, "invalid vendor/product ID", "vid", *vid, "pid", *pid)
		os.Exit(1)
	}

	cfg := device.NewConfig(uint16(*vid), uint16(*pid))
	cfg.Manufacturer = *manufacturer
	cfg.Product = *product
	cfg.SerialNumber = *serial

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, options{
		config:   cfg,
		release:  *release,
		demo:     *demo,
		cycles:   *cycles,
		oscPolls: *oscPolls,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		pkg.LogError(component, "firmware stopped", "error", err)
		os.Exit(1)
	}
	pkg.LogInfo(component, "shutting down")
}

// run brings up the firmware and runs its tasks until ctx is done or, in
// demo mode, the scripted host finishes.
func run(ctx context.Context, opts options) error {
	bus := loopback.New()
	host := bus.Host()

	p, err := periph.NewSet(periph.NewSimClock(opts.oscPolls), bus, bus).Take()
	if err != nil {
		return err
	}

	// The cable goes in after the firmware starts waiting for it.
	go host.Attach()
	periph.AwaitReady(p.Clock, p.Power)

	cfg := opts.config
	if cfg.DeviceRelease, err = device.ParseRelease(opts.release); err != nil {
		return err
	}

	var bufs device.Buffers
	b := device.NewBuilder(p.USB, cfg, &bufs)
	acm := cdc.New(b, cdc.NewState(), echo.PacketSize)

	dev, err := b.Build(ctx)
	if err != nil {
		return fmt.Errorf("build device: %w", err)
	}

	pkg.LogInfo(component, "starting CDC-ACM echo",
		"vid", fmt.Sprintf("%04x", cfg.VendorID),
		"pid", fmt.Sprintf("%04x", cfg.ProductID),
		"release", fmt.Sprintf("%04x", cfg.DeviceRelease))

	tasks := []task.Func{dev.Run, echo.New(acm).Run}
	if opts.demo {
		tasks = append(tasks, func(ctx context.Context) error {
			return runDemo(ctx, dev, host, acm, opts.cycles)
		})
	}
	return task.Join(ctx, tasks...)
}

// runDemo plays the host side: enumerate, then open the port, echo one
// packet and close it again for each cycle.
func runDemo(ctx context.Context, dev *device.Device, host *loopback.Host, acm *cdc.ACM, cycles int) error {
	if err := awaitPowered(ctx, dev); err != nil {
		return err
	}
	if _, err := host.Enumerate(ctx); err != nil {
		return fmt.Errorf("enumerate: %w", err)
	}
	pkg.LogInfo(component, "host enumerated device", "address", host.Address())

	for i := 0; i < cycles; i++ {
		if err := setDTR(ctx, host, true); err != nil {
			return fmt.Errorf("open port: %w", err)
		}

		payload := []byte(fmt.Sprintf("hello %d", i))
		if err := host.Send(ctx, acm.OutAddress(), payload); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		got, err := host.Receive(ctx, acm.InAddress())
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if !bytes.Equal(got, payload) {
			return fmt.Errorf("cycle %d: sent %q, got %q: %w", i, payload, got, errEchoMismatch)
		}
		pkg.LogInfo(component, "echo verified", "cycle", i, "data", string(got))

		if err := setDTR(ctx, host, false); err != nil {
			return fmt.Errorf("close port: %w", err)
		}
	}

	pkg.LogInfo(component, "demo complete", "cycles", cycles)
	return nil
}

// awaitPowered waits for the device to attach to the bus.
func awaitPowered(ctx context.Context, dev *device.Device) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for dev.State() == device.StateAttached {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// setDTR opens or closes the port the way a terminal program does.
func setDTR(ctx context.Context, host *loopback.Host, on bool) error {
	var value uint16
	if on {
		value = cdc.ControlLineDTR | cdc.ControlLineRTS
	}
	_, err := host.Control(ctx, hal.SetupPacket{
		RequestType: hal.RequestTypeClass | hal.RequestRecipientInterface,
		Request:     cdc.RequestSetControlLineState,
		Value:       value,
	}, nil)
	return err
}
