// Package main checks a running echo firmware over a real serial port.
//
// It opens the CDC-ACM tty the host assigned to the device, writes random
// packets and verifies each one comes back unchanged.
//
// Usage:
//
//	go run . [options]
//
// Options:
//
//	-v                 Enable verbose (debug) logging
//	-json              Use JSON log format
//	-port path         Serial device path (default: /dev/ttyACM0)
//	-baud rate         Baud rate, ignored by USB CDC (default: 115200)
//	-count N           Number of packets to check (default: 16)
//	-timeout duration  Read timeout per packet (default: 2s)
package main

import (
	"bytes"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tarm/serial"

	"github.com/ardnew/acmecho/echo"
	"github.com/ardnew/acmecho/pkg"
)

// component identifies this executable for structured logging.
const component = pkg.Component("acmcheck")

// Error types for this executable.
var (
	errShortEcho = errors.New("short echo")
	errMismatch  = errors.New("echo mismatch")
)

func main() {
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	jsonLog := flag.Bool("json", false, "use JSON log format")
	port := flag.String("port", "/dev/ttyACM0", "serial device path")
	baud := flag.Int("baud", 115200, "baud rate (ignored for USB CDC)")
	count := flag.Int("count", 16, "number of packets to check")
	timeout := flag.Duration("timeout", 2*time.Second, "read timeout per packet")
	flag.Parse()

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if *jsonLog {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	p, err := serial.OpenPort(&serial.Config{
		Name:        *port,
		Baud:        *baud,
		ReadTimeout: *timeout,
	})
	if err != nil {
		pkg.LogError(component, "failed to open serial port", "port", *port, "error", err)
		os.Exit(1)
	}
	defer p.Close()

	if err := check(p, *count); err != nil {
		pkg.LogError(component, "echo check failed", "port", *port, "error", err)
		os.Exit(1)
	}
	pkg.LogInfo(component, "echo check passed", "port", *port, "packets", *count)
}

// check writes count random packets to rw and reads each one back.
// Packet sizes cycle from 1 byte to a full packet.
func check(rw io.ReadWriter, count int) error {
	buf := make([]byte, echo.PacketSize)
	for i := 0; i < count; i++ {
		sent := make([]byte, i%echo.PacketSize+1)
		if _, err := rand.Read(sent); err != nil {
			return err
		}

		if _, err := rw.Write(sent); err != nil {
			return fmt.Errorf("packet %d: write: %w", i, err)
		}

		got := buf[:len(sent)]
		n, err := io.ReadFull(rw, got)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return fmt.Errorf("packet %d: got %d of %d bytes: %w", i, n, len(sent), errShortEcho)
		case err != nil:
			return fmt.Errorf("packet %d: read: %w", i, err)
		}

		if !bytes.Equal(got, sent) {
			return fmt.Errorf("packet %d: %w", i, errMismatch)
		}
		pkg.LogDebug(component, "packet echoed", "packet", i, "bytes", n)
	}
	return nil
}
