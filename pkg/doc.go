// Package pkg provides shared utilities for the acmecho firmware.
//
// This package contains common functionality used by every firmware
// component, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for transport faults and USB protocol errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentEcho, "connected")
//
// # Errors
//
// Transport faults are reported as sentinel values and compared with
// [errors.Is]:
//
//	if errors.Is(err, pkg.ErrDisabled) {
//	    // Host went away; wait for the next connection
//	}
package pkg
