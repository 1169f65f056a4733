// Package glerr implements the driver-core error taxonomy.
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package glerr

// Kind is one of the closed set of error categories a driver can produce.
// Steady-state request errors (OutOfMemory, DeviceError) are surfaced as a
// negative CQE result rather than an IPC error; setup errors are fatal.
type Kind int

const (
	// NotInitialized: operation called before the required setup step.
	NotInitialized Kind = iota
	// InvalidArgs: malformed request, out-of-bounds address, zero-sized queue.
	InvalidArgs
	// OutOfMemory: descriptor or in-flight slot exhaustion.
	OutOfMemory
	// NotSupported: unknown opcode or unknown (protocol, label) pair.
	NotSupported
	// DeviceError: the VirtIO status byte reported non-OK.
	DeviceError
	// InvalidHeader: VirtIO-MMIO magic or version mismatch. Fatal during init.
	InvalidHeader
	// DeviceNotFound: no device behind the MMIO window. Fatal during init.
	DeviceNotFound
)

func (k Kind) String() string {
	switch k {
	case NotInitialized:
		return "not initialized"
	case InvalidArgs:
		return "invalid arguments"
	case OutOfMemory:
		return "out of memory"
	case NotSupported:
		return "not supported"
	case DeviceError:
		return "device error"
	case InvalidHeader:
		return "invalid header"
	case DeviceNotFound:
		return "device not found"
	default:
		return "unknown error"
	}
}

// Error wraps a Kind with an optional context string.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}

	return e.Kind.String() + ": " + e.Msg
}

// New builds an Error of the given Kind with a context message.
func New(k Kind, msg string) error {
	return &Error{Kind: k, Msg: msg}
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}

// Fatal reports whether a Kind is fatal during driver setup, per spec §7:
// InvalidHeader and DeviceNotFound abort initialization unconditionally.
func Fatal(k Kind) bool {
	return k == InvalidHeader || k == DeviceNotFound
}

// CQEResult converts an error into a negative CQE result code, per spec §7
// propagation policy: request errors become a negative res, never an IPC
// fault. A nil error is not meaningful here; callers pass it only on failure.
func CQEResult(err error) int32 {
	if err == nil {
		return 0
	}

	e, ok := err.(*Error)
	if !ok {
		return -1
	}

	return -(int32(e.Kind) + 1)
}
