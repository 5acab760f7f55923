// Package xpc is the host boundary for machpipe: thin wrappers over the Mach
// port namespace calls and the private libxpc pipe routines. Every handle
// returned here is owned by the caller and must be released exactly once.
package xpc

import "errors"

// ErrUnsupported is returned by every entry point on hosts without the
// Mach and XPC interfaces (anything but darwin built with cgo).
var ErrUnsupported = errors.New("xpc: mach and xpc interfaces require darwin with cgo")

// Port is a mach_port_t name in the calling task's IPC space.
type Port uint32

// KernReturn is a kern_return_t as returned by Mach and bootstrap calls.
type KernReturn int32

const (
	KernSuccess      KernReturn = 0
	KernNotSupported KernReturn = 46
)

// Kind is the coarse type tag of an XPC object. The values match the
// MACHPIPE_KIND_* constants in xpc_darwin.h.
type Kind int

const (
	KindOther Kind = iota
	KindDictionary
	KindInterrupted
	KindInvalid
	KindTerminationImminent
	KindError
)

// errnoNotSupported is ENOTSUP in the darwin errno table.
const errnoNotSupported = 45
