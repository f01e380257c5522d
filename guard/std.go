// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"os"
	"sync"
	"sync/atomic"
)

var (
	std          atomic.Pointer[Guard]
	reportOnExit atomic.Bool
)

// Default returns the process-wide Guard used by the package-level functions.
// It is created on first use with a *sync.Mutex as its locker.
func Default() *Guard {
	if g := std.Load(); g != nil {
		return g
	}
	std.CompareAndSwap(nil, New(WithLocker(&sync.Mutex{})))
	return std.Load()
}

// SetDefault replaces the process-wide Guard. Allocations made through the
// previous one must be released through it.
func SetDefault(g *Guard) {
	std.Store(g)
}

// Malloc allocates size bytes from the default Guard.
func Malloc(size int) []byte {
	return Default().allocate(size, callerOrigin(1))
}

// Calloc allocates count*size zeroed bytes from the default Guard.
func Calloc(count, size int) []byte {
	return Default().allocateZero(count, size, callerOrigin(1))
}

// Realloc resizes b through the default Guard.
func Realloc(b []byte, size int) []byte {
	return Default().reallocate(b, size, callerOrigin(1))
}

// Free releases b through the default Guard.
func Free(b []byte) {
	Default().release(b, callerOrigin(1))
}

// ReportLeaks reports the live allocations of the default Guard.
func ReportLeaks() int {
	return Default().ReportLeaks()
}

// RegisterAtExit arranges for Exit to report leaks of the default Guard before
// the process terminates. Call it once during startup.
func RegisterAtExit() {
	reportOnExit.Store(true)
}

// Exit terminates the process with code, reporting leaks first if
// RegisterAtExit was called.
func Exit(code int) {
	if reportOnExit.Load() {
		Default().ReportLeaks()
	}
	os.Exit(code)
}
