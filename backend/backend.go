// SPDX-License-Identifier: Apache-2.0

// Package backend defines the primitive that every allocator in this module
// builds upon: allocate, reallocate and release a contiguous byte region.
//
// The arena, pool and guard packages never obtain memory any other way, so a
// Backend can be swapped (Go heap, anonymous page mappings, a budgeted wrapper)
// without touching their logic.
package backend

import (
	"errors"
)

var (
	// ErrInvalidSize is returned when a non-positive size is requested.
	ErrInvalidSize = errors.New("backend: invalid size")
	// ErrLimitExceeded is returned by Limited when a request would exceed its budget.
	ErrLimitExceeded = errors.New("backend: memory limit exceeded")
)

// Backend is the allocation primitive consumed by the allocators.
type Backend interface {
	// Allocate returns a region of exactly size bytes.
	// An error means the request could not be served; no memory is retained.
	Allocate(size int) ([]byte, error)

	// Reallocate resizes b to size bytes, preserving the first min(len(b), size) bytes.
	// A size of zero releases b and returns nil, nil.
	// On error b is untouched and still owned by the caller.
	// On success b must no longer be used.
	Reallocate(b []byte, size int) ([]byte, error)

	// Release returns b to the backend. Releasing nil is a no-op.
	Release(b []byte)
}

// Default is the backend used when none is configured.
var Default Backend = Heap{}

// Heap serves regions from the Go heap.
// Release drops the reference and leaves reclamation to the garbage collector.
//
// Heap is safe to use from multiple goroutines.
type Heap struct{}

// Allocate satisfies the Backend interface.
func (Heap) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	return make([]byte, size), nil
}

// Reallocate satisfies the Backend interface.
func (h Heap) Reallocate(b []byte, size int) ([]byte, error) {
	if size < 0 {
		return nil, ErrInvalidSize
	}
	if size == 0 {
		h.Release(b)
		return nil, nil
	}
	if size <= cap(b) {
		return b[:size], nil
	}
	nb := make([]byte, size)
	copy(nb, b)
	return nb, nil
}

// Release satisfies the Backend interface.
func (Heap) Release([]byte) {}

// resize implements Reallocate for backends without a native resize:
// allocate, copy, release old. On failure b is left untouched.
func resize(be Backend, b []byte, size int) ([]byte, error) {
	if size < 0 {
		return nil, ErrInvalidSize
	}
	if size == 0 {
		be.Release(b)
		return nil, nil
	}
	if b == nil {
		return be.Allocate(size)
	}
	nb, err := be.Allocate(size)
	if err != nil {
		return nil, err
	}
	copy(nb, b)
	be.Release(b)
	return nb, nil
}
