// SPDX-License-Identifier: Apache-2.0

//go:build unix

package backend

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type pages struct {
	pageSize int
}

// NewPages returns a backend that serves every region from its own anonymous
// private mapping. Sizes are rounded up to the page size; the returned slice has
// the requested length and the mapped capacity. Memory lives outside the Go heap
// and is returned to the OS on Release. Releasing a region twice, or one that
// did not come from this backend, panics.
func NewPages() Backend {
	return &pages{pageSize: unix.Getpagesize()}
}

func (p *pages) roundUp(size int) int {
	return (size + p.pageSize - 1) &^ (p.pageSize - 1)
}

// Allocate satisfies the Backend interface.
func (p *pages) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	data, err := unix.Mmap(-1, 0, p.roundUp(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("backend: mmap %d bytes: %w", size, err)
	}
	return data[:size], nil
}

// Reallocate satisfies the Backend interface.
func (p *pages) Reallocate(b []byte, size int) ([]byte, error) {
	if size > 0 && size <= cap(b) {
		return b[:size], nil
	}
	return resize(p, b, size)
}

// Release satisfies the Backend interface.
func (p *pages) Release(b []byte) {
	if cap(b) == 0 {
		return
	}
	// The mapping is identified by its full extent. Munmap only fails for a
	// region that is not a live mapping of this backend: a double release or a
	// foreign slice.
	if err := unix.Munmap(b[:cap(b)]); err != nil {
		panic(fmt.Sprintf("backend: munmap %d bytes: %v", cap(b), err))
	}
}
