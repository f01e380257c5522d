// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"sync"
	"unsafe"
)

// Concurrent serialises access to an Arena so that it can be shared between
// goroutines. Every method holds the lock for its whole duration.
type Concurrent struct {
	mtx sync.Mutex
	a   *Arena
}

// NewConcurrent returns an allocator that is safe to be accessed concurrently
// from multiple goroutines. A nil a creates a fresh arena.
func NewConcurrent(a *Arena) *Concurrent {
	if a == nil {
		a = New()
	}
	return &Concurrent{a: a}
}

// Alloc allocates size bytes aligned to MaxAlign.
func (c *Concurrent) Alloc(size uintptr) unsafe.Pointer {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.a.Alloc(size)
}

// AllocAlign satisfies the Allocator interface.
func (c *Concurrent) AllocAlign(size, align uintptr) unsafe.Pointer {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.a.AllocAlign(size, align)
}

// AllocZero allocates size zeroed bytes aligned to MaxAlign.
func (c *Concurrent) AllocZero(size uintptr) unsafe.Pointer {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.a.AllocZero(size)
}

// Realloc satisfies the Allocator interface.
func (c *Concurrent) Realloc(old unsafe.Pointer, oldSize, newSize uintptr) unsafe.Pointer {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.a.Realloc(old, oldSize, newSize)
}

// Reset satisfies the Allocator interface.
func (c *Concurrent) Reset() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.a.Reset()
}

// Free satisfies the Allocator interface.
func (c *Concurrent) Free() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.a.Free()
}

// Len satisfies the Allocator interface.
func (c *Concurrent) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.a.Len()
}

// Cap satisfies the Allocator interface.
func (c *Concurrent) Cap() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.a.Cap()
}

// Peak satisfies the Allocator interface.
func (c *Concurrent) Peak() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.a.Peak()
}
