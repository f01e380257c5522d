// SPDX-License-Identifier: Apache-2.0

// Package arena implements a linear allocator over a chain of growable blocks.
//
// Allocations bump a cursor through the current block. Memory is reclaimed
// only in bulk: Reset rewinds every block for reuse without returning memory to
// the backend, Free returns all of it. An Arena is not safe for concurrent use;
// wrap it with NewConcurrent when it has to be shared between goroutines.
package arena

import (
	"unsafe"

	"github.com/wundergraph/go-alloc/backend"
)

const (
	// MaxAlign is the alignment used by Alloc, AllocZero and Realloc.
	MaxAlign = 16

	// DefaultBlockSize is the capacity of the first block of an arena.
	DefaultBlockSize = 4096
)

// Allocator is the method set shared by *Arena and *Concurrent.
type Allocator interface {
	// AllocAlign allocates size bytes aligned to align, a power of two.
	// It returns nil if size is zero or the backend is exhausted.
	AllocAlign(size, align uintptr) unsafe.Pointer

	// Realloc resizes the region at old from oldSize to newSize bytes.
	Realloc(old unsafe.Pointer, oldSize, newSize uintptr) unsafe.Pointer

	// Reset invalidates every allocation but keeps the blocks for reuse.
	Reset()

	// Free returns every block to the backend.
	Free()

	// Len returns the number of bytes requested by live allocations.
	Len() int

	// Cap returns the total capacity of all blocks.
	Cap() int

	// Peak returns the high-water mark of Len. It survives Reset and Free.
	Peak() int
}

type block struct {
	next *block
	buf  []byte
	used uintptr
}

func (b *block) base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b.buf)))
}

func (b *block) capacity() uintptr {
	return uintptr(len(b.buf))
}

// at returns a pointer to offset off inside the block.
func (b *block) at(off uintptr) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(b.buf)), off)
}

// chain owns the blocks of an arena. It is allocated apart from the Arena so
// that a cleanup attached to the Arena can release the blocks.
type chain struct {
	first *block // oldest block
	be    backend.Backend
}

func (c *chain) release() {
	for b := c.first; b != nil; {
		next := b.next
		c.be.Release(b.buf)
		b.buf, b.next = nil, nil
		b = next
	}
	c.first = nil
}

// Arena is a linear allocator. The zero value is an empty arena that serves
// blocks from backend.Default.
type Arena struct {
	chain *chain
	head  *block // block currently bumped
	total uintptr
	peak  uintptr

	backend   backend.Backend
	blockSize uintptr
}

// Option configures an Arena.
type Option func(*Arena)

// WithBackend sets the backend blocks are allocated from.
func WithBackend(be backend.Backend) Option {
	return func(a *Arena) {
		a.backend = be
	}
}

// WithBlockSize sets the capacity of the first block. Later blocks double.
func WithBlockSize(size int) Option {
	return func(a *Arena) {
		if size > 0 {
			a.blockSize = uintptr(size)
		}
	}
}

// New creates an empty arena. No memory is allocated until the first allocation.
func New(opts ...Option) *Arena {
	a := &Arena{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Arena) be() backend.Backend {
	if a.backend == nil {
		return backend.Default
	}
	return a.backend
}

// owner returns the chain, creating it on first use.
func (a *Arena) owner() *chain {
	if a.chain == nil {
		a.chain = &chain{be: a.be()}
	}
	return a.chain
}

func (a *Arena) first() *block {
	if a.chain == nil {
		return nil
	}
	return a.chain.first
}

func alignUp(p, align uintptr) uintptr {
	return (p + align - 1) &^ (align - 1)
}

func (a *Arena) grew(size uintptr) {
	a.total += size
	if a.total > a.peak {
		a.peak = a.total
	}
}

// Alloc allocates size bytes aligned to MaxAlign.
func (a *Arena) Alloc(size uintptr) unsafe.Pointer {
	return a.AllocAlign(size, MaxAlign)
}

// AllocAlign satisfies the Allocator interface.
// It panics if align is not a power of two.
func (a *Arena) AllocAlign(size, align uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if align == 0 || align&(align-1) != 0 {
		panic("arena: alignment must be a power of two")
	}

	if h := a.head; h != nil {
		cur := h.base() + h.used
		padding := alignUp(cur, align) - cur
		if h.used+padding+size <= h.capacity() {
			ptr := h.at(h.used + padding)
			h.used += padding + size
			a.grew(size)
			return ptr
		}

		// Blocks past head are left over from before a Reset.
		if next := h.next; next != nil {
			padding := alignUp(next.base(), align) - next.base()
			if padding+size <= next.capacity() {
				a.head = next
				next.used = padding + size
				a.grew(size)
				return next.at(padding)
			}
		}
	}

	capacity := a.blockSize
	if capacity == 0 {
		capacity = DefaultBlockSize
	}
	if a.head != nil {
		capacity = a.head.capacity() * 2
	}
	if capacity < size+align {
		capacity = size + align
	}

	buf, err := a.be().Allocate(int(capacity))
	if err != nil {
		return nil
	}
	b := &block{buf: buf}
	if a.head != nil {
		b.next = a.head.next
		a.head.next = b
	} else {
		a.owner().first = b
	}
	a.head = b

	padding := alignUp(b.base(), align) - b.base()
	b.used = padding + size
	a.grew(size)
	return b.at(padding)
}

// AllocZero allocates size zeroed bytes aligned to MaxAlign.
func (a *Arena) AllocZero(size uintptr) unsafe.Pointer {
	ptr := a.AllocAlign(size, MaxAlign)
	if ptr != nil {
		// Compiled to a memclr call.
		b := unsafe.Slice((*byte)(ptr), size)
		for i := range b {
			b[i] = 0
		}
	}
	return ptr
}

// AllocBytes returns n bytes of arena memory as a slice, or nil if n is not
// positive or the backend is exhausted. The contents are not zeroed after a Reset.
func (a *Arena) AllocBytes(n int) []byte {
	if n <= 0 {
		return nil
	}
	ptr := a.Alloc(uintptr(n))
	if ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), n)
}

// Realloc satisfies the Allocator interface.
//
// A nil old behaves as Alloc. A zero newSize returns nil without reclaiming
// anything. Shrinking returns old unchanged. If old is the most recent
// allocation of the current block and the block has room, it is extended in
// place; otherwise a new region is allocated and oldSize bytes are copied,
// leaving the old region as dead space until the next Reset.
func (a *Arena) Realloc(old unsafe.Pointer, oldSize, newSize uintptr) unsafe.Pointer {
	if old == nil {
		return a.Alloc(newSize)
	}
	if newSize == 0 {
		return nil
	}
	if newSize <= oldSize {
		return old
	}

	if h := a.head; h != nil && uintptr(old)+oldSize == h.base()+h.used {
		diff := newSize - oldSize
		if h.used+diff <= h.capacity() {
			h.used += diff
			a.grew(diff)
			return old
		}
	}

	ptr := a.Alloc(newSize)
	if ptr != nil {
		copy(unsafe.Slice((*byte)(ptr), oldSize), unsafe.Slice((*byte)(old), oldSize))
	}
	return ptr
}

// Reset satisfies the Allocator interface.
func (a *Arena) Reset() {
	for b := a.first(); b != nil; b = b.next {
		b.used = 0
	}
	a.head = a.first()
	a.total = 0
}

// Free satisfies the Allocator interface.
// The arena can be used again afterwards and keeps its options.
func (a *Arena) Free() {
	if a.chain != nil {
		a.chain.release()
	}
	a.head = nil
	a.total = 0
}

// Len satisfies the Allocator interface. Alignment padding is not counted.
func (a *Arena) Len() int {
	return int(a.total)
}

// Cap satisfies the Allocator interface.
func (a *Arena) Cap() int {
	var total uintptr
	for b := a.first(); b != nil; b = b.next {
		total += b.capacity()
	}
	return int(total)
}

// Peak satisfies the Allocator interface.
func (a *Arena) Peak() int {
	return int(a.peak)
}

// Blocks returns the number of blocks in the chain.
func (a *Arena) Blocks() int {
	n := 0
	for b := a.first(); b != nil; b = b.next {
		n++
	}
	return n
}
