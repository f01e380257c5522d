// SPDX-License-Identifier: Apache-2.0

// Package pool implements a fixed-size item allocator.
//
// Items are carved out of slabs obtained from a backend. Free items are kept in
// an intrusive singly-linked list: the first word of every free item holds the
// address of the next one, so allocation and recycling are constant time.
// Slabs are never moved, compacted or returned before Free.
//
// A Pool is not safe for concurrent use.
package pool

import (
	"unsafe"

	"github.com/wundergraph/go-alloc/backend"
)

const (
	// DefaultItemsPerSlab is used when New is given a non-positive item count.
	DefaultItemsPerSlab = 64

	initialSlabCap = 8
	ptrSize        = unsafe.Sizeof(uintptr(0))
)

// node overlays the memory of a free item.
type node struct {
	next *node
}

// Pool serves items of a single size.
type Pool struct {
	itemSize     uintptr
	itemsPerSlab int
	head         *node
	slabs        [][]byte
	inUse        int
	backend      backend.Backend
}

// Option configures a Pool.
type Option func(*Pool)

// WithBackend sets the backend slabs are allocated from.
func WithBackend(be backend.Backend) Option {
	return func(p *Pool) {
		p.backend = be
	}
}

// New creates a pool of items of itemSize bytes, allocating itemsPerSlab items
// at a time. The item size is rounded up to a multiple of the pointer size and
// is never smaller than one pointer.
func New(itemSize, itemsPerSlab int, opts ...Option) *Pool {
	size := uintptr(max(itemSize, 0))
	if size < ptrSize {
		size = ptrSize
	}
	size = (size + ptrSize - 1) &^ (ptrSize - 1)

	if itemsPerSlab <= 0 {
		itemsPerSlab = DefaultItemsPerSlab
	}

	p := &Pool{
		itemSize:     size,
		itemsPerSlab: itemsPerSlab,
		backend:      backend.Default,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// grow allocates one slab and splices its items in front of the free list.
// On backend failure the pool is left unchanged.
func (p *Pool) grow() bool {
	slab, err := p.backend.Allocate(int(p.itemSize) * p.itemsPerSlab)
	if err != nil {
		return false
	}

	if len(p.slabs) == cap(p.slabs) {
		slabs := make([][]byte, len(p.slabs), max(initialSlabCap, 2*cap(p.slabs)))
		copy(slabs, p.slabs)
		p.slabs = slabs
	}
	p.slabs = append(p.slabs, slab)

	base := unsafe.Pointer(unsafe.SliceData(slab))
	for i := 0; i < p.itemsPerSlab-1; i++ {
		n := (*node)(unsafe.Add(base, uintptr(i)*p.itemSize))
		n.next = (*node)(unsafe.Add(base, uintptr(i+1)*p.itemSize))
	}
	last := (*node)(unsafe.Add(base, uintptr(p.itemsPerSlab-1)*p.itemSize))
	last.next = p.head
	p.head = (*node)(base)
	return true
}

// Alloc returns an item, or nil if the pool is empty and a new slab cannot be
// allocated. The item contents are unspecified.
func (p *Pool) Alloc() unsafe.Pointer {
	if p.head == nil && !p.grow() {
		return nil
	}
	n := p.head
	p.head = n.next
	n.next = nil
	p.inUse++
	return unsafe.Pointer(n)
}

// AllocBytes returns an item as a byte slice of ItemSize bytes, or nil.
func (p *Pool) AllocBytes() []byte {
	ptr := p.Alloc()
	if ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), p.itemSize)
}

// Recycle returns an item to the pool. Recycling nil is a no-op.
// ptr must have been returned by Alloc on this pool and not recycled since;
// this is not checked.
func (p *Pool) Recycle(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	n := (*node)(ptr)
	n.next = p.head
	p.head = n
	p.inUse--
}

// Free returns every slab to the backend. Items handed out before become invalid.
// The pool keeps its configuration and can be used again.
func (p *Pool) Free() {
	for _, slab := range p.slabs {
		p.backend.Release(slab)
	}
	p.slabs = nil
	p.head = nil
	p.inUse = 0
}

// ItemSize returns the rounded item size in bytes.
func (p *Pool) ItemSize() int {
	return int(p.itemSize)
}

// ItemsPerSlab returns the number of items allocated per slab.
func (p *Pool) ItemsPerSlab() int {
	return p.itemsPerSlab
}

// Slabs returns the number of slabs owned by the pool.
func (p *Pool) Slabs() int {
	return len(p.slabs)
}

// InUse returns the number of items allocated and not yet recycled.
func (p *Pool) InUse() int {
	return p.inUse
}
