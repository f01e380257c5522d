// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"encoding/binary"
	"unsafe"
)

const (
	magicAlive uint32 = 0x11223344
	magicFreed uint32 = 0xDEADDEAD

	canaryByte = 0xBB

	// prefixSize keeps the payload 16-byte aligned when the block is.
	prefixSize = 16
)

// header is the bookkeeping record of one allocation. The block itself starts
// with a prefix mirroring magic and size, followed by the payload and the canary.
type header struct {
	prev, next *header

	addr  uintptr // payload address, the lookup key
	size  int
	magic uint32
	at    Origin
	block []byte // nil once released
}

func payloadAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func (h *header) payload() []byte {
	end := prefixSize + h.size
	return h.block[prefixSize:end:end]
}

func (h *header) canary() []byte {
	return h.block[prefixSize+h.size:]
}

// seal writes the prefix and the canary for the current size.
func (h *header) seal() {
	binary.LittleEndian.PutUint32(h.block[0:4], h.magic)
	binary.LittleEndian.PutUint32(h.block[4:8], 0)
	binary.LittleEndian.PutUint64(h.block[8:16], uint64(h.size))
	c := h.canary()
	for i := range c {
		c[i] = canaryByte
	}
	h.addr = payloadAddr(h.block[prefixSize:])
}

// markFreed flips the magic, in the record and in the block prefix.
func (h *header) markFreed() {
	h.magic = magicFreed
	binary.LittleEndian.PutUint32(h.block[0:4], magicFreed)
}

func (h *header) prefixIntact() bool {
	return binary.LittleEndian.Uint32(h.block[0:4]) == h.magic &&
		binary.LittleEndian.Uint32(h.block[4:8]) == 0 &&
		binary.LittleEndian.Uint64(h.block[8:16]) == uint64(h.size)
}

func (h *header) canaryIntact() bool {
	for _, c := range h.canary() {
		if c != canaryByte {
			return false
		}
	}
	return true
}

// list is the intrusive doubly-linked list of live allocations, newest first.
type list struct {
	head  *header
	len   int
	bytes int
}

func (l *list) pushFront(h *header) {
	h.prev = nil
	h.next = l.head
	if l.head != nil {
		l.head.prev = h
	}
	l.head = h
	l.len++
	l.bytes += h.size
}

func (l *list) remove(h *header) {
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		l.head = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	}
	h.prev, h.next = nil, nil
	l.len--
	l.bytes -= h.size
}
