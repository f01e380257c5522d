// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"unsafe"
)

const growThreshold = 256

// Allocate allocates a zeroed value of type T from a.
// If a is nil or exhausted, it falls back to Go's built-in new.
//
// Arena memory is not scanned by the garbage collector: T must not hold the
// only reference to Go heap memory.
func Allocate[T any](a Allocator) *T {
	if a != nil {
		var x T
		if ptr := a.AllocAlign(unsafe.Sizeof(x), unsafe.Alignof(x)); ptr != nil {
			p := (*T)(ptr)
			*p = x
			return p
		}
	}
	return new(T)
}

// AllocateSlice creates a slice of type T with the given length and capacity
// from a. If a is nil, exhausted or cap is zero, it falls back to make.
// The first len elements are zeroed.
func AllocateSlice[T any](a Allocator, len, cap int) []T {
	if a != nil && cap > 0 {
		var x T
		size := unsafe.Sizeof(x) * uintptr(cap)
		if ptr := (*T)(a.AllocAlign(size, unsafe.Alignof(x))); ptr != nil {
			s := unsafe.Slice(ptr, cap)[:len]
			clear(s)
			return s
		}
	}
	return make([]T, len, cap)
}

// SliceAppend appends data to s, growing it through a.
// When s is the most recent allocation of a, growth extends it in place.
func SliceAppend[T any](a Allocator, s []T, data ...T) []T {
	if a == nil {
		return append(s, data...)
	}
	s = growSlice(a, s, len(data))
	return append(s, data...)
}

func growSlice[T any](a Allocator, s []T, dataLen int) []T {
	newLen := len(s) + dataLen
	newCap := cap(s)
	if newLen <= newCap {
		return s
	}

	if newCap == 0 {
		return AllocateSlice[T](a, len(s), newLen)
	}
	for newLen > newCap {
		if newCap < growThreshold {
			newCap *= 2
		} else {
			newCap += newCap / 4
		}
	}

	var x T
	if size := unsafe.Sizeof(x); a != nil && size != 0 && unsafe.Alignof(x) <= MaxAlign {
		old := unsafe.Pointer(unsafe.SliceData(s))
		if ptr := a.Realloc(old, size*uintptr(cap(s)), size*uintptr(newCap)); ptr != nil {
			return unsafe.Slice((*T)(ptr), newCap)[:len(s)]
		}
	}
	s2 := AllocateSlice[T](a, len(s), newCap)
	copy(s2, s)
	return s2
}
