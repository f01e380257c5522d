// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"errors"
	"io"
	"unsafe"
)

const readChunkSize = 4 * 1024

// Buffer is an append-only byte buffer whose storage comes from an Allocator.
// While nothing else allocates from the same arena, growth extends the buffer
// in place. Buffer implements io.Writer, io.ByteWriter, io.StringWriter,
// io.ReaderFrom and io.WriterTo.
//
// A nil allocator makes Buffer fall back to the Go heap.
type Buffer struct {
	a   Allocator
	buf []byte
}

// NewBuffer creates an empty Buffer backed by a.
func NewBuffer(a Allocator) *Buffer {
	return &Buffer{a: a}
}

// Write appends p to the buffer. It never returns an error.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.buf = SliceAppend(b.a, b.buf, p...)
	return len(p), nil
}

// WriteByte appends c to the buffer.
func (b *Buffer) WriteByte(c byte) error {
	b.buf = SliceAppend(b.a, b.buf, c)
	return nil
}

// WriteString appends s to the buffer.
func (b *Buffer) WriteString(s string) (int, error) {
	if len(s) == 0 {
		return 0, nil
	}
	b.buf = SliceAppend(b.a, b.buf, unsafe.Slice(unsafe.StringData(s), len(s))...)
	return len(s), nil
}

// ReadFrom reads from r until EOF directly into spare buffer capacity.
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	var n int64
	for {
		if cap(b.buf)-len(b.buf) < readChunkSize/4 {
			b.buf = growSlice(b.a, b.buf, readChunkSize)
		}
		spare := b.buf[len(b.buf):cap(b.buf)]
		m, err := r.Read(spare)
		if m > 0 {
			b.buf = b.buf[:len(b.buf)+m]
			n += int64(m)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
	}
}

// WriteTo writes the buffer contents to w and drops the bytes written.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	if len(b.buf) == 0 {
		return 0, nil
	}
	m, err := w.Write(b.buf)
	if m > 0 {
		b.buf = b.buf[:copy(b.buf, b.buf[m:])]
	}
	if err == nil && len(b.buf) > 0 {
		err = io.ErrShortWrite
	}
	return int64(m), err
}

// Bytes returns the buffer contents. The slice aliases arena memory and is
// valid until the next write or until the arena is reset.
func (b *Buffer) Bytes() []byte {
	return b.buf
}

// String returns a copy of the buffer contents.
func (b *Buffer) String() string {
	return string(b.buf)
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.buf)
}

// Cap returns the capacity of the underlying storage.
func (b *Buffer) Cap() int {
	return cap(b.buf)
}

// Reset empties the buffer but keeps its storage.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
}
