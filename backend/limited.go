// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limited wraps a Backend and enforces a budget on the number of live bytes.
// Requests that would exceed the budget fail with ErrLimitExceeded without
// reaching the wrapped backend. Limited never blocks and never retries.
//
// Limited is safe to use from multiple goroutines if the wrapped backend is.
type Limited struct {
	inner Backend
	sem   *semaphore.Weighted
	limit int64
	used  atomic.Int64
}

// NewLimited returns a backend that serves at most limit live bytes from inner.
// A nil inner uses Default.
func NewLimited(inner Backend, limit int64) *Limited {
	if inner == nil {
		inner = Default
	}
	return &Limited{
		inner: inner,
		sem:   semaphore.NewWeighted(limit),
		limit: limit,
	}
}

func (l *Limited) acquire(n int64) bool {
	if n <= 0 {
		return true
	}
	if !l.sem.TryAcquire(n) {
		return false
	}
	l.used.Add(n)
	return true
}

func (l *Limited) release(n int64) {
	if n <= 0 {
		return
	}
	l.used.Add(-n)
	l.sem.Release(n)
}

// Allocate satisfies the Backend interface.
func (l *Limited) Allocate(size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	if !l.acquire(int64(size)) {
		return nil, ErrLimitExceeded
	}
	b, err := l.inner.Allocate(size)
	if err != nil {
		l.release(int64(size))
		return nil, err
	}
	return b, nil
}

// Reallocate satisfies the Backend interface.
func (l *Limited) Reallocate(b []byte, size int) ([]byte, error) {
	if size < 0 {
		return nil, ErrInvalidSize
	}
	delta := int64(size) - int64(len(b))
	if !l.acquire(delta) {
		return nil, ErrLimitExceeded
	}
	nb, err := l.inner.Reallocate(b, size)
	if err != nil {
		l.release(delta)
		return nil, err
	}
	if delta < 0 {
		l.release(-delta)
	}
	return nb, nil
}

// Release satisfies the Backend interface.
func (l *Limited) Release(b []byte) {
	if b == nil {
		return
	}
	l.inner.Release(b)
	l.release(int64(len(b)))
}

// Used returns the number of live bytes charged against the budget.
func (l *Limited) Used() int64 {
	return l.used.Load()
}

// Limit returns the configured budget.
func (l *Limited) Limit() int64 {
	return l.limit
}
