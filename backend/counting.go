// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"sync/atomic"
)

// Stats is a snapshot of the calls observed by a Counting backend.
type Stats struct {
	Allocs    int64 // successful Allocate calls
	Reallocs  int64 // successful Reallocate calls with a non-zero size
	Releases  int64 // Release calls with a non-nil region, including Reallocate to zero
	Failures  int64 // Allocate or Reallocate calls that returned an error
	LiveBytes int64 // bytes currently held by callers
}

// Counting wraps a Backend and records how it is used.
type Counting struct {
	inner     Backend
	allocs    atomic.Int64
	reallocs  atomic.Int64
	releases  atomic.Int64
	failures  atomic.Int64
	liveBytes atomic.Int64
}

// NewCounting returns a counting wrapper around inner. A nil inner uses Default.
func NewCounting(inner Backend) *Counting {
	if inner == nil {
		inner = Default
	}
	return &Counting{inner: inner}
}

// Allocate satisfies the Backend interface.
func (c *Counting) Allocate(size int) ([]byte, error) {
	b, err := c.inner.Allocate(size)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}
	c.allocs.Add(1)
	c.liveBytes.Add(int64(len(b)))
	return b, nil
}

// Reallocate satisfies the Backend interface.
func (c *Counting) Reallocate(b []byte, size int) ([]byte, error) {
	nb, err := c.inner.Reallocate(b, size)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}
	if size == 0 {
		if b != nil {
			c.releases.Add(1)
		}
	} else {
		c.reallocs.Add(1)
	}
	c.liveBytes.Add(int64(len(nb)) - int64(len(b)))
	return nb, nil
}

// Release satisfies the Backend interface.
func (c *Counting) Release(b []byte) {
	if b == nil {
		return
	}
	c.inner.Release(b)
	c.releases.Add(1)
	c.liveBytes.Add(-int64(len(b)))
}

// Stats returns a snapshot of the counters.
func (c *Counting) Stats() Stats {
	return Stats{
		Allocs:    c.allocs.Load(),
		Reallocs:  c.reallocs.Load(),
		Releases:  c.releases.Load(),
		Failures:  c.failures.Load(),
		LiveBytes: c.liveBytes.Load(),
	}
}
