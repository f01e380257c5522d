// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"runtime"
	"sync"
	"weak"
)

// sizeWindow is the number of releases averaged per key before the average decays.
const sizeWindow = 50

// Pool recycles arenas between uses. It is safe for concurrent use.
//
// Released arenas are Reset and kept as weak pointers, so the garbage collector
// may reclaim idle ones under memory pressure. Once an arena itself is
// unreachable, a runtime cleanup returns its blocks to its backend. Fresh
// arenas are sized from the average peak usage observed for the key they are
// acquired with.
type Pool struct {
	mu    sync.Mutex
	items []weak.Pointer[PoolItem]
	sizes map[uint64]*usage
	opts  []Option
}

type usage struct {
	count      int
	totalBytes int
}

// PoolItem is an arena on loan from a Pool.
type PoolItem struct {
	Arena *Arena
	Key   uint64
}

// NewPool creates an empty Pool. The options are applied to every arena it creates.
func NewPool(opts ...Option) *Pool {
	return &Pool{
		sizes: make(map[uint64]*usage),
		opts:  opts,
	}
}

// Acquire returns a pooled arena, or a new one when the pool is empty.
// The key identifies the use case for sizing new arenas.
func (p *Pool) Acquire(key uint64) *PoolItem {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.items) > 0 {
		last := len(p.items) - 1
		wp := p.items[last]
		p.items = p.items[:last]

		if item := wp.Value(); item != nil {
			item.Key = key
			return item
		}
	}

	opts := append(p.opts[:len(p.opts):len(p.opts)], WithBlockSize(p.blockSize(key)))
	a := New(opts...)
	// Tied to the arena, not the item: callers may keep only item.Arena.
	runtime.AddCleanup(a, func(c *chain) { c.release() }, a.owner())
	return &PoolItem{Arena: a, Key: key}
}

// Release resets item's arena and returns it to the pool.
// The item must not be used afterwards.
func (p *Pool) Release(item *PoolItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(item)
}

// ReleaseMany releases several items under a single lock acquisition.
func (p *Pool) ReleaseMany(items ...*PoolItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, item := range items {
		p.releaseLocked(item)
	}
}

func (p *Pool) releaseLocked(item *PoolItem) {
	peak := item.Arena.Peak()
	item.Arena.Reset()

	if u, ok := p.sizes[item.Key]; ok {
		if u.count == sizeWindow {
			u.count = 1
			u.totalBytes /= sizeWindow
		}
		u.count++
		u.totalBytes += peak
	} else {
		p.sizes[item.Key] = &usage{count: 1, totalBytes: peak}
	}

	item.Key = 0
	p.items = append(p.items, weak.Make(item))
}

// blockSize returns the first-block size for new arenas acquired with key.
func (p *Pool) blockSize(key uint64) int {
	if u, ok := p.sizes[key]; ok && u.totalBytes > 0 {
		return u.totalBytes / u.count
	}
	return DefaultBlockSize
}
