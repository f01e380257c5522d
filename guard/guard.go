// SPDX-License-Identifier: Apache-2.0

// Package guard implements a debugging allocator that detects leaks, double
// frees, invalid frees and buffer overruns.
//
// Every allocation is recorded together with the source location that made it.
// A canary of known bytes follows each payload and a prefix mirroring the
// allocation's metadata precedes it; both are verified whenever the allocation
// is released or resized. ReportLeaks lists what is still alive.
//
// Running out of memory is recoverable: the operation returns nil. A detected
// memory-safety violation is not: it is logged and the process is aborted,
// since the state of the program can no longer be trusted.
//
// # Concurrency
//
// A Guard does no locking of its own. Every access to its bookkeeping is
// bracketed by the sync.Locker given with WithLocker; the default does nothing.
// Pass a *sync.Mutex to share a Guard between goroutines.
//
// # Double frees
//
// Released allocations are remembered in a bounded history (WithFreedHistory).
// Releasing an address found there is reported as a double free and names the
// original allocation site; once the history has rolled over the same mistake
// is reported as an invalid free. Released memory itself is never inspected.
package guard

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/wundergraph/go-alloc/backend"
)

const (
	// DefaultCanarySize is the number of canary bytes after each payload.
	DefaultCanarySize = 16
	// DefaultFreedHistory is the number of released allocations remembered
	// for double-free detection.
	DefaultFreedHistory = 1024
	// AbortExitCode is the exit status used by the default abort handler.
	AbortExitCode = 134
)

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// Guard is a debugging allocator.
type Guard struct {
	mu   sync.Locker
	live list
	// byAddr and freed are keyed by payload address.
	byAddr  map[uintptr]*header
	freed   map[uintptr]*header
	history []*header
	histPos int

	backend     backend.Backend
	logger      *slog.Logger
	abort       func(*Violation)
	canarySize  int
	historySize int
}

// Option configures a Guard.
type Option func(*Guard)

// WithBackend sets the backend allocations are served from.
func WithBackend(be backend.Backend) Option {
	return func(g *Guard) {
		g.backend = be
	}
}

// WithLogger sets the logger diagnostics and leak reports are written to.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithLocker sets the lock bracketing every bookkeeping access.
func WithLocker(l sync.Locker) Option {
	return func(g *Guard) {
		g.mu = l
	}
}

// WithAbort replaces the handler run after a violation has been logged.
// The default exits the process with AbortExitCode. If the handler returns,
// the guard panics with the *Violation.
func WithAbort(fn func(*Violation)) Option {
	return func(g *Guard) {
		g.abort = fn
	}
}

// WithCanarySize sets the number of canary bytes after each payload.
func WithCanarySize(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.canarySize = n
		}
	}
}

// WithFreedHistory sets how many released allocations are remembered.
// Zero disables double-free detection; double frees then report as invalid frees.
func WithFreedHistory(n int) Option {
	return func(g *Guard) {
		if n >= 0 {
			g.historySize = n
		}
	}
}

// New creates a Guard.
func New(opts ...Option) *Guard {
	g := &Guard{
		mu:          noopLocker{},
		byAddr:      make(map[uintptr]*header),
		freed:       make(map[uintptr]*header),
		backend:     backend.Default,
		abort:       func(*Violation) { os.Exit(AbortExitCode) },
		canarySize:  DefaultCanarySize,
		historySize: DefaultFreedHistory,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return g
}

func (g *Guard) blockSize(size int) (int, bool) {
	if size > math.MaxInt-prefixSize-g.canarySize {
		return 0, false
	}
	return prefixSize + size + g.canarySize, true
}

// Allocate returns size bytes, or nil if size is not positive or the backend is
// exhausted. The returned slice must be released with Release or Reallocate.
func (g *Guard) Allocate(size int) []byte {
	return g.allocate(size, callerOrigin(1))
}

// AllocateZero returns count*size zeroed bytes, or nil.
func (g *Guard) AllocateZero(count, size int) []byte {
	return g.allocateZero(count, size, callerOrigin(1))
}

// Reallocate resizes b to size bytes, preserving its contents up to the smaller
// size. A nil b behaves as Allocate; a zero size releases b and returns nil.
// If the backend cannot serve the new size, Reallocate returns nil and b stays
// valid and allocated.
func (g *Guard) Reallocate(b []byte, size int) []byte {
	return g.reallocate(b, size, callerOrigin(1))
}

// Release returns b to the backend. Releasing nil is a no-op.
func (g *Guard) Release(b []byte) {
	g.release(b, callerOrigin(1))
}

func (g *Guard) allocate(size int, at Origin) []byte {
	if size <= 0 {
		return nil
	}
	total, ok := g.blockSize(size)
	if !ok {
		g.logger.Error("guard: allocation size overflows", slog.Int("size", size), slog.String("origin", at.String()))
		return nil
	}

	block, err := g.backend.Allocate(total)
	if err != nil {
		g.logger.Error("guard: out of memory",
			slog.Int("size", size),
			slog.String("origin", at.String()),
			slog.Any("error", err),
		)
		return nil
	}

	h := &header{size: size, magic: magicAlive, at: at, block: block}
	h.seal()
	g.link(h)
	return h.payload()
}

func (g *Guard) allocateZero(count, size int, at Origin) []byte {
	if count <= 0 || size <= 0 {
		return nil
	}
	if count > math.MaxInt/size {
		g.logger.Error("guard: allocation size overflows",
			slog.Int("count", count),
			slog.Int("size", size),
			slog.String("origin", at.String()),
		)
		return nil
	}
	b := g.allocate(count*size, at)
	clear(b)
	return b
}

func (g *Guard) reallocate(b []byte, size int, at Origin) []byte {
	if b == nil {
		return g.allocate(size, at)
	}
	if size <= 0 {
		g.release(b, at)
		return nil
	}

	h := g.detach(b, "reallocate", at)
	total, ok := g.blockSize(size)
	if !ok {
		g.link(h)
		g.logger.Error("guard: allocation size overflows", slog.Int("size", size), slog.String("origin", at.String()))
		return nil
	}

	block, err := g.backend.Reallocate(h.block, total)
	if err != nil {
		g.link(h)
		g.logger.Error("guard: out of memory during reallocate",
			slog.Int("size", size),
			slog.String("origin", at.String()),
			slog.Any("error", err),
		)
		return nil
	}

	oldAddr, oldSize, oldAt := h.addr, h.size, h.at
	h.block = block
	h.size = size
	h.at = at
	h.seal()
	if h.addr != oldAddr {
		// The old address is stale now; treat it as released.
		g.remember(&header{addr: oldAddr, size: oldSize, magic: magicFreed, at: oldAt})
	}
	g.link(h)
	return h.payload()
}

func (g *Guard) release(b []byte, at Origin) {
	if b == nil {
		return
	}
	h := g.detach(b, "release", at)
	h.markFreed()
	block := h.block
	h.block = nil
	g.remember(h)
	g.backend.Release(block)
}

// link records h as live.
func (g *Guard) link(h *header) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.freed, h.addr)
	g.byAddr[h.addr] = h
	g.live.pushFront(h)
}

// remember records a released allocation for double-free detection.
func (g *Guard) remember(h *header) {
	if g.historySize == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.history) < g.historySize {
		g.history = append(g.history, h)
	} else {
		old := g.history[g.histPos]
		if g.freed[old.addr] == old {
			delete(g.freed, old.addr)
		}
		g.history[g.histPos] = h
		g.histPos = (g.histPos + 1) % g.historySize
	}
	g.freed[h.addr] = h
}

// detach validates b and removes it from the live set. It does not return if
// a violation is detected.
func (g *Guard) detach(b []byte, op string, at Origin) *header {
	h, v := g.validateAndUnlink(payloadAddr(b), op, at)
	if v != nil {
		g.fail(v)
	}
	return h
}

func (g *Guard) validateAndUnlink(addr uintptr, op string, at Origin) (*header, *Violation) {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.byAddr[addr]
	if !ok {
		if f, ok := g.freed[addr]; ok {
			return nil, &Violation{Kind: DoubleFree, Op: op, Addr: addr, Size: f.size, Allocated: f.at, Caller: at}
		}
		return nil, &Violation{Kind: InvalidFree, Op: op, Addr: addr, Caller: at}
	}

	v := &Violation{Op: op, Addr: addr, Size: h.size, Allocated: h.at, Caller: at}
	switch {
	case !h.prefixIntact():
		v.Kind = Underflow
		return nil, v
	case !h.canaryIntact():
		v.Kind = Overflow
		return nil, v
	}

	delete(g.byAddr, addr)
	g.live.remove(h)
	return h, nil
}

func (g *Guard) fail(v *Violation) {
	g.logger.Error(fmt.Sprintf("guard: %s detected", v.Kind), v.attrs()...)
	g.abort(v)
	panic(v)
}

// ReportLeaks logs every live allocation with its size and origin and returns
// their number. Zero means nothing leaked.
func (g *Guard) ReportLeaks() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.live.len == 0 {
		return 0
	}
	g.logger.Warn("guard: detected leaks")
	for h := g.live.head; h != nil; h = h.next {
		g.logger.Warn("guard: leak",
			slog.Int("size", h.size),
			slog.String("addr", fmt.Sprintf("%#x", h.addr)),
			slog.String("origin", h.at.String()),
		)
	}
	g.logger.Warn("guard: leak total",
		slog.String("bytes", humanize.IBytes(uint64(g.live.bytes))),
		slog.Int("blocks", g.live.len),
	)
	return g.live.len
}

// Live returns the number of live allocations.
func (g *Guard) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live.len
}

// LiveBytes returns the payload bytes of all live allocations.
func (g *Guard) LiveBytes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live.bytes
}
