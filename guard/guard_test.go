// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"bytes"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/wundergraph/go-alloc/backend"
)

func newTestGuard(t *testing.T, opts ...Option) (*Guard, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	// The abort hook returns, so violations surface as panics.
	base := []Option{WithLogger(logger), WithAbort(func(*Violation) {})}
	return New(append(base, opts...)...), &buf
}

func requireViolation(t *testing.T, kind Kind, fn func()) *Violation {
	t.Helper()
	var v *Violation
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "expected %s", kind)
			var ok bool
			v, ok = r.(*Violation)
			require.True(t, ok, "unexpected panic: %v", r)
		}()
		fn()
	}()
	require.Equal(t, kind, v.Kind)
	return v
}

func countLive(g *Guard, b []byte) int {
	n := 0
	for h := g.live.head; h != nil; h = h.next {
		if h.addr == payloadAddr(b) {
			n++
		}
	}
	return n
}

func TestAllocateRelease(t *testing.T) {
	g, _ := newTestGuard(t)

	b := g.Allocate(32)
	require.Len(t, b, 32)
	require.Equal(t, 32, cap(b))
	for i := range b {
		b[i] = 0xFF
	}
	require.Equal(t, 1, g.Live())
	require.Equal(t, 32, g.LiveBytes())

	g.Release(b)
	require.Equal(t, 0, g.Live())
	require.Equal(t, 0, g.LiveBytes())
}

func TestAllocateEdgeCases(t *testing.T) {
	g, _ := newTestGuard(t)

	require.Nil(t, g.Allocate(0))
	require.Nil(t, g.Allocate(-1))
	require.Nil(t, g.AllocateZero(0, 8))
	require.Nil(t, g.AllocateZero(8, 0))
	require.Equal(t, 0, g.Live())

	g.Release(nil)

	b := g.Reallocate(nil, 8)
	require.Len(t, b, 8)
	require.Equal(t, 1, g.Live())
	g.Release(b)
}

func TestAllocateSizeOverflow(t *testing.T) {
	g, logs := newTestGuard(t)

	require.Nil(t, g.AllocateZero(3, math.MaxInt/2))
	require.Nil(t, g.Allocate(math.MaxInt))
	require.Contains(t, logs.String(), "allocation size overflows")
	require.Equal(t, 0, g.Live())
}

func TestAllocateOutOfMemory(t *testing.T) {
	g, logs := newTestGuard(t, WithBackend(backend.NewLimited(nil, 64)))

	require.Nil(t, g.Allocate(100))
	require.Contains(t, logs.String(), "guard: out of memory")
	require.Contains(t, logs.String(), "guard_test.go")
	require.Equal(t, 0, g.Live())
}

func TestAllocateZero(t *testing.T) {
	g, _ := newTestGuard(t)

	b := g.AllocateZero(4, 8)
	require.Equal(t, make([]byte, 32), b)
	g.Release(b)
}

func TestLeakAccounting(t *testing.T) {
	g, logs := newTestGuard(t)
	require.Equal(t, 0, g.ReportLeaks())
	require.Empty(t, logs.String())

	const k = 5
	var blocks [][]byte
	for i := 0; i < k; i++ {
		blocks = append(blocks, g.Allocate(10*(i+1)))
	}

	require.Equal(t, k, g.ReportLeaks())
	out := logs.String()
	require.Contains(t, out, "guard: detected leaks")
	require.Contains(t, out, "guard: leak")
	require.Contains(t, out, "guard_test.go")
	require.Contains(t, out, "blocks=5")
	require.Contains(t, out, "bytes=\"150 B\"")

	for _, b := range blocks {
		g.Release(b)
	}
	require.Equal(t, 0, g.ReportLeaks())
}

func TestDoubleFree(t *testing.T) {
	g, logs := newTestGuard(t)

	b := g.Allocate(16)
	g.Release(b)

	v := requireViolation(t, DoubleFree, func() { g.Release(b) })
	require.Equal(t, "release", v.Op)
	require.Equal(t, 16, v.Size)
	require.Equal(t, "guard_test.go", filepath.Base(v.Allocated.File))
	require.Equal(t, "guard_test.go", filepath.Base(v.Caller.File))
	require.Contains(t, logs.String(), "guard: double free detected")
	require.Contains(t, v.Error(), "double free")
}

func TestDoubleFreeThroughReallocate(t *testing.T) {
	g, _ := newTestGuard(t)

	b := g.Allocate(16)
	g.Release(b)
	v := requireViolation(t, DoubleFree, func() { g.Reallocate(b, 32) })
	require.Equal(t, "reallocate", v.Op)
}

func TestInvalidFree(t *testing.T) {
	g, logs := newTestGuard(t)

	v := requireViolation(t, InvalidFree, func() { g.Release(make([]byte, 8)) })
	require.Equal(t, "release", v.Op)
	require.Contains(t, logs.String(), "guard: invalid free detected")
	require.Contains(t, v.Error(), "unknown pointer")

	// An interior pointer of a live allocation is not recognised either
	b := g.Allocate(16)
	requireViolation(t, InvalidFree, func() { g.Release(b[1:]) })
	require.Equal(t, 1, g.Live())
	g.Release(b)
}

func TestOverflowDetectedOnRelease(t *testing.T) {
	g, logs := newTestGuard(t)

	b := g.Allocate(24)
	unsafe.Slice(unsafe.SliceData(b), len(b)+1)[len(b)] = 0

	v := requireViolation(t, Overflow, func() { g.Release(b) })
	require.Equal(t, 24, v.Size)
	require.Equal(t, "guard_test.go", filepath.Base(v.Allocated.File))
	require.Contains(t, logs.String(), "guard: buffer overflow detected")
}

func TestOverflowDetectedOnReallocate(t *testing.T) {
	g, _ := newTestGuard(t, WithCanarySize(4))

	b := g.Allocate(8)
	unsafe.Slice(unsafe.SliceData(b), len(b)+4)[len(b)+3] = 'x'

	v := requireViolation(t, Overflow, func() { g.Reallocate(b, 64) })
	require.Equal(t, "reallocate", v.Op)
}

func TestUnderflowDetected(t *testing.T) {
	g, _ := newTestGuard(t)

	b := g.Allocate(8)
	before := (*byte)(unsafe.Add(unsafe.Pointer(unsafe.SliceData(b)), -1))
	*before = 0xFF

	requireViolation(t, Underflow, func() { g.Release(b) })
}

func TestUnderflowDetectedInPrefixPadding(t *testing.T) {
	g, _ := newTestGuard(t)

	for _, off := range []int{-9, -12} {
		b := g.Allocate(8)
		*(*byte)(unsafe.Add(unsafe.Pointer(unsafe.SliceData(b)), off)) = 0x01
		requireViolation(t, Underflow, func() { g.Release(b) })
	}
}

func TestReallocatePreservesContents(t *testing.T) {
	g, _ := newTestGuard(t)

	b := g.Allocate(8)
	copy(b, "abcdefgh")

	b = g.Reallocate(b, 4096)
	require.Len(t, b, 4096)
	require.Equal(t, "abcdefgh", string(b[:8]))
	require.Equal(t, 1, g.Live())
	require.Equal(t, 4096, g.LiveBytes())
	require.Equal(t, 1, countLive(g, b))

	// Shrinking keeps the prefix and a valid canary
	b = g.Reallocate(b, 4)
	require.Equal(t, "abcd", string(b))
	require.Equal(t, 4, g.LiveBytes())
	g.Release(b)
	require.Equal(t, 0, g.Live())
}

func TestReallocateToZeroReleases(t *testing.T) {
	g, _ := newTestGuard(t)

	b := g.Allocate(8)
	require.Nil(t, g.Reallocate(b, 0))
	require.Equal(t, 0, g.Live())
	requireViolation(t, DoubleFree, func() { g.Release(b) })
}

func TestReallocateFailureKeepsOriginal(t *testing.T) {
	be := backend.NewLimited(nil, 128)
	g, logs := newTestGuard(t, WithBackend(be))

	b := g.Allocate(32)
	copy(b, "0123456789abcdef0123456789abcdef")

	require.Nil(t, g.Reallocate(b, 1000))
	require.Contains(t, logs.String(), "out of memory during reallocate")

	require.Equal(t, "0123456789abcdef0123456789abcdef", string(b))
	require.Equal(t, 1, g.Live())
	require.Equal(t, 32, g.LiveBytes())
	require.Equal(t, 1, countLive(g, b))

	// Still a valid allocation
	g.Release(b)
	require.Equal(t, 0, g.Live())
	require.Equal(t, int64(0), be.Used())
}

func TestStalePointerAfterReallocate(t *testing.T) {
	g, _ := newTestGuard(t)

	old := g.Allocate(8)
	moved := g.Reallocate(old, 1<<16)
	require.NotEqual(t, payloadAddr(old), payloadAddr(moved))

	v := requireViolation(t, DoubleFree, func() { g.Release(old) })
	require.Equal(t, 8, v.Size)
	g.Release(moved)
}

func TestFreedHistory(t *testing.T) {
	g, _ := newTestGuard(t, WithFreedHistory(2))

	a, b, c := g.Allocate(8), g.Allocate(8), g.Allocate(8)
	g.Release(a)
	g.Release(b)
	g.Release(c)

	// a was evicted from the history
	requireViolation(t, InvalidFree, func() { g.Release(a) })
	requireViolation(t, DoubleFree, func() { g.Release(b) })
	requireViolation(t, DoubleFree, func() { g.Release(c) })
}

func TestFreedHistoryDisabled(t *testing.T) {
	g, _ := newTestGuard(t, WithFreedHistory(0))

	b := g.Allocate(8)
	g.Release(b)
	requireViolation(t, InvalidFree, func() { g.Release(b) })
}

func TestConcurrentUseWithMutex(t *testing.T) {
	g, _ := newTestGuard(t, WithLocker(&sync.Mutex{}))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var held [][]byte
			for i := 0; i < 200; i++ {
				held = append(held, g.Allocate(16+i))
				if i%3 == 0 {
					b := held[len(held)-1]
					held[len(held)-1] = g.Reallocate(b, 64)
				}
			}
			for _, b := range held {
				g.Release(b)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 0, g.Live())
}

func TestPagesBackend(t *testing.T) {
	g, _ := newTestGuard(t, WithBackend(backend.NewPages()))

	b := g.Allocate(100)
	copy(b, "pages")
	b = g.Reallocate(b, 20000)
	require.Equal(t, "pages", string(b[:5]))
	g.Release(b)
	require.Equal(t, 0, g.Live())
}

func TestKindString(t *testing.T) {
	require.Equal(t, "double free", DoubleFree.String())
	require.Equal(t, "invalid free", InvalidFree.String())
	require.Equal(t, "buffer overflow", Overflow.String())
	require.Equal(t, "buffer underflow", Underflow.String())
	require.Equal(t, "kind(42)", Kind(42).String())
	require.Equal(t, "unknown", Origin{}.String())
}

// The default abort handler terminates the process. The test re-runs itself
// in a child process and inspects the exit status.
func TestDefaultAbortExitsProcess(t *testing.T) {
	if os.Getenv("GUARD_TEST_CRASH") == "1" {
		g := New()
		b := g.Allocate(8)
		g.Release(b)
		g.Release(b)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestDefaultAbortExitsProcess$")
	cmd.Env = append(os.Environ(), "GUARD_TEST_CRASH=1")
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, AbortExitCode, exitErr.ExitCode())
	require.Contains(t, string(out), "guard: double free detected")
}
