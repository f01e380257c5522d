// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
)

// Kind classifies a memory-safety violation.
type Kind int

const (
	// DoubleFree is an operation on an allocation that was already released.
	DoubleFree Kind = iota + 1
	// InvalidFree is an operation on a region this guard never handed out.
	InvalidFree
	// Overflow means bytes past the end of the payload were overwritten.
	Overflow
	// Underflow means bytes before the start of the payload were overwritten.
	Underflow
)

func (k Kind) String() string {
	switch k {
	case DoubleFree:
		return "double free"
	case InvalidFree:
		return "invalid free"
	case Overflow:
		return "buffer overflow"
	case Underflow:
		return "buffer underflow"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Origin is a source location.
type Origin struct {
	File string
	Line int
}

func (o Origin) String() string {
	if o.File == "" {
		return "unknown"
	}
	return o.File + ":" + strconv.Itoa(o.Line)
}

// callerOrigin returns the location skip frames above its caller.
func callerOrigin(skip int) Origin {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Origin{}
	}
	return Origin{File: file, Line: line}
}

// Violation describes a detected memory-safety violation.
type Violation struct {
	Kind Kind
	// Op is the operation that detected it: "release" or "reallocate".
	Op   string
	Addr uintptr
	// Size and Allocated are known unless Kind is InvalidFree.
	Size      int
	Allocated Origin
	// Caller is the site of the offending call.
	Caller Origin
}

func (v *Violation) Error() string {
	if v.Kind == InvalidFree {
		return fmt.Sprintf("guard: %s detected during %s (%#x) at %s: unknown pointer", v.Kind, v.Op, v.Addr, v.Caller)
	}
	return fmt.Sprintf("guard: %s detected during %s (%#x, %d bytes) at %s: allocated at %s",
		v.Kind, v.Op, v.Addr, v.Size, v.Caller, v.Allocated)
}

func (v *Violation) attrs() []any {
	attrs := []any{
		slog.String("kind", v.Kind.String()),
		slog.String("op", v.Op),
		slog.String("addr", fmt.Sprintf("%#x", v.Addr)),
		slog.String("caller", v.Caller.String()),
	}
	if v.Kind != InvalidFree {
		attrs = append(attrs,
			slog.Int("size", v.Size),
			slog.String("allocated", v.Allocated.String()),
		)
	}
	return attrs
}
