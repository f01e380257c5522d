// SPDX-License-Identifier: Apache-2.0

package arena

// Scope creates an arena, passes it to fn and frees it when fn returns,
// including when fn panics. Memory obtained from the arena must not escape fn.
func Scope(fn func(a *Arena) error, opts ...Option) error {
	a := New(opts...)
	defer a.Free()
	return fn(a)
}
