// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package backend

// NewPages returns the Go heap backend on platforms without anonymous mappings.
func NewPages() Backend {
	return Heap{}
}
