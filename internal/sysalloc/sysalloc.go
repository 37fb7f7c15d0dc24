// Package sysalloc provides the system allocators that back the memory pool
// when a request cannot be served from a free list.
package sysalloc

import (
	"errors"
	"fmt"
)

// ErrAllocFailed is returned when the underlying allocator cannot satisfy a request.
var ErrAllocFailed = errors.New("system allocation failed")

// SystemAllocator defines the contract for the allocator the pool falls back to.
//
// Free must be given a slice returned by Alloc; its length may have been
// shortened by the caller but its capacity must be unchanged.
type SystemAllocator interface {
	Alloc(n int) ([]byte, error) // Alloc returns a zeroed slice with len n.
	Free(b []byte)               // Free releases memory obtained from Alloc.
}

// Heap allocates from the Go heap. Free is a no-op; the GC reclaims memory
// once the last reference is dropped.
type Heap struct{}

func (Heap) Alloc(n int) (b []byte, err error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrAllocFailed, n)
	}
	defer func() {
		// makeslice panics when n exceeds the maximum allocation size.
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("%w: %d bytes: %v", ErrAllocFailed, n, r)
		}
	}()
	return make([]byte, n), nil
}

func (Heap) Free([]byte) {}
