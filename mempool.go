// Package mempool implements a concurrent, size-classed memory pool and a
// malloc-style allocator on top of it.
//
// The Pool recycles fixed-capacity chunks through per-class free lists and
// falls back to a system allocator on a miss. The Allocator adds a
// pointer-to-capacity side-table so memory can be reallocated and freed by
// pointer alone, which is the shape expected by pluggable allocator hooks.
package mempool

import (
	"errors"
	"sync"

	"github.com/holmberd/go-mempool/internal/sysalloc"
)

var (
	ErrAllocFailed  = sysalloc.ErrAllocFailed
	ErrBailing      = errors.New("memory pool is shutting down")
	ErrUnknownClass = errors.New("not a configured size class")
	ErrInvalidSize  = errors.New("invalid allocation size")
)

var (
	defaultOnce      sync.Once
	defaultAllocator *Allocator
)

// Default returns the process-wide allocator, creating its pool with
// DefaultConfig on first use.
//
// Prefer constructing a Pool and Allocator explicitly and passing them to
// their users; Default exists for call sites that cannot be given a handle.
func Default() *Allocator {
	defaultOnce.Do(func() {
		defaultAllocator = NewAllocator(MustNew(DefaultConfig()))
	})
	return defaultAllocator
}
