package mempool

import (
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"
)

// Allocator provides malloc-style Alloc, Realloc and Free on top of a Pool.
//
// Every chunk handed out through the Allocator is recorded in a side-table
// keyed by address, so Realloc and Free work without the caller supplying
// the original size. Callers that keep their own Chunk should use the Pool
// directly and bypass the table.
type Allocator struct {
	pool  *Pool
	table *sideTable

	// usePool routes calls through the pool; when false every call degrades
	// to the system allocator and nothing is tracked.
	usePool atomic.Bool

	stats allocatorCounters
}

// NewAllocator creates an allocator backed by pool. Pool routing is enabled.
func NewAllocator(pool *Pool) *Allocator {
	a := &Allocator{pool: pool, table: newSideTable()}
	a.usePool.Store(true)
	return a
}

func (a *Allocator) Pool() *Pool {
	return a.pool
}

// SetUsePool switches between pool-backed and system-backed allocation.
// Memory must be freed in the same mode it was allocated in.
func (a *Allocator) SetUsePool(use bool) {
	a.usePool.Store(use)
}

func (a *Allocator) UsePool() bool {
	return a.usePool.Load()
}

// Alloc returns a slice of n bytes whose capacity is the size of the chunk
// backing it. A request for zero bytes returns nil and is not counted.
func (a *Allocator) Alloc(n int) ([]byte, error) {
	if !a.usePool.Load() {
		return a.sysAlloc(n)
	}
	c, err := a.pool.Acquire(n)
	if err != nil {
		return nil, err
	}
	if c.IsZero() {
		return nil, nil
	}
	a.stats.allocs.Add(1)
	a.stats.allocBytes.Add(uint64(n))
	a.table.Store(c)
	return c.data[:n], nil
}

// Realloc resizes the allocation starting at b to n bytes.
//
// If the tracked capacity already covers n, b is returned resliced, without
// copying. Otherwise the data is moved to a new chunk and the old one is
// released. The old memory is released even if the new acquisition fails, so
// b must not be used after Realloc returns. A slice the allocator does not
// know is treated as zero capacity.
func (a *Allocator) Realloc(b []byte, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}
	if !a.usePool.Load() {
		return a.sysRealloc(b, n)
	}
	c, fits, err := a.realloc(addrOf(b), n)
	if err != nil {
		return nil, err
	}
	if fits && c.IsZero() {
		return b[:n], nil
	}
	return c.data[:n], nil
}

// realloc resizes the chunk at addr. fits reports that the existing chunk
// was kept; c is empty when addr is not tracked.
func (a *Allocator) realloc(addr uintptr, n int) (c Chunk, fits bool, err error) {
	if n < 0 {
		return Chunk{}, false, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}
	var old Chunk
	if addr != 0 {
		var ok bool
		if old, ok = a.table.Load(addr); !ok {
			a.stats.reallocMisses.Add(1)
		}
	}
	if old.Cap() >= n {
		a.stats.reallocFits.Add(1)
		return old, true, nil
	}

	c, err = a.pool.Acquire(n)
	if err != nil {
		a.release(old)
		return Chunk{}, false, err
	}
	copy(c.data[:n], old.data)
	a.release(old)
	a.table.Store(c)

	a.stats.reallocs.Add(1)
	a.stats.reallocDelta.Add(int64(c.Cap() - old.Cap()))
	return c, false, nil
}

// release removes a tracked chunk from the table before handing it back to
// the pool, so a concurrent Alloc that reuses the address cannot lose its entry.
func (a *Allocator) release(c Chunk) {
	if c.IsZero() {
		return
	}
	if c, ok := a.table.LoadAndDelete(c.Addr()); ok {
		a.pool.Release(c)
	}
}

// Free releases the allocation starting at b. Freeing nil does nothing;
// freeing a slice the allocator does not know is counted as a miss.
func (a *Allocator) Free(b []byte) {
	if !a.usePool.Load() {
		if cap(b) > 0 {
			a.pool.system.Free(b)
		}
		return
	}
	a.free(addrOf(b))
}

func (a *Allocator) free(addr uintptr) {
	if addr == 0 {
		return
	}
	c, ok := a.table.LoadAndDelete(addr)
	if !ok {
		a.stats.freeMisses.Add(1)
	}
	a.stats.frees.Add(1)
	a.stats.freeBytes.Add(uint64(c.Cap()))
	a.pool.Release(c)
}

// AllocAt is Alloc with a call site, which is ignored.
func (a *Allocator) AllocAt(n int, file string, line int) ([]byte, error) {
	return a.Alloc(n)
}

// ReallocAt is Realloc with a call site, which is ignored.
func (a *Allocator) ReallocAt(b []byte, n int, file string, line int) ([]byte, error) {
	return a.Realloc(b, n)
}

// FreeAt is Free with a call site, which is ignored.
func (a *Allocator) FreeAt(b []byte, file string, line int) {
	a.Free(b)
}

func (a *Allocator) sysAlloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}
	if n == 0 {
		return nil, nil
	}
	b, err := a.pool.system.Alloc(n)
	if err != nil {
		return nil, allocError(n, err)
	}
	return b[:n], nil
}

func (a *Allocator) sysRealloc(b []byte, n int) ([]byte, error) {
	if n <= cap(b) {
		return b[:n], nil
	}
	nb, err := a.sysAlloc(n)
	if err != nil {
		return nil, err
	}
	copy(nb, b)
	if cap(b) > 0 {
		a.pool.system.Free(b)
	}
	return nb, nil
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() AllocatorStats {
	return a.stats.snapshot()
}

// Outstanding returns the number of allocations currently tracked.
func (a *Allocator) Outstanding() int {
	return a.table.Len()
}

// RangeOutstanding calls fn for every tracked allocation until fn returns false.
func (a *Allocator) RangeOutstanding(fn func(Chunk) bool) {
	a.table.Range(fn)
}

// WriteLeaks writes every tracked allocation, with its allocation site when
// stack capture is enabled, and returns the number written.
func (a *Allocator) WriteLeaks(w io.Writer) int {
	n := 0
	a.table.Range(func(c Chunk) bool {
		fmt.Fprintf(w, "%s tag=%d\n", c, c.Tag)
		if s := c.StackString(); s != "" {
			fmt.Fprint(w, s)
		}
		n++
		return true
	})
	return n
}

// Report formats the pool and allocator statistics.
func (a *Allocator) Report() string {
	return Report(a.pool.Stats(), a.pool.Classes(), a.Stats())
}

func addrOf(b []byte) uintptr {
	if cap(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
