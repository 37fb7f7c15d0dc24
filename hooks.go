package mempool

import (
	"math"
	"unsafe"
)

// rawHeader prefixes allocations made while pool routing is off. It stores
// the capacity of the underlying system allocation and keeps the returned
// pointer 16-byte aligned.
const rawHeader = 16

// maxHookSize is the largest size the hooks accept, leaving room for the
// bypass header so the request still fits in an int.
const maxHookSize = math.MaxInt - rawHeader

// Hooks exposes an Allocator through pointer-only entry points, the shape
// used by pluggable allocator interfaces such as a TLS library's
// set-memory-functions hook.
//
// Pointers returned while pool routing is on are freed through the
// side-table. While routing is off, allocations carry a small header holding
// their size instead. A pointer must be freed in the mode it was allocated in.
//
// Use a Pool backed by sysalloc.Mmap when pointers are handed to foreign code;
// Go heap memory may only be referenced from Go.
type Hooks struct {
	a *Allocator
}

// Hooks returns the pointer-shaped entry points of a.
func (a *Allocator) Hooks() Hooks {
	return Hooks{a: a}
}

// Malloc returns a pointer to size bytes, or nil on failure or a zero size.
func (h Hooks) Malloc(size uintptr) unsafe.Pointer {
	if size == 0 || size > maxHookSize {
		return nil
	}
	if !h.a.UsePool() {
		return h.rawMalloc(size)
	}
	b, err := h.a.Alloc(int(size))
	if err != nil || b == nil {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(b))
}

// Realloc resizes the allocation at p. It returns p when the current
// capacity already covers size, and nil on failure. With pool routing on, p
// has been freed even when Realloc fails; with routing off it stays valid.
// A size too large to represent fails without touching p.
func (h Hooks) Realloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	if size > maxHookSize {
		return nil
	}
	if !h.a.UsePool() {
		return h.rawRealloc(p, size)
	}
	c, fits, err := h.a.realloc(uintptr(p), int(size))
	if err != nil {
		return nil
	}
	if fits {
		return p
	}
	return unsafe.Pointer(unsafe.SliceData(c.data))
}

// Free releases the allocation at p. Freeing nil does nothing.
func (h Hooks) Free(p unsafe.Pointer) {
	if !h.a.UsePool() {
		h.rawFree(p)
		return
	}
	h.a.free(uintptr(p))
}

// MallocAt is Malloc with a call site, which is ignored.
func (h Hooks) MallocAt(size uintptr, file string, line int) unsafe.Pointer {
	return h.Malloc(size)
}

// ReallocAt is Realloc with a call site, which is ignored.
func (h Hooks) ReallocAt(p unsafe.Pointer, size uintptr, file string, line int) unsafe.Pointer {
	return h.Realloc(p, size)
}

// FreeAt is Free with a call site, which is ignored.
func (h Hooks) FreeAt(p unsafe.Pointer, file string, line int) {
	h.Free(p)
}

func (h Hooks) rawMalloc(size uintptr) unsafe.Pointer {
	b, err := h.a.pool.system.Alloc(rawHeader + int(size))
	if err != nil || cap(b) == 0 {
		return nil
	}
	base := unsafe.Pointer(unsafe.SliceData(b))
	*(*uint64)(base) = uint64(cap(b))
	return unsafe.Add(base, rawHeader)
}

// rawSlice recovers the system allocation behind a pointer from rawMalloc.
func rawSlice(p unsafe.Pointer) []byte {
	base := unsafe.Add(p, -rawHeader)
	n := *(*uint64)(base)
	return unsafe.Slice((*byte)(base), n)
}

func (h Hooks) rawRealloc(p unsafe.Pointer, size uintptr) unsafe.Pointer {
	if p == nil {
		return h.Malloc(size)
	}
	old := rawSlice(p)
	if size <= uintptr(len(old)-rawHeader) {
		return p
	}
	np := h.rawMalloc(size)
	if np == nil {
		return nil
	}
	copy(unsafe.Slice((*byte)(np), size), old[rawHeader:])
	h.a.pool.system.Free(old)
	return np
}

func (h Hooks) rawFree(p unsafe.Pointer) {
	if p == nil {
		return
	}
	h.a.pool.system.Free(rawSlice(p))
}
