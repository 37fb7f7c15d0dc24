package mempool

import (
	"bytes"
	"math"
	"testing"
	"unsafe"
)

func bytesAt(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

func TestHooks(t *testing.T) {
	t.Run("Malloc realloc and free by pointer", func(t *testing.T) {
		a, _ := newTestAllocator(t, Config{})
		h := a.Hooks()

		p := h.Malloc(24)
		if p == nil {
			t.Fatal("expected a pointer")
		}
		copy(bytesAt(p, 24), "0123456789abcdefghijklmn")

		if q := h.Realloc(p, 32); q != p {
			t.Error("expected realloc within capacity to keep the pointer")
		}
		q := h.Realloc(p, 4000)
		if q == nil || q == p {
			t.Fatal("expected realloc beyond capacity to move")
		}
		if !bytes.Equal(bytesAt(q, 24), []byte("0123456789abcdefghijklmn")) {
			t.Errorf("expected data preserved, got %q", bytesAt(q, 24))
		}
		h.Free(q)

		stats := a.Stats()
		if stats.Allocs != 1 || stats.ReallocFits != 1 || stats.Reallocs != 1 || stats.Frees != 1 {
			t.Errorf("unexpected stats %+v", stats)
		}
		if stats.FreeMisses != 0 || a.Outstanding() != 0 {
			t.Errorf("expected no misses and nothing tracked, got %+v", stats)
		}
	})

	t.Run("Zero size and nil pointer", func(t *testing.T) {
		a, _ := newTestAllocator(t, Config{})
		h := a.Hooks()
		if p := h.Malloc(0); p != nil {
			t.Error("expected nil for zero size")
		}
		h.Free(nil)
		if p := h.Realloc(nil, 0); p != nil {
			t.Error("expected nil for zero size realloc of nil")
		}
		p := h.Realloc(nil, 10)
		if p == nil {
			t.Fatal("expected realloc of nil to allocate")
		}
		h.Free(p)
		if misses := a.Stats().FreeMisses; misses != 0 {
			t.Errorf("expected no free misses, got %d", misses)
		}
	})

	t.Run("Oversized request fails without touching the block", func(t *testing.T) {
		for _, usePool := range []bool{true, false} {
			a, _ := newTestAllocator(t, Config{})
			a.SetUsePool(usePool)
			h := a.Hooks()

			p := h.Malloc(64)
			if p == nil {
				t.Fatal("expected a pointer")
			}
			copy(bytesAt(p, 5), "hello")
			for _, size := range []uintptr{math.MaxUint64, math.MaxInt64, maxHookSize + 1} {
				if q := h.Realloc(p, size); q != nil {
					t.Errorf("usePool=%v: expected realloc to %d bytes to fail, got %p (block %p)", usePool, size, q, p)
				}
				if q := h.Malloc(size); q != nil {
					t.Errorf("usePool=%v: expected malloc of %d bytes to fail, got %p", usePool, size, q)
				}
			}
			if !bytes.Equal(bytesAt(p, 5), []byte("hello")) {
				t.Errorf("usePool=%v: expected block intact, got %q", usePool, bytesAt(p, 5))
			}
			if fits := a.Stats().ReallocFits; fits != 0 {
				t.Errorf("usePool=%v: expected no fitting reallocs, got %d", usePool, fits)
			}
			h.Free(p)
			if a.Outstanding() != 0 {
				t.Errorf("usePool=%v: expected nothing tracked, got %d", usePool, a.Outstanding())
			}
		}
	})

	t.Run("Unknown pointer is counted", func(t *testing.T) {
		a, _ := newTestAllocator(t, Config{})
		h := a.Hooks()
		foreign := make([]byte, 8)
		h.Free(unsafe.Pointer(&foreign[0]))
		if misses := a.Stats().FreeMisses; misses != 1 {
			t.Errorf("expected 1 free miss, got %d", misses)
		}
	})

	t.Run("Call site variants forward", func(t *testing.T) {
		a, _ := newTestAllocator(t, Config{})
		h := a.Hooks()
		p := h.MallocAt(10, "mem.c", 1)
		p = h.ReallocAt(p, 300, "mem.c", 2)
		h.FreeAt(p, "mem.c", 3)
		if a.Outstanding() != 0 || a.Stats().FreeMisses != 0 {
			t.Errorf("expected clean round trip, got %+v", a.Stats())
		}
	})

	t.Run("Routing off uses sized system allocations", func(t *testing.T) {
		a, sys := newTestAllocator(t, Config{})
		a.SetUsePool(false)
		h := a.Hooks()

		p := h.Malloc(40)
		if p == nil {
			t.Fatal("expected a pointer")
		}
		if uintptr(p)%8 != 0 {
			t.Errorf("expected aligned pointer, got %#x", uintptr(p))
		}
		copy(bytesAt(p, 5), "hello")

		if q := h.Realloc(p, 40); q != p {
			t.Error("expected realloc within size to keep the pointer")
		}
		q := h.Realloc(p, 1000)
		if q == nil || q == p {
			t.Fatal("expected realloc to move")
		}
		if !bytes.Equal(bytesAt(q, 5), []byte("hello")) {
			t.Errorf("expected data preserved, got %q", bytesAt(q, 5))
		}
		h.Free(q)

		if sys.Live() != 0 {
			t.Errorf("expected all system allocations freed, %d live", sys.Live())
		}
		if a.Outstanding() != 0 || a.Pool().Stats().Acquires != 0 {
			t.Error("expected the pool and side-table untouched")
		}
	})
}
