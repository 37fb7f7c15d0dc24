package mempool

import (
	"bytes"
	"log/slog"
	"testing"
	"unsafe"

	"github.com/holmberd/go-mempool/internal/sysalloc"
)

// newMmapPool creates a pool backed by anonymous mappings. Its logger only
// records errors, so munmap failures show up in the returned buffer.
func newMmapPool(t *testing.T, classes []ClassConfig) (*Pool, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelError}))
	p, err := New(Config{
		Classes:            classes,
		System:             &sysalloc.Mmap{Logger: logger},
		CheckDoubleRelease: true,
		Logger:             logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p, &logs
}

func TestPoolMmapBacked(t *testing.T) {
	p, logs := newMmapPool(t, []ClassConfig{
		{Size: 64, Target: 1, Prealloc: 1},
		{Size: 1 * KiB, Target: 1},
	})

	c, err := p.Acquire(50)
	if err != nil {
		t.Fatal(err)
	}
	if p.Stats().Hits != 1 {
		t.Errorf("expected the preallocated chunk to be served, got %+v", p.Stats())
	}
	copy(c.Bytes(), "mapped")
	addr := c.Addr()
	p.Release(c)

	// One recycled, one miss; releasing both sheds the second.
	c1, err := p.Acquire(64)
	if err != nil {
		t.Fatal(err)
	}
	if c1.Addr() != addr {
		t.Errorf("expected recycled address %#x, got %#x", addr, c1.Addr())
	}
	c2, err := p.Acquire(64)
	if err != nil {
		t.Fatal(err)
	}
	c2.Bytes()[63] = 1
	p.Release(c1)
	p.Release(c2)

	big, err := p.Acquire(100 * KiB)
	if err != nil {
		t.Fatal(err)
	}
	if big.Origin() != OriginHeap || big.Cap() != 100*KiB {
		t.Errorf("expected an exact oversize chunk, got %s", big)
	}
	big.Bytes()[big.Cap()-1] = 1
	p.Release(big)

	stats := p.Stats()
	if stats.OutOfPoolFrees != 2 || stats.InUse() != 0 {
		t.Errorf("expected 2 out-of-pool frees and nothing in use, got %+v", stats)
	}

	a := NewAllocator(p)
	b, err := a.Alloc(10)
	if err != nil {
		t.Fatal(err)
	}
	copy(b, "0123456789")
	b, err = a.Realloc(b, 900)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b[:10], []byte("0123456789")) {
		t.Errorf("expected data preserved, got %q", b[:10])
	}
	a.Free(b)

	h := a.Hooks()
	ptr := h.Malloc(200)
	if ptr == nil {
		t.Fatal("expected a pointer")
	}
	*(*byte)(unsafe.Add(ptr, 199)) = 1
	h.Free(ptr)

	a.SetUsePool(false)
	ptr = h.Malloc(300)
	if ptr == nil {
		t.Fatal("expected a pointer")
	}
	ptr = h.Realloc(ptr, 5000)
	if ptr == nil {
		t.Fatal("expected realloc to succeed")
	}
	h.Free(ptr)
	a.SetUsePool(true)

	if a.Outstanding() != 0 {
		t.Errorf("expected nothing tracked, got %d", a.Outstanding())
	}

	p.Close()
	if drained := p.Stats().DrainedChunks; drained == 0 {
		t.Error("expected idle mappings to be drained on close")
	}
	if logs.Len() != 0 {
		t.Errorf("expected no unmap failures, got:\n%s", logs.String())
	}
}
