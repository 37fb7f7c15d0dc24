package mempool

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holmberd/go-mempool/internal/sysalloc"
)

// GOMAXPROCS=4 go clean -testcache && go test -bench=. -benchtime=10s -benchmem .

func newBenchPool(b *testing.B, system sysalloc.SystemAllocator) *Pool {
	b.Helper()
	config := DefaultConfig()
	config.System = system
	config.Logger = discardLogger
	p, err := New(config)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(p.Close)
	return p
}

// BenchmarkPoolAcquireReleaseHits simulates a per-packet workload where every
// acquire is served from a warm free list.
func BenchmarkPoolAcquireReleaseHits(b *testing.B) {
	p := newBenchPool(b, nil)

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		// Each goroutine gets its own random number source to avoid lock contention.
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			c, err := p.Acquire(mixedSizes[rng.Intn(len(mixedSizes)-1)])
			if err != nil {
				panic(fmt.Errorf("failed to acquire: %w", err))
			}
			p.Release(c)
		}
	})
	s := p.Stats()
	b.ReportMetric(float64(s.HeapAllocs), "heap-allocs")
}

// BenchmarkPoolMmapBacked measures the same workload with off-heap chunks.
func BenchmarkPoolMmapBacked(b *testing.B) {
	p := newBenchPool(b, &sysalloc.Mmap{Logger: discardLogger})

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			c, err := p.Acquire(mixedSizes[rng.Intn(len(mixedSizes)-1)])
			if err != nil {
				panic(fmt.Errorf("failed to acquire: %w", err))
			}
			p.Release(c)
		}
	})
}

// threadCounter is a helper for the adversarial benchmark to assign a unique-ish
// ID to each parallel goroutine.
var threadCounter int64

// BenchmarkPoolAdversarial simulates a worst-case scenario with high contention:
// all goroutines hammer the same size class.
func BenchmarkPoolAdversarial(b *testing.B) {
	p := newBenchPool(b, nil)
	numSizes := runtime.GOMAXPROCS(0)

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		gID := atomic.AddInt64(&threadCounter, 1) - 1
		n := 200 + int(gID)%numSizes // Every size maps to the 256 class.
		for pb.Next() {
			c, err := p.Acquire(n)
			if err != nil {
				panic(fmt.Errorf("failed to acquire: %w", err))
			}
			p.Release(c)
		}
	})
}

// BenchmarkAllocatorAllocFree measures the malloc-style path including the side-table.
func BenchmarkAllocatorAllocFree(b *testing.B) {
	a := NewAllocator(newBenchPool(b, nil))

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			buf, err := a.Alloc(mixedSizes[rng.Intn(len(mixedSizes))])
			if err != nil {
				panic(fmt.Errorf("failed to alloc: %w", err))
			}
			a.Free(buf)
		}
	})
	s := a.Stats()
	b.ReportMetric(float64(s.FreeMisses), "free-misses")
}

// BenchmarkHeapBaseline is the same workload allocated from the Go heap.
func BenchmarkHeapBaseline(b *testing.B) {
	var sink atomic.Pointer[[]byte]
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			buf := make([]byte, mixedSizes[rng.Intn(len(mixedSizes))])
			sink.Store(&buf)
		}
	})
}
