package mempool

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// poolCounters are updated atomically on every pool operation.
type poolCounters struct {
	acquires       atomic.Uint64
	acquireBytes   atomic.Uint64
	hits           atomic.Uint64
	heapAllocs     atomic.Uint64
	heapAllocBytes atomic.Uint64
	releases       atomic.Uint64
	releaseBytes   atomic.Uint64
	outFrees       atomic.Uint64
	outFreeBytes   atomic.Uint64
	failedAcquires atomic.Uint64
	bailedAcquires atomic.Uint64
	doubleReleases atomic.Uint64
	drainedChunks  atomic.Uint64
	preallocChunks atomic.Uint64
	preallocBytes  atomic.Uint64
}

// PoolStats is a point-in-time copy of the pool counters.
// Counters are read individually, so a snapshot taken during concurrent
// mutation is eventually consistent rather than atomic as a whole.
type PoolStats struct {
	Acquires       uint64 // Successful acquisitions.
	AcquireBytes   uint64 // Bytes requested by successful acquisitions.
	Hits           uint64 // Acquisitions served from a free list.
	HeapAllocs     uint64 // Acquisitions served by the system allocator.
	HeapAllocBytes uint64
	Releases       uint64 // Releases recycled into a free list.
	ReleaseBytes   uint64
	OutOfPoolFrees uint64 // Releases handed to the system allocator.
	OutOfPoolBytes uint64
	FailedAcquires uint64 // Acquisitions the system allocator could not satisfy.
	BailedAcquires uint64 // Acquisitions refused because the pool is shutting down.
	DoubleReleases uint64 // Releases of a chunk that was already idle.
	DrainedChunks  uint64 // Idle chunks freed by Close.
	PreallocChunks uint64 // Chunks allocated by construction and Extend.
	PreallocBytes  uint64
}

// InUse returns the number of chunks currently checked out.
func (s PoolStats) InUse() int64 {
	return int64(s.Acquires) - int64(s.Releases) - int64(s.OutOfPoolFrees)
}

func (c *poolCounters) snapshot() PoolStats {
	return PoolStats{
		Acquires:       c.acquires.Load(),
		AcquireBytes:   c.acquireBytes.Load(),
		Hits:           c.hits.Load(),
		HeapAllocs:     c.heapAllocs.Load(),
		HeapAllocBytes: c.heapAllocBytes.Load(),
		Releases:       c.releases.Load(),
		ReleaseBytes:   c.releaseBytes.Load(),
		OutOfPoolFrees: c.outFrees.Load(),
		OutOfPoolBytes: c.outFreeBytes.Load(),
		FailedAcquires: c.failedAcquires.Load(),
		BailedAcquires: c.bailedAcquires.Load(),
		DoubleReleases: c.doubleReleases.Load(),
		DrainedChunks:  c.drainedChunks.Load(),
		PreallocChunks: c.preallocChunks.Load(),
		PreallocBytes:  c.preallocBytes.Load(),
	}
}

// ClassStats describes one size class. The oversize tier is reported with
// Size 0 and never holds free chunks.
type ClassStats struct {
	Size   int
	Free   int // Current free-list population.
	Target int // Configured target population.
}

func (c ClassStats) Name() string {
	switch {
	case c.Size == 0:
		return "oversize"
	case c.Size%KiB == 0:
		return fmt.Sprintf("%dk", c.Size/KiB)
	default:
		return fmt.Sprintf("%d", c.Size)
	}
}

// allocatorCounters track the malloc-style entry points.
type allocatorCounters struct {
	allocs        atomic.Uint64
	allocBytes    atomic.Uint64
	reallocs      atomic.Uint64
	reallocDelta  atomic.Int64
	reallocMisses atomic.Uint64
	reallocFits   atomic.Uint64
	frees         atomic.Uint64
	freeBytes     atomic.Uint64
	freeMisses    atomic.Uint64
}

// AllocatorStats is a point-in-time copy of the allocator counters.
type AllocatorStats struct {
	Allocs        uint64
	AllocBytes    uint64 // Bytes requested by Alloc.
	Reallocs      uint64 // Reallocs that moved the data to a new chunk.
	ReallocDelta  int64  // Sum of capacity growth over moving reallocs.
	ReallocMisses uint64 // Reallocs of pointers absent from the side-table.
	ReallocFits   uint64 // Reallocs served in place by the existing capacity.
	Frees         uint64
	FreeBytes     uint64 // Tracked capacity returned by Free.
	FreeMisses    uint64 // Frees of pointers absent from the side-table.
}

func (c *allocatorCounters) snapshot() AllocatorStats {
	return AllocatorStats{
		Allocs:        c.allocs.Load(),
		AllocBytes:    c.allocBytes.Load(),
		Reallocs:      c.reallocs.Load(),
		ReallocDelta:  c.reallocDelta.Load(),
		ReallocMisses: c.reallocMisses.Load(),
		ReallocFits:   c.reallocFits.Load(),
		Frees:         c.frees.Load(),
		FreeBytes:     c.freeBytes.Load(),
		FreeMisses:    c.freeMisses.Load(),
	}
}

// Report formats pool, class and allocator statistics for a status page.
func Report(ps PoolStats, classes []ClassStats, as AllocatorStats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pool: acquire %d (%d B), hits %d, heap %d (%d B)\n",
		ps.Acquires, ps.AcquireBytes, ps.Hits, ps.HeapAllocs, ps.HeapAllocBytes)
	fmt.Fprintf(&sb, "pool: release %d (%d B), out-of-pool free %d (%d B), in use %d\n",
		ps.Releases, ps.ReleaseBytes, ps.OutOfPoolFrees, ps.OutOfPoolBytes, ps.InUse())
	for _, c := range classes {
		fmt.Fprintf(&sb, "  %-8s %d/%d\n", c.Name(), c.Free, c.Target)
	}
	fmt.Fprintf(&sb, "alloc: %d (%d B), realloc %d (%+d B), fits %d, misses %d\n",
		as.Allocs, as.AllocBytes, as.Reallocs, as.ReallocDelta, as.ReallocFits, as.ReallocMisses)
	fmt.Fprintf(&sb, "free: %d (%d B), misses %d\n", as.Frees, as.FreeBytes, as.FreeMisses)
	return sb.String()
}
