// Package metrics exports memory pool and allocator statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	mempool "github.com/holmberd/go-mempool"
)

const namespace = "mempool"

type statFunc func(ps mempool.PoolStats, as mempool.AllocatorStats) float64

type stat struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value statFunc
}

func newStat(subsystem, name, help string, kind prometheus.ValueType, value statFunc) stat {
	return stat{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil),
		kind:  kind,
		value: value,
	}
}

// Collector reads a snapshot of the allocator and its pool on every scrape.
type Collector struct {
	allocator *mempool.Allocator
	stats     []stat

	classFree   *prometheus.Desc
	classTarget *prometheus.Desc
	bailing     *prometheus.Desc
	outstanding *prometheus.Desc
}

func NewCollector(a *mempool.Allocator) *Collector {
	const (
		counter = prometheus.CounterValue
		gauge   = prometheus.GaugeValue
	)
	return &Collector{
		allocator: a,
		stats: []stat{
			newStat("pool", "acquires_total", "Successful chunk acquisitions.", counter,
				func(ps mempool.PoolStats, _ mempool.AllocatorStats) float64 { return float64(ps.Acquires) }),
			newStat("pool", "acquire_bytes_total", "Bytes requested by successful acquisitions.", counter,
				func(ps mempool.PoolStats, _ mempool.AllocatorStats) float64 { return float64(ps.AcquireBytes) }),
			newStat("pool", "hits_total", "Acquisitions served from a free list.", counter,
				func(ps mempool.PoolStats, _ mempool.AllocatorStats) float64 { return float64(ps.Hits) }),
			newStat("pool", "heap_allocs_total", "Acquisitions served by the system allocator.", counter,
				func(ps mempool.PoolStats, _ mempool.AllocatorStats) float64 { return float64(ps.HeapAllocs) }),
			newStat("pool", "heap_alloc_bytes_total", "Bytes allocated from the system allocator on a miss.", counter,
				func(ps mempool.PoolStats, _ mempool.AllocatorStats) float64 { return float64(ps.HeapAllocBytes) }),
			newStat("pool", "releases_total", "Releases recycled into a free list.", counter,
				func(ps mempool.PoolStats, _ mempool.AllocatorStats) float64 { return float64(ps.Releases) }),
			newStat("pool", "release_bytes_total", "Bytes recycled into a free list.", counter,
				func(ps mempool.PoolStats, _ mempool.AllocatorStats) float64 { return float64(ps.ReleaseBytes) }),
			newStat("pool", "out_of_pool_frees_total", "Releases freed to the system allocator.", counter,
				func(ps mempool.PoolStats, _ mempool.AllocatorStats) float64 { return float64(ps.OutOfPoolFrees) }),
			newStat("pool", "out_of_pool_free_bytes_total", "Bytes freed to the system allocator on release.", counter,
				func(ps mempool.PoolStats, _ mempool.AllocatorStats) float64 { return float64(ps.OutOfPoolBytes) }),
			newStat("pool", "failed_acquires_total", "Acquisitions the system allocator could not satisfy.", counter,
				func(ps mempool.PoolStats, _ mempool.AllocatorStats) float64 { return float64(ps.FailedAcquires) }),
			newStat("pool", "bailed_acquires_total", "Acquisitions refused during shutdown.", counter,
				func(ps mempool.PoolStats, _ mempool.AllocatorStats) float64 { return float64(ps.BailedAcquires) }),
			newStat("pool", "double_releases_total", "Releases of chunks that were already idle.", counter,
				func(ps mempool.PoolStats, _ mempool.AllocatorStats) float64 { return float64(ps.DoubleReleases) }),
			newStat("pool", "prealloc_chunks_total", "Chunks preallocated into free lists.", counter,
				func(ps mempool.PoolStats, _ mempool.AllocatorStats) float64 { return float64(ps.PreallocChunks) }),
			newStat("pool", "in_use_chunks", "Chunks currently checked out.", gauge,
				func(ps mempool.PoolStats, _ mempool.AllocatorStats) float64 { return float64(ps.InUse()) }),
			newStat("allocator", "allocs_total", "Alloc calls routed through the pool.", counter,
				func(_ mempool.PoolStats, as mempool.AllocatorStats) float64 { return float64(as.Allocs) }),
			newStat("allocator", "alloc_bytes_total", "Bytes requested by Alloc.", counter,
				func(_ mempool.PoolStats, as mempool.AllocatorStats) float64 { return float64(as.AllocBytes) }),
			newStat("allocator", "reallocs_total", "Reallocs that moved data to a new chunk.", counter,
				func(_ mempool.PoolStats, as mempool.AllocatorStats) float64 { return float64(as.Reallocs) }),
			newStat("allocator", "realloc_delta_bytes_total", "Capacity growth over moving reallocs.", counter,
				func(_ mempool.PoolStats, as mempool.AllocatorStats) float64 { return float64(as.ReallocDelta) }),
			newStat("allocator", "realloc_fits_total", "Reallocs served by the existing capacity.", counter,
				func(_ mempool.PoolStats, as mempool.AllocatorStats) float64 { return float64(as.ReallocFits) }),
			newStat("allocator", "realloc_misses_total", "Reallocs of untracked pointers.", counter,
				func(_ mempool.PoolStats, as mempool.AllocatorStats) float64 { return float64(as.ReallocMisses) }),
			newStat("allocator", "frees_total", "Free calls routed through the pool.", counter,
				func(_ mempool.PoolStats, as mempool.AllocatorStats) float64 { return float64(as.Frees) }),
			newStat("allocator", "free_bytes_total", "Tracked capacity returned by Free.", counter,
				func(_ mempool.PoolStats, as mempool.AllocatorStats) float64 { return float64(as.FreeBytes) }),
			newStat("allocator", "free_misses_total", "Frees of untracked pointers.", counter,
				func(_ mempool.PoolStats, as mempool.AllocatorStats) float64 { return float64(as.FreeMisses) }),
		},
		classFree: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "class", "free_chunks"),
			"Current free-list population of a size class.", []string{"class"}, nil,
		),
		classTarget: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "class", "target_chunks"),
			"Configured target population of a size class.", []string{"class"}, nil,
		),
		bailing: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "bailing"),
			"1 once the pool has started shutting down.", nil, nil,
		),
		outstanding: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "allocator", "outstanding"),
			"Allocations currently tracked by the side-table.", nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.stats {
		ch <- s.desc
	}
	ch <- c.classFree
	ch <- c.classTarget
	ch <- c.bailing
	ch <- c.outstanding
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	pool := c.allocator.Pool()
	ps, as := pool.Stats(), c.allocator.Stats()
	for _, s := range c.stats {
		ch <- prometheus.MustNewConstMetric(s.desc, s.kind, s.value(ps, as))
	}
	for _, cs := range pool.Classes() {
		ch <- prometheus.MustNewConstMetric(c.classFree, prometheus.GaugeValue, float64(cs.Free), cs.Name())
		ch <- prometheus.MustNewConstMetric(c.classTarget, prometheus.GaugeValue, float64(cs.Target), cs.Name())
	}
	var bailing float64
	if pool.Bailing() {
		bailing = 1
	}
	ch <- prometheus.MustNewConstMetric(c.bailing, prometheus.GaugeValue, bailing)
	ch <- prometheus.MustNewConstMetric(c.outstanding, prometheus.GaugeValue, float64(c.allocator.Outstanding()))
}

// Register adds a collector for a to reg.
func Register(reg prometheus.Registerer, a *mempool.Allocator) error {
	return reg.Register(NewCollector(a))
}

var _ prometheus.Collector = (*Collector)(nil)
