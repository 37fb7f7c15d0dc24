package mempool

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/holmberd/go-mempool/internal/sysalloc"
)

// ClassTarget names a size class and a number of chunks.
type ClassTarget struct {
	Size  int
	Count int
}

// sizeClass is a free list of chunks of exactly one capacity.
type sizeClass struct {
	mu     sync.Mutex
	size   int
	target int
	free   []Chunk

	// idle holds the addresses in free; nil unless double-release checks are on.
	idle map[uintptr]struct{}
}

func (c *sizeClass) push(ch Chunk) {
	ch.inPool = true
	ch.stack = nil
	ch.Tag = 0
	c.free = append(c.free, ch)
	if c.idle != nil {
		c.idle[ch.Addr()] = struct{}{}
	}
}

// pop removes the most recently released chunk. It assumes the caller holds the mutex.
func (c *sizeClass) pop() (Chunk, bool) {
	n := len(c.free) - 1
	if n < 0 {
		return Chunk{}, false
	}
	ch := c.free[n]
	c.free[n] = Chunk{}
	c.free = c.free[:n]
	if c.idle != nil {
		delete(c.idle, ch.Addr())
	}
	ch.inPool = false
	return ch, true
}

// Pool is a thread-safe collection of free lists, one per size class, that
// recycles memory chunks and falls back to a system allocator on a miss.
//
// Each class has its own lock. Requests larger than the largest class are
// served by an unbounded oversize tier that is never pooled.
type Pool struct {
	classes       []sizeClass // Ordered by smallest to largest.
	sizes         []int       // Immutable copy of the class sizes; searched without locking.
	system        sysalloc.SystemAllocator
	logger        *slog.Logger
	captureStacks bool

	// bailing is set once when the pool starts shutting down and never cleared.
	// While set, acquires fail and releases bypass the free lists.
	bailing atomic.Bool

	stats poolCounters
}

// New creates a pool and preallocates every class as configured.
func New(config Config) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		classes:       make([]sizeClass, len(config.Classes)),
		sizes:         make([]int, len(config.Classes)),
		system:        config.System,
		logger:        config.Logger,
		captureStacks: config.CaptureStacks,
	}
	if p.system == nil {
		p.system = sysalloc.Heap{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	for i, cc := range config.Classes {
		cl := &p.classes[i]
		cl.size = cc.Size
		p.sizes[i] = cc.Size
		cl.target = cc.Target
		if config.CheckDoubleRelease {
			cl.idle = make(map[uintptr]struct{})
		}
	}
	for i, cc := range config.Classes {
		if err := p.prealloc(i, cc.Prealloc); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

// MustNew is like New but panics on an invalid config or a failed preallocation.
func MustNew(config Config) *Pool {
	p, err := New(config)
	if err != nil {
		panic(fmt.Errorf("mempool: %w", err))
	}
	return p
}

// Sizes returns the nominal capacities of the size classes.
func (p *Pool) Sizes() []int {
	return slices.Clone(p.sizes)
}

// acquireClass returns the index of the class serving a request of n bytes,
// or -1 for the oversize tier. A request equal to a class size is served by
// that class.
func (p *Pool) acquireClass(n int) int {
	last := len(p.sizes) - 1
	if n > p.sizes[last] {
		return -1
	}
	for i := last; i > 0; i-- {
		if n > p.sizes[i-1] {
			return i
		}
	}
	return 0
}

// releaseClass returns the index of the class whose size equals capacity, or -1.
func (p *Pool) releaseClass(capacity int) int {
	i, ok := slices.BinarySearch(p.sizes, capacity)
	if !ok {
		return -1
	}
	return i
}

// Acquire returns a chunk with a capacity of at least n bytes.
//
// A request for zero bytes returns the empty chunk and has no side effects.
// Acquire fails with ErrBailing once the pool is shutting down, and with
// ErrAllocFailed if the system allocator cannot serve a miss.
func (p *Pool) Acquire(n int) (Chunk, error) {
	if n < 0 {
		return Chunk{}, fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}
	if n == 0 {
		return Chunk{}, nil
	}
	if p.bailing.Load() {
		return Chunk{}, p.refuse(n)
	}

	idx := p.acquireClass(n)
	size, origin := n, OriginHeap
	if idx >= 0 {
		cl := &p.classes[idx]
		size, origin = cl.size, OriginPool

		cl.mu.Lock()
		if p.bailing.Load() {
			cl.mu.Unlock()
			return Chunk{}, p.refuse(n)
		}
		c, ok := cl.pop()
		cl.mu.Unlock()

		if ok {
			p.stats.hits.Add(1)
			return p.checkout(c, n), nil
		}
	}

	// Allocate outside of the lock to avoid blocking other operations.
	data, err := p.system.Alloc(size)
	if err != nil {
		p.stats.failedAcquires.Add(1)
		return Chunk{}, allocError(size, err)
	}
	p.stats.heapAllocs.Add(1)
	p.stats.heapAllocBytes.Add(uint64(size))
	return p.checkout(Chunk{data: data, origin: origin}, n), nil
}

func (p *Pool) checkout(c Chunk, n int) Chunk {
	p.stats.acquires.Add(1)
	p.stats.acquireBytes.Add(uint64(n))
	if p.captureStacks {
		c.stack = captureStack(2)
	}
	return c
}

func (p *Pool) refuse(n int) error {
	p.stats.bailedAcquires.Add(1)
	p.logger.Warn("acquire after pool shutdown", "size", n)
	return ErrBailing
}

// Release returns a chunk to the pool.
//
// The chunk is recycled only if its capacity equals a class size and that
// class holds fewer free chunks than its target; otherwise it is freed to the
// system allocator. Releasing the empty chunk does nothing.
func (p *Pool) Release(c Chunk) {
	if c.data == nil {
		return
	}
	if c.origin == OriginHeap || p.bailing.Load() {
		p.freeOut(c)
		return
	}
	idx := p.releaseClass(c.Cap())
	if idx < 0 {
		p.freeOut(c)
		return
	}

	cl := &p.classes[idx]
	cl.mu.Lock()
	if p.bailing.Load() {
		cl.mu.Unlock()
		p.freeOut(c)
		return
	}
	if cl.idle != nil {
		if _, dup := cl.idle[c.Addr()]; dup {
			cl.mu.Unlock()
			p.stats.doubleReleases.Add(1)
			p.logger.Warn("chunk released twice", "addr", c.Addr(), "size", c.Cap())
			return
		}
	}
	if len(cl.free) >= cl.target {
		cl.mu.Unlock()
		p.freeOut(c)
		return
	}
	cl.push(c)
	cl.mu.Unlock()

	p.stats.releases.Add(1)
	p.stats.releaseBytes.Add(uint64(c.Cap()))
}

// freeOut hands a chunk that will not be pooled back to the system allocator.
func (p *Pool) freeOut(c Chunk) {
	p.system.Free(c.data)
	p.stats.outFrees.Add(1)
	p.stats.outFreeBytes.Add(uint64(c.Cap()))
}

// Extend raises the target population of each named class by its count and
// preallocates that many chunks into the class free list.
func (p *Pool) Extend(targets ...ClassTarget) error {
	var errs []error
	for _, t := range targets {
		if p.bailing.Load() {
			return errors.Join(append(errs, ErrBailing)...)
		}
		idx := p.releaseClass(t.Size)
		if idx < 0 {
			errs = append(errs, fmt.Errorf("%w: %d", ErrUnknownClass, t.Size))
			continue
		}
		if t.Count < 0 {
			errs = append(errs, fmt.Errorf("%w: class %d count %d", ErrInvalidSize, t.Size, t.Count))
			continue
		}
		if t.Count == 0 {
			continue
		}
		cl := &p.classes[idx]
		cl.mu.Lock()
		cl.target += t.Count
		cl.mu.Unlock()

		if err := p.prealloc(idx, t.Count); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// prealloc allocates n chunks for a class and adds them to its free list, up
// to the class target.
func (p *Pool) prealloc(idx int, n int) error {
	if n <= 0 {
		return nil
	}
	cl := &p.classes[idx]
	chunks := make([]Chunk, 0, n)
	var err error
	for range n {
		data, aerr := p.system.Alloc(cl.size)
		if aerr != nil {
			err = allocError(cl.size, aerr)
			break
		}
		chunks = append(chunks, Chunk{data: data, origin: OriginPool})
	}

	var excess []Chunk
	cl.mu.Lock()
	if p.bailing.Load() {
		excess = chunks
		err = ErrBailing
	} else {
		room := max(cl.target-len(cl.free), 0)
		k := min(room, len(chunks))
		for _, c := range chunks[:k] {
			cl.push(c)
		}
		excess = chunks[k:]
	}
	cl.mu.Unlock()

	for _, c := range excess {
		p.system.Free(c.data)
	}
	added := len(chunks) - len(excess)
	p.stats.preallocChunks.Add(uint64(added))
	p.stats.preallocBytes.Add(uint64(added * cl.size))
	return err
}

// Bail sets the shutdown flag without draining the free lists.
// From then on acquires fail and releases free directly.
func (p *Pool) Bail() {
	p.bailing.Store(true)
}

// Bailing reports whether the pool is shutting down.
func (p *Pool) Bailing() bool {
	return p.bailing.Load()
}

// Close sets the shutdown flag and frees every idle chunk to the system
// allocator. Chunks still checked out are freed directly when released.
func (p *Pool) Close() {
	p.bailing.Store(true)

	drained := 0
	for i := range p.classes {
		cl := &p.classes[i]
		cl.mu.Lock()
		free := cl.free
		cl.free = nil
		if cl.idle != nil {
			clear(cl.idle)
		}
		cl.mu.Unlock()

		// Free outside of the lock; nothing can reach these chunks anymore.
		for _, c := range free {
			p.system.Free(c.data)
		}
		drained += len(free)
	}
	p.stats.drainedChunks.Add(uint64(drained))
	p.logger.Info("memory pool closed", "drained", drained)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return p.stats.snapshot()
}

// Classes returns the free-list population and target of every size class,
// followed by the oversize tier.
func (p *Pool) Classes() []ClassStats {
	out := make([]ClassStats, 0, len(p.classes)+1)
	for i := range p.classes {
		cl := &p.classes[i]
		cl.mu.Lock()
		out = append(out, ClassStats{Size: cl.size, Free: len(cl.free), Target: cl.target})
		cl.mu.Unlock()
	}
	return append(out, ClassStats{})
}

// numFree returns the number of available chunks for a given class size.
// It is primarily intended as helper method in tests.
func (p *Pool) numFree(size int) int {
	idx := p.releaseClass(size)
	if idx < 0 {
		return 0
	}
	cl := &p.classes[idx]
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.free)
}

func allocError(size int, err error) error {
	if errors.Is(err, ErrAllocFailed) {
		return fmt.Errorf("acquire %d bytes: %w", size, err)
	}
	return fmt.Errorf("acquire %d bytes: %w: %w", size, ErrAllocFailed, err)
}
