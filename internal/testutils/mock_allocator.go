package testutils

import (
	"errors"
	"sync"
	"sync/atomic"
)

var ErrMockAllocFailed = errors.New("mock allocation failed")

// MockAllocator is a counting system allocator for tests.
// It allocates from the Go heap and can be told to fail.
type MockAllocator struct {
	allocCalls atomic.Int64
	freeCalls  atomic.Int64
	allocBytes atomic.Int64
	freeBytes  atomic.Int64
	fail       atomic.Bool

	mu    sync.Mutex
	sizes map[int]int64 // Alloc calls by requested size.
}

func (m *MockAllocator) Alloc(n int) ([]byte, error) {
	if m.fail.Load() {
		return nil, ErrMockAllocFailed
	}
	m.allocCalls.Add(1)
	m.allocBytes.Add(int64(n))
	m.mu.Lock()
	if m.sizes == nil {
		m.sizes = make(map[int]int64)
	}
	m.sizes[n]++
	m.mu.Unlock()
	return make([]byte, n), nil
}

func (m *MockAllocator) Free(b []byte) {
	m.freeCalls.Add(1)
	m.freeBytes.Add(int64(cap(b)))
}

// SetFail makes every subsequent Alloc fail (or succeed again).
func (m *MockAllocator) SetFail(fail bool) {
	m.fail.Store(fail)
}

func (m *MockAllocator) AllocCalls() int64 {
	return m.allocCalls.Load()
}

func (m *MockAllocator) FreeCalls() int64 {
	return m.freeCalls.Load()
}

func (m *MockAllocator) AllocBytes() int64 {
	return m.allocBytes.Load()
}

func (m *MockAllocator) FreeBytes() int64 {
	return m.freeBytes.Load()
}

// AllocsOfSize returns how many Alloc calls requested exactly n bytes.
func (m *MockAllocator) AllocsOfSize(n int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizes[n]
}

// Live returns the number of allocations not yet freed.
func (m *MockAllocator) Live() int64 {
	return m.AllocCalls() - m.FreeCalls()
}

func (m *MockAllocator) Reset() {
	m.allocCalls.Store(0)
	m.freeCalls.Store(0)
	m.allocBytes.Store(0)
	m.freeBytes.Store(0)
	m.fail.Store(false)
	m.mu.Lock()
	m.sizes = nil
	m.mu.Unlock()
}
