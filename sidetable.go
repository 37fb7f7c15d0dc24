package mempool

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64 // Must be a power of two for unbiased modulo.

func shardIndex(addr uintptr) uint64 {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(addr))
	// Faster modulo via bitwise AND; requires shardCount to be a power of two.
	return xxhash.Sum64(key[:]) & (shardCount - 1)
}

type tableShard struct {
	sync.Mutex
	chunks map[uintptr]Chunk
}

// sideTable maps the address of every chunk checked out through the
// Allocator to the chunk itself, so it can be released by pointer alone.
//
// The table is sharded by address hash. A shard lock is only held for the
// map operation and never while calling into the pool.
type sideTable struct {
	shards [shardCount]tableShard
}

func newSideTable() *sideTable {
	t := &sideTable{}
	for i := range t.shards {
		t.shards[i].chunks = make(map[uintptr]Chunk)
	}
	return t
}

func (t *sideTable) shard(addr uintptr) *tableShard {
	return &t.shards[shardIndex(addr)]
}

// Store records a checked-out chunk.
func (t *sideTable) Store(c Chunk) {
	s := t.shard(c.Addr())
	s.Lock()
	s.chunks[c.Addr()] = c
	s.Unlock()
}

// Load returns the chunk at addr without removing it.
func (t *sideTable) Load(addr uintptr) (Chunk, bool) {
	s := t.shard(addr)
	s.Lock()
	c, ok := s.chunks[addr]
	s.Unlock()
	return c, ok
}

// LoadAndDelete removes and returns the chunk at addr.
func (t *sideTable) LoadAndDelete(addr uintptr) (Chunk, bool) {
	s := t.shard(addr)
	s.Lock()
	c, ok := s.chunks[addr]
	if ok {
		delete(s.chunks, addr)
	}
	s.Unlock()
	return c, ok
}

// Len returns the number of tracked chunks.
func (t *sideTable) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.Lock()
		n += len(s.chunks)
		s.Unlock()
	}
	return n
}

// Range calls fn for every tracked chunk, one shard at a time.
func (t *sideTable) Range(fn func(Chunk) bool) {
	for i := range t.shards {
		s := &t.shards[i]
		s.Lock()
		chunks := make([]Chunk, 0, len(s.chunks))
		for _, c := range s.chunks {
			chunks = append(chunks, c)
		}
		s.Unlock()
		for _, c := range chunks {
			if !fn(c) {
				return
			}
		}
	}
}
