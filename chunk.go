package mempool

import (
	"fmt"
	"runtime"
	"strings"
	"unsafe"
)

const maxStackDepth = 64

// Origin tells a release where a chunk's memory should go.
type Origin uint8

const (
	OriginPool Origin = iota // Capacity matches a size class; may be recycled.
	OriginHeap               // Oversize allocation; always returned to the system allocator.
)

func (o Origin) String() string {
	switch o {
	case OriginPool:
		return "pool"
	case OriginHeap:
		return "heap"
	default:
		return fmt.Sprintf("Origin(%d)", o)
	}
}

// Chunk describes one block of memory handed out by the pool.
//
// A Chunk is a value handle: it is passed by copy between the pool and its
// caller, and exactly one of them owns it at any time. Its capacity is fixed
// when it is created.
type Chunk struct {
	data   []byte // len(data) is the capacity; cap(data) belongs to the system allocator.
	origin Origin
	inPool bool

	// Tag is an opaque caller mark, useful for filtering leak reports.
	Tag uint32

	stack []uintptr // Allocation site, set only when stack capture is enabled.
}

// IsZero reports whether c is the empty chunk returned for zero-byte requests.
func (c Chunk) IsZero() bool {
	return c.data == nil
}

// Bytes returns the chunk memory; its length is the chunk capacity.
func (c Chunk) Bytes() []byte {
	return c.data
}

// Cap returns the capacity of the chunk in bytes.
func (c Chunk) Cap() int {
	return len(c.data)
}

// Addr returns the address of the first byte, or 0 for the empty chunk.
func (c Chunk) Addr() uintptr {
	if c.data == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(c.data)))
}

func (c Chunk) Origin() Origin {
	return c.origin
}

// InPool reports whether the chunk is idle in a free list.
// Chunks handed to callers always report false.
func (c Chunk) InPool() bool {
	return c.inPool
}

// Stack returns the program counters captured when the chunk was acquired.
func (c Chunk) Stack() []uintptr {
	return c.stack
}

// StackString formats the captured allocation site, one frame per line.
func (c Chunk) StackString() string {
	if len(c.stack) == 0 {
		return ""
	}
	var sb strings.Builder
	frames := runtime.CallersFrames(c.stack)
	for {
		f, more := frames.Next()
		fmt.Fprintf(&sb, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return sb.String()
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk{addr=%#x cap=%d origin=%s}", c.Addr(), c.Cap(), c.origin)
}

// captureStack records the caller of the public pool API.
func captureStack(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n:n]
}
