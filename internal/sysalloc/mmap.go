package sysalloc

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// Mmap allocates each request as a private anonymous mapping.
//
// The memory is not part of the Go heap, so the GC never scans it and its
// address stays valid for foreign callers until Free. Mappings are rounded up
// to the page size; the returned slice has len n and cap equal to the mapping.
type Mmap struct {
	Logger *slog.Logger // Logger for unmap failures. Nil uses slog.Default().
}

func (m *Mmap) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrAllocFailed, n)
	}
	if n == 0 {
		return nil, nil
	}
	data, err := unix.Mmap(-1, 0, pageAlign(n),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %w", ErrAllocFailed, n, err)
	}
	return data[:n], nil
}

// Free unmaps the memory of b back to the operating system.
func (m *Mmap) Free(b []byte) {
	if cap(b) == 0 {
		return
	}
	if err := unix.Munmap(b[:cap(b)]); err != nil {
		m.logger().Error("failed to unmap chunk", "size", cap(b), "error", err)
	}
}

func (m *Mmap) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func pageAlign(n int) int {
	ps := unix.Getpagesize()
	return (n + ps - 1) &^ (ps - 1)
}
