package sysalloc

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestHeap(t *testing.T) {
	t.Run("Alloc returns zeroed slice of exact length", func(t *testing.T) {
		b, err := Heap{}.Alloc(100)
		require.NoError(t, err)
		require.Len(t, b, 100)
		for _, v := range b {
			require.Zero(t, v)
		}
		Heap{}.Free(b)
	})

	t.Run("Negative size fails", func(t *testing.T) {
		_, err := Heap{}.Alloc(-1)
		require.ErrorIs(t, err, ErrAllocFailed)
	})
}

func TestMmap(t *testing.T) {
	m := &Mmap{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	t.Run("Alloc rounds mapping to page size", func(t *testing.T) {
		b, err := m.Alloc(33)
		require.NoError(t, err)
		assert.Len(t, b, 33)
		assert.Equal(t, unix.Getpagesize(), cap(b))

		b[0], b[32] = 0xAA, 0xBB
		assert.Equal(t, byte(0xAA), b[0])
		m.Free(b)
	})

	t.Run("Free accepts a shortened slice", func(t *testing.T) {
		b, err := m.Alloc(2 * unix.Getpagesize())
		require.NoError(t, err)
		m.Free(b[:1])
	})

	t.Run("Zero size returns nil", func(t *testing.T) {
		b, err := m.Alloc(0)
		require.NoError(t, err)
		assert.Nil(t, b)
		m.Free(b)
	})

	t.Run("Negative size fails", func(t *testing.T) {
		_, err := m.Alloc(-5)
		require.ErrorIs(t, err, ErrAllocFailed)
	})
}
