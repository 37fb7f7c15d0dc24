package mempool

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/holmberd/go-mempool/internal/sysalloc"
)

const (
	KiB = 1024
	MiB = KiB * KiB
)

// ClassConfig configures a single size class.
type ClassConfig struct {
	Size     int // Nominal capacity of every chunk in the class, in bytes.
	Target   int // Number of free chunks the class holds before shedding releases.
	Prealloc int // Number of chunks allocated into the free list at construction.
}

type Config struct {
	// Classes is the size-class ladder, ordered by smallest to largest.
	// Requests larger than the last class are served by the oversize tier.
	Classes []ClassConfig

	// System is the allocator used on cache misses and for shedding.
	// Nil uses the Go heap.
	System sysalloc.SystemAllocator

	// CaptureStacks records the allocation site of every acquired chunk.
	CaptureStacks bool

	// CheckDoubleRelease tracks the addresses of idle chunks so a second
	// release of the same chunk is detected and dropped.
	CheckDoubleRelease bool

	Logger *slog.Logger // Nil uses slog.Default().
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Classes) == 0 {
		errs = append(errs, errors.New("invalid config: at least one size class is required"))
	}
	for i, cl := range c.Classes {
		if cl.Size <= 0 {
			errs = append(errs, fmt.Errorf("invalid config: class %d size %d must be positive", i, cl.Size))
		}
		if cl.Target < 0 || cl.Prealloc < 0 {
			errs = append(errs, fmt.Errorf("invalid config: class %d target and prealloc must not be negative", cl.Size))
		}
		if cl.Prealloc > cl.Target {
			errs = append(errs, fmt.Errorf(
				"invalid config: class %d prealloc %d exceeds target %d", cl.Size, cl.Prealloc, cl.Target,
			))
		}
	}
	sorted := slices.IsSortedFunc(c.Classes, func(a, b ClassConfig) int { return a.Size - b.Size })
	unique := len(slices.CompactFunc(slices.Clone(c.Classes), func(a, b ClassConfig) bool {
		return a.Size == b.Size
	})) == len(c.Classes)
	if !sorted || !unique {
		errs = append(errs, errors.New("invalid config: class sizes must be unique and sorted in ascending order"))
	}
	return errors.Join(errs...)
}

// DefaultConfig returns the process-wide defaults: a ladder from 32 bytes to
// 20 KiB, thousands of small chunks and hundreds of large ones preallocated.
func DefaultConfig() Config {
	return Config{
		Classes: []ClassConfig{
			{Size: 32, Target: 50000, Prealloc: 5000},
			{Size: 64, Target: 5000, Prealloc: 2000},
			{Size: 128, Target: 5000, Prealloc: 2000},
			{Size: 256, Target: 5000, Prealloc: 2000},
			{Size: 1 * KiB, Target: 10000, Prealloc: 1000},
			{Size: 5 * KiB, Target: 10000, Prealloc: 500},
			{Size: 10 * KiB, Target: 1000, Prealloc: 200},
			{Size: 20 * KiB, Target: 800, Prealloc: 100},
		},
	}
}
