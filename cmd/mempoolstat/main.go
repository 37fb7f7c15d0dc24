// Command mempoolstat drives a memory pool with a concurrent mixed-size
// workload, prints its diagnostics report and optionally serves the pool's
// metrics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mempool "github.com/holmberd/go-mempool"
	"github.com/holmberd/go-mempool/internal/sysalloc"
	"github.com/holmberd/go-mempool/metrics"
)

type options struct {
	workers  int
	ops      int
	live     int
	maxSize  int
	useMmap  bool
	stacks   bool
	bypass   bool
	addr     string
	logLevel string
}

func parseFlags() options {
	var o options
	flag.IntVar(&o.workers, "workers", 8, "number of concurrent workers")
	flag.IntVar(&o.ops, "ops", 100_000, "allocator operations per worker")
	flag.IntVar(&o.live, "live", 64, "allocations each worker keeps alive")
	flag.IntVar(&o.maxSize, "max-size", 24*mempool.KiB, "largest request size in bytes")
	flag.BoolVar(&o.useMmap, "mmap", false, "back the pool with anonymous mmap instead of the Go heap")
	flag.BoolVar(&o.stacks, "stacks", false, "capture acquisition stacks for leak reports")
	flag.BoolVar(&o.bypass, "bypass", false, "route allocations straight to the system allocator")
	flag.StringVar(&o.addr, "addr", "", "serve /metrics on this address after the run")
	flag.StringVar(&o.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()
	return o
}

func main() {
	o := parseFlags()

	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level: %v\n", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(o, logger); err != nil {
		logger.Error("mempoolstat failed", "error", err)
		os.Exit(1)
	}
}

func run(o options, logger *slog.Logger) error {
	if o.workers <= 0 || o.ops < 0 || o.live <= 0 || o.maxSize <= 0 {
		return errors.New("workers, live and max-size must be positive, ops must not be negative")
	}

	config := mempool.DefaultConfig()
	config.Logger = logger
	config.CaptureStacks = o.stacks
	config.CheckDoubleRelease = true
	if o.useMmap {
		config.System = &sysalloc.Mmap{Logger: logger}
	}

	pool, err := mempool.New(config)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	a := mempool.NewAllocator(pool)
	a.SetUsePool(!o.bypass)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	runWorkload(ctx, a, o)
	logger.Info("workload finished",
		"workers", o.workers,
		"ops", o.ops,
		"elapsed", time.Since(start),
		"outstanding", a.Outstanding(),
	)

	fmt.Println(a.Report())
	if leaks := a.WriteLeaks(os.Stdout); leaks > 0 {
		logger.Warn("allocations still outstanding", "count", leaks)
	}

	if o.addr != "" {
		if err := serveMetrics(ctx, a, o.addr, logger); err != nil {
			return err
		}
	}

	pool.Close()
	return nil
}

// runWorkload runs o.workers goroutines, each cycling a window of live
// allocations through alloc, realloc and free, then frees what is left.
func runWorkload(ctx context.Context, a *mempool.Allocator, o options) {
	var wg sync.WaitGroup
	for w := range o.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
			window := make([][]byte, o.live)
			defer func() {
				for _, b := range window {
					a.Free(b)
				}
			}()

			for i := range o.ops {
				if i%1024 == 0 && ctx.Err() != nil {
					return
				}
				slot := rng.IntN(len(window))
				n := 1 + rng.IntN(o.maxSize)
				switch b := window[slot]; {
				case b == nil:
					window[slot], _ = a.Alloc(n)
				case rng.IntN(4) == 0:
					nb, err := a.Realloc(b, n)
					if err != nil && a.UsePool() {
						// The pooled path releases b even when the move fails.
						b = nil
					}
					if err == nil {
						b = nb
					}
					window[slot] = b
				default:
					a.Free(b)
					window[slot] = nil
				}
			}
		}()
	}
	wg.Wait()
}

func serveMetrics(ctx context.Context, a *mempool.Allocator, addr string, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(reg, a); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve metrics: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
