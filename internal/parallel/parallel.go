// Package parallel splits kernel loops across goroutines.
//
// Every index is handled by exactly one goroutine and callers only write to
// memory owned by their index, so results do not depend on scheduling.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled    bool // Whether parallel execution is enabled.
	NumWorkers int  // Number of worker goroutines to use.
	MinWork    int  // Minimum total work (items x cost) before going parallel.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:    n > 1,
		NumWorkers: n,
		MinWork:    1 << 14,
	}
}

// Sequential returns a config that never spawns goroutines.
func Sequential() Config {
	return Config{NumWorkers: 1}
}

// For executes f(i) for i in [0, n).
//
// cost is the approximate work per index (e.g. multiply-adds for one output
// row); small loops run sequentially to avoid goroutine overhead.
func For(n, cost int, f func(i int), cfg Config) {
	if n <= 0 {
		return
	}
	workers := min(cfg.NumWorkers, n)
	if !cfg.Enabled || workers <= 1 || n*max(cost, 1) < cfg.MinWork {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// ForGrid iterates over an outer x inner index space, e.g. batch x output rows
// in an NHWC convolution.
func ForGrid(outer, inner, cost int, f func(o, i int), cfg Config) {
	if inner <= 0 {
		return
	}
	For(outer*inner, cost, func(k int) {
		f(k/inner, k%inner)
	}, cfg)
}
