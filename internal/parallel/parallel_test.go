package parallel

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestFor(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := Config{Enabled: true, NumWorkers: 4, MinWork: 1}

	var counter int64
	n := 1000
	seen := make([]int32, n)

	For(n, 1, func(i int) {
		atomic.AddInt64(&counter, 1)
		atomic.AddInt32(&seen[i], 1)
	}, cfg)

	assert.Equal(t, int64(n), counter)
	for i, v := range seen {
		assert.Equal(t, int32(1), v, "index %d visited %d times", i, v)
	}
}

func TestForGrid(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 3, MinWork: 1}

	outer, inner := 4, 8
	results := make([][]bool, outer)
	for o := range results {
		results[o] = make([]bool, inner)
	}

	ForGrid(outer, inner, 1, func(o, i int) {
		results[o][i] = true
	}, cfg)

	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			assert.True(t, results[o][i], "missing result at [%d][%d]", o, i)
		}
	}
}

func TestFor_Sequential(t *testing.T) {
	var order []int
	For(5, 1<<20, func(i int) {
		order = append(order, i)
	}, Sequential())

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestFor_SmallWorkStaysSequential(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true

	// Appending without synchronisation is only safe on the sequential path.
	var order []int
	For(8, 1, func(i int) {
		order = append(order, i)
	}, cfg)

	assert.Len(t, order, 8)
}

func TestFor_Empty(t *testing.T) {
	called := false
	For(0, 1, func(int) { called = true }, DefaultConfig())
	ForGrid(3, 0, 1, func(int, int) { called = true }, DefaultConfig())
	assert.False(t, called)
}
