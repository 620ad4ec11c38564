package crf

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/floats"
)

// accumulate runs fn over item indices 0..n-1 and sums its return values.
// Each invocation receives a gradient buffer to accumulate into; with
// threads > 1 the items run concurrently on a semaphore-bounded pool of
// private buffers that are reduced into grad once all items drain. θ is
// read-only for the duration, so workers share it without locking.
func accumulate(n, threads int, grad []float64, fn func(i int, g []float64) float64) float64 {
	if threads <= 1 {
		total := 0.0
		for i := 0; i < n; i++ {
			total += fn(i, grad)
		}
		return total
	}

	sem := semaphore.NewWeighted(int64(threads))
	bufs := make(chan []float64, threads)
	for i := 0; i < threads; i++ {
		bufs <- make([]float64, len(grad))
	}

	ctx := context.Background()
	var mu sync.Mutex
	total := 0.0
	for i := 0; i < n; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func(i int) {
			defer sem.Release(1)
			g := <-bufs
			v := fn(i, g)
			bufs <- g
			mu.Lock()
			total += v
			mu.Unlock()
		}(i)
	}
	// Drain the pool, then fold the private buffers into the shared
	// gradient on the caller's goroutine.
	if err := sem.Acquire(ctx, int64(threads)); err == nil {
		sem.Release(int64(threads))
	}
	close(bufs)
	for g := range bufs {
		floats.Add(grad, g)
	}
	return total
}
