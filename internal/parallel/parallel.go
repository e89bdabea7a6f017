// Package parallel runs index-range work on a bounded pool of goroutines.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minChunk keeps tiny ranges from being split into more goroutines than work.
const minChunk = 64

// Workers returns n when positive, otherwise the number of CPUs.
func Workers(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// For splits [0, n) into contiguous chunks and calls fn(lo, hi) for each chunk
// on at most workers goroutines. It returns after every chunk has finished, so
// callers may reduce per-index results written by fn without further locking.
// The first error returned by fn is reported; the context passed to fn is
// canceled once any chunk fails.
func For(ctx context.Context, n, workers int, fn func(ctx context.Context, lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	workers = Workers(workers)

	chunk := (n + workers - 1) / workers
	if chunk < minChunk {
		chunk = minChunk
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		lo := lo
		g.Go(func() error {
			return fn(gctx, lo, hi)
		})
	}
	return g.Wait()
}

// Each calls fn(i) for every i in [0, n) with at most workers running at once.
// Unlike For it schedules one task per index, which suits a small number of
// expensive, independent tasks such as sampling rounds.
func Each(ctx context.Context, n, workers int, fn func(ctx context.Context, i int) error) error {
	if n <= 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(Workers(workers))
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return fn(gctx, i)
		})
	}
	return g.Wait()
}
