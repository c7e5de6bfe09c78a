package tensor

import (
	"golang.org/x/sync/errgroup"

	"tinyllm/envconfig"
)

// ParallelFor splits [0, n) into contiguous chunks of at least grain items and
// runs fn on each chunk, using at most envconfig.NumThreads() goroutines.
// Chunks are independent; fn must only write to locations owned by its range.
// The first error returned by any chunk is returned.
func ParallelFor(n, grain int, fn func(start, end int) error) error {
	if n <= 0 {
		return nil
	}
	if grain < 1 {
		grain = 1
	}

	workers := envconfig.NumThreads()
	chunks := min(workers, (n+grain-1)/grain)
	if chunks <= 1 {
		return fn(0, n)
	}

	size := (n + chunks - 1) / chunks
	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		g.Go(func() error {
			return fn(start, end)
		})
	}
	return g.Wait()
}
