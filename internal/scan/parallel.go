package scan

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type parallelResult[R any] struct {
	Value R
	Err   error
}

// collectParallel processes items with the given worker count and returns
// one result per item, in item order. Unlike a fail-fast pool, an item's
// error never cancels the others: check isolation requires every check to
// get its chance to run, so errors land in the per-item result instead of
// the group.
func collectParallel[T any, R any](
	ctx context.Context,
	items []T,
	workers int,
	process func(ctx context.Context, item T) (R, error),
) []parallelResult[R] {
	if len(items) == 0 {
		return nil
	}

	out := make([]parallelResult[R], len(items))

	var g errgroup.Group
	g.SetLimit(normalizeWorkers(workers, len(items)))
	for idx := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[idx] = parallelResult[R]{Err: err}
				return nil
			}
			value, err := process(ctx, items[idx])
			out[idx] = parallelResult[R]{Value: value, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func normalizeWorkers(workers, itemCount int) int {
	if workers < 1 {
		workers = 1
	}
	if workers > itemCount {
		workers = itemCount
	}
	return workers
}
