// Package parallel runs a function over a set of inputs with bounded
// concurrency.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Result pairs an input with the outcome of mapping it.
type Result[E, D any] struct {
	In  E
	Out D
	Err error
}

// Map calls fn for every element of in, at most limit calls at a time, and
// yields the results in completion order. Stopping the iteration cancels
// the context passed to the pending calls and waits for them to return.
func Map[E, D any](ctx context.Context, limit int, in []E, fn func(context.Context, E) (D, error)) iter.Seq[Result[E, D]] {
	return func(yield func(Result[E, D]) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		out := make(chan Result[E, D])
		var g errgroup.Group
		g.SetLimit(max(limit, 1))
		go func() {
			defer close(out)
			for _, e := range in {
				if ctx.Err() != nil {
					break
				}
				g.Go(func() error {
					d, err := fn(ctx, e)
					select {
					case out <- Result[E, D]{In: e, Out: d, Err: err}:
					case <-ctx.Done():
					}
					return nil
				})
			}
			_ = g.Wait()
		}()

		for r := range out {
			if !yield(r) {
				cancel()
				for range out {
				}
				return
			}
		}
	}
}
