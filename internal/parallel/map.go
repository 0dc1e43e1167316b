// Package parallel fans work out over a bounded number of goroutines.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type outcome[D any] struct {
	value D
	err   error
}

// Map applies f to every element of seq on at most limit goroutines and
// yields each outcome as it arrives, so results do not keep input order.
// Canceling the context ends the iteration and drops outcomes still in
// flight. Breaking out of the loop stops the workers the same way.
func Map[E, D any](ctx context.Context, limit int, seq iter.Seq[E], f func(context.Context, E) (D, error)) iter.Seq2[D, error] {
	if limit < 1 {
		limit = 1
	}
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		// one slot for the feeding goroutine, the rest for workers
		g.SetLimit(limit + 1)

		outcomes := make(chan outcome[D], limit)
		g.Go(func() error {
			for e := range seq {
				g.Go(func() error {
					d, err := f(gctx, e)
					select {
					case <-gctx.Done():
						return gctx.Err()
					case outcomes <- outcome[D]{value: d, err: err}:
						return nil
					}
				})
			}
			return nil
		})

		go func() {
			_ = g.Wait()
			close(outcomes)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case o, ok := <-outcomes:
				if !ok {
					return
				}
				if !yield(o.value, o.err) {
					return
				}
			}
		}
	}
}
