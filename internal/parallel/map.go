package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type Result[D any] struct {
	Value D
	Err   error
}

// Map calls mapFunc for every input, at most limit calls run at once. The
// results are returned in input order, a failing call does not stop the
// others. A canceled context is passed down to the mapFuncs which did not
// finish yet.
func Map[E, D any](ctx context.Context, limit int, input []E, mapFunc func(context.Context, E) (D, error)) []Result[D] {
	out := make([]Result[D], len(input))
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, e := range input {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i].Err = err
				return nil
			}
			d, err := mapFunc(ctx, e)
			out[i] = Result[D]{Value: d, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
