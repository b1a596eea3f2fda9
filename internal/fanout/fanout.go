// Package fanout runs one operation against many targets concurrently and
// collects every outcome in dispatch order.
package fanout

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Outcome is the result of one target's operation. Exactly one of Value and
// Err is meaningful.
type Outcome[T any] struct {
	Index int
	Value T
	Err   error
}

// Map calls fn for every item with at most limit calls in flight (limit <= 0
// means unbounded). A failing item never cancels its siblings; its error is
// recorded in its own Outcome. Outcomes are returned in the order of items.
func Map[S, T any](ctx context.Context, items []S, limit int, fn func(ctx context.Context, item S) (T, error)) []Outcome[T] {
	out := make([]Outcome[T], len(items))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, item := range items {
		g.Go(func() error {
			out[i].Index = i
			if err := ctx.Err(); err != nil {
				out[i].Err = err
				return nil
			}
			out[i].Value, out[i].Err = fn(ctx, item)
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return out
}

// Each is Map for operations without a value.
func Each[S any](ctx context.Context, items []S, limit int, fn func(ctx context.Context, item S) error) []error {
	outs := Map(ctx, items, limit, func(ctx context.Context, item S) (struct{}, error) {
		return struct{}{}, fn(ctx, item)
	})
	errs := make([]error, len(outs))
	for i, o := range outs {
		errs[i] = o.Err
	}
	return errs
}

// Values splits outcomes into the successful values and a joined error
// naming each failure with label(index).
func Values[T any](outs []Outcome[T], label func(i int) string) ([]T, error) {
	vals := make([]T, 0, len(outs))
	var errs []error
	for _, o := range outs {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label(o.Index), o.Err))
			continue
		}
		vals = append(vals, o.Value)
	}
	return vals, errors.Join(errs...)
}
