// Package asyncutil provides small concurrency helpers shared by the memory
// core: deadline wrapping, bounded-concurrency batch mapping, and settle-style
// error collection.
package asyncutil

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// WithTimeout runs fn under a child context with the given timeout. A zero or
// negative timeout runs fn with the parent context unchanged.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(tctx)
}

// BatchMap applies fn to every input with at most limit concurrent workers,
// preserving input order in the output. The first error cancels remaining
// work and is returned.
func BatchMap[In, Out any](ctx context.Context, inputs []In, limit int, fn func(ctx context.Context, in In) (Out, error)) ([]Out, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 1
	}

	outs := make([]Out, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, in := range inputs {
		g.Go(func() error {
			out, err := fn(gctx, in)
			if err != nil {
				return fmt.Errorf("asyncutil: batch item %d: %w", i, err)
			}
			outs[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outs, nil
}

// Settled holds the outcome of one settled task.
type Settled[Out any] struct {
	Value Out
	Err   error
}

// Settle applies fn to every input with at most limit concurrent workers and
// waits for all of them, collecting per-item outcomes instead of failing fast.
// Used where partial success must be reported rather than aborted.
func Settle[In, Out any](ctx context.Context, inputs []In, limit int, fn func(ctx context.Context, in In) (Out, error)) []Settled[Out] {
	results := make([]Settled[Out], len(inputs))
	if len(inputs) == 0 {
		return results
	}
	if limit <= 0 {
		limit = 1
	}

	sem := make(chan struct{}, limit)
	done := make(chan struct{})
	pending := len(inputs)

	for i, in := range inputs {
		go func(idx int, input In) {
			sem <- struct{}{}
			defer func() { <-sem }()

			v, err := fn(ctx, input)
			results[idx] = Settled[Out]{Value: v, Err: err}
			done <- struct{}{}
		}(i, in)
	}

	for range pending {
		<-done
	}
	return results
}
