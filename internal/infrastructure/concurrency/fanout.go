// Package concurrency provides bounded fan-out over a list of items with per-item outcomes.
package concurrency

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// DefaultLimit is the number of concurrent calls used when Options.Limit is not set.
const DefaultLimit = 10

// ErrStopped marks items that were never started because the run was stopped.
var ErrStopped = errors.New("not started: run stopped")

// Options configures a fan-out run.
type Options struct {
	// Limit bounds the number of in-flight calls.
	Limit int

	// Stop is checked before each item is started. Once it reports true no further
	// items are started; in-flight calls still complete. It is called from several
	// goroutines.
	Stop func() bool

	// FailFast stops starting new items after the first error.
	FailFast bool
}

// Outcome is the result of one item, stored at the item's index.
type Outcome[T any] struct {
	Value   T
	Err     error
	Started bool
}

// Results holds one outcome per input item, in input order.
type Results[T any] []Outcome[T]

// Run calls fn for every item with at most opts.Limit calls in flight, waits for all
// started calls, and returns their outcomes. The context passed to fn is ctx itself,
// so stopping a run never interrupts a call that has already started.
func Run[I, T any](ctx context.Context, items []I, opts Options, fn func(ctx context.Context, item I) (T, error)) Results[T] {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	out := make(Results[T], len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, item := range items {
		if stopped(gctx, opts) {
			for j := i; j < len(items); j++ {
				out[j].Err = ErrStopped
			}
			break
		}
		out[i].Started = true
		i, item := i, item
		g.Go(func() error {
			// g.Go waits for a free slot, during which the run may have been stopped.
			if stopped(gctx, opts) {
				out[i] = Outcome[T]{Err: ErrStopped}
				return nil
			}
			v, err := fn(ctx, item)
			out[i].Value, out[i].Err = v, err
			if err != nil && opts.FailFast {
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func stopped(gctx context.Context, opts Options) bool {
	if opts.Stop != nil && opts.Stop() {
		return true
	}
	// gctx is canceled by the first failing call when FailFast is set, or with the parent.
	return gctx.Err() != nil
}

// Summary counts the outcomes.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
}

// Summary counts successes, failures and items that were never started.
func (r Results[T]) Summary() Summary {
	s := Summary{Total: len(r)}
	for _, o := range r {
		switch {
		case !o.Started:
			s.Skipped++
		case o.Err != nil:
			s.Failed++
		default:
			s.Succeeded++
		}
	}
	return s
}
