// Package fanout runs one operation concurrently across every selected
// instance of a backend (the gateway fleet or the secret-store cluster)
// and collects every outcome, in declared instance order. Unlike a plain
// errgroup, it never short-circuits: a failing instance does not cancel
// its siblings, because the orchestrator needs to see every per-instance
// result to decide what to compensate.
package fanout

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Outcome is the result of running one fan-out operation against one
// instance.
type Outcome[T any] struct {
	Instance string
	Value    T
	Err      error
}

// Run executes f once per instance in instances, concurrently, and
// returns one Outcome per instance in the same order as instances. f's
// own error never cancels the other goroutines: every instance gets a
// chance to run to completion (or to ctx's own cancellation).
func Run[T any](ctx context.Context, instances []string, f func(ctx context.Context, instance string) (T, error)) []Outcome[T] {
	outcomes := make([]Outcome[T], len(instances))
	// A plain errgroup.Group (not WithContext) only gives us Go/Wait: no
	// first-error cancellation, which is exactly what we want here.
	var g errgroup.Group
	for i, inst := range instances {
		i, inst := i, inst
		g.Go(func() error {
			v, err := f(ctx, inst)
			outcomes[i] = Outcome[T]{Instance: inst, Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// RunSubset executes f once per (instance, arg) pair in args, concurrently,
// and returns one Outcome per entry. Used during rollback to replay
// exactly the instances that previously succeeded, each with its own
// prebuilt argument (e.g. the record to re-put).
func RunSubset[A any, T any](ctx context.Context, args map[string]A, f func(ctx context.Context, instance string, arg A) (T, error)) []Outcome[T] {
	instances := make([]string, 0, len(args))
	for inst := range args {
		instances = append(instances, inst)
	}
	outcomes := make([]Outcome[T], len(instances))
	var g errgroup.Group
	for i, inst := range instances {
		i, inst := i, inst
		arg := args[inst]
		g.Go(func() error {
			v, err := f(ctx, inst, arg)
			outcomes[i] = Outcome[T]{Instance: inst, Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// FirstErr returns the first non-nil error among outcomes, in slice order,
// or nil if every outcome succeeded.
func FirstErr[T any](outcomes []Outcome[T]) error {
	for _, o := range outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}

// Succeeded returns the subset of outcomes whose Err is nil.
func Succeeded[T any](outcomes []Outcome[T]) []Outcome[T] {
	var ok []Outcome[T]
	for _, o := range outcomes {
		if o.Err == nil {
			ok = append(ok, o)
		}
	}
	return ok
}
