package concurrent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultWorkers = 10

// WorkerPool bounds how many tasks run at once.
type WorkerPool struct {
	maxWorkers int
	sem        chan struct{}
}

// NewWorkerPool creates a pool; maxWorkers <= 0 means 10.
func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = defaultWorkers
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		sem:        make(chan struct{}, maxWorkers),
	}
}

// Size returns the worker limit.
func (wp *WorkerPool) Size() int { return wp.maxWorkers }

// Do runs fn once a worker slot is free, or returns ctx.Err() if ctx is
// done first. fn never starts after ctx is done.
func (wp *WorkerPool) Do(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case wp.sem <- struct{}{}:
		defer func() { <-wp.sem }()
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn()
	}
}

// Result is the tagged outcome of one task. Index is the task's position in
// the input so callers can correlate without relying on completion order.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// OK reports whether the task succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

// PanicError wraps a value recovered from a task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panicked: %v", e.Value) }

// Gather runs every task concurrently, bounded by maxConcurrency, and
// returns once every started task has returned. A failing or panicking task
// never aborts its siblings: its error is recorded in its Result. At the
// deadline the tasks' context is cancelled and tasks that never got a worker
// report context.DeadlineExceeded; a task already running reports whatever
// it returns. A zero deadline means no limit. Results are in input order.
func Gather[T any](ctx context.Context, deadline time.Duration, maxConcurrency int, tasks ...func(context.Context) (T, error)) []Result[T] {
	results := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	pool := NewWorkerPool(maxConcurrency)
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(idx int, task func(context.Context) (T, error)) {
			defer wg.Done()
			res := Result[T]{Index: idx}
			res.Err = pool.Do(ctx, func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = &PanicError{Value: r}
					}
				}()
				res.Value, err = task(ctx)
				return err
			})
			results[idx] = res
		}(i, task)
	}
	wg.Wait()
	return results
}

// ParallelMap applies fn to every item with at most maxConcurrency calls in
// flight. Results keep input order and the errors of every failed item are
// joined; items not started before ctx ends fail with ctx.Err().
func ParallelMap[T, R any](ctx context.Context, items []T, fn func(context.Context, T) (R, error), maxConcurrency int) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}
	pool := NewWorkerPool(maxConcurrency)
	results := make([]R, len(items))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(idx int, val T) {
			defer wg.Done()
			errs[idx] = pool.Do(ctx, func() (err error) {
				results[idx], err = fn(ctx, val)
				return err
			})
		}(i, item)
	}
	wg.Wait()
	return results, errors.Join(errs...)
}
