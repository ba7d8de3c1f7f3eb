package concurrent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatherKeepsInputOrderAndIsolatesFailures(t *testing.T) {
	boom := errors.New("boom")
	results := Gather(context.Background(), 0, 4,
		func(context.Context) (string, error) { time.Sleep(20 * time.Millisecond); return "slow", nil },
		func(context.Context) (string, error) { return "", boom },
		func(context.Context) (string, error) { panic("bad task") },
		func(context.Context) (string, error) { return "fast", nil },
	)

	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}
	assert.Equal(t, "slow", results[0].Value)
	assert.True(t, results[0].OK())
	assert.ErrorIs(t, results[1].Err, boom)

	var pe *PanicError
	require.ErrorAs(t, results[2].Err, &pe)
	assert.Equal(t, "bad task", pe.Value)
	assert.Equal(t, "fast", results[3].Value)
}

func TestGatherDeadline(t *testing.T) {
	results := Gather(context.Background(), 30*time.Millisecond, 2,
		func(ctx context.Context) (int, error) { return 1, nil },
		func(ctx context.Context) (int, error) {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(5 * time.Second):
				return 2, nil
			}
		},
	)
	assert.Equal(t, 1, results[0].Value)
	assert.ErrorIs(t, results[1].Err, context.DeadlineExceeded)
}

func TestGatherBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	task := func(context.Context) (struct{}, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return struct{}{}, nil
	}
	tasks := make([]func(context.Context) (struct{}, error), 12)
	for i := range tasks {
		tasks[i] = task
	}
	results := Gather(context.Background(), 0, 3, tasks...)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestGatherEmpty(t *testing.T) {
	assert.Empty(t, Gather[int](context.Background(), time.Second, 1))
}

func TestParallelMap(t *testing.T) {
	square := func(_ context.Context, v int) (int, error) { return v * v, nil }
	out, err := ParallelMap(context.Background(), []int{1, 2, 3}, square, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 9}, out)

	two, three := errors.New("two"), errors.New("three")
	out, err = ParallelMap(context.Background(), []int{1, 2, 3}, func(_ context.Context, v int) (int, error) {
		switch v {
		case 2:
			return 0, two
		case 3:
			return 0, three
		}
		return v, nil
	}, 0)
	assert.ErrorIs(t, err, two)
	assert.ErrorIs(t, err, three)
	assert.Equal(t, 1, out[0])

	out, err = ParallelMap[int, int](context.Background(), nil, square, 1)
	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestParallelMapSkipsItemsAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	_, err := ParallelMap(ctx, []int{1, 2, 3}, func(_ context.Context, v int) (int, error) {
		calls.Add(1)
		return v, nil
	}, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls.Load())
}

func TestGatherWaitsForRunningTasksAtDeadline(t *testing.T) {
	var committed atomic.Int32
	// Ignores cancellation, like a blocking client call.
	slow := func(context.Context) (string, error) {
		time.Sleep(40 * time.Millisecond)
		committed.Add(1)
		return "committed", nil
	}
	results := Gather(context.Background(), 10*time.Millisecond, 1, slow, slow)

	require.EqualValues(t, 1, committed.Load())
	var ok, expired int
	for _, r := range results {
		if r.OK() {
			ok++
			assert.Equal(t, "committed", r.Value)
			continue
		}
		expired++
		assert.ErrorIs(t, r.Err, context.DeadlineExceeded)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, expired)
}

func TestWorkerPoolDoHonoursCancelledContext(t *testing.T) {
	wp := NewWorkerPool(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Fill the only slot so Do must wait on the semaphore.
	wp.sem <- struct{}{}
	defer func() { <-wp.sem }()

	err := wp.Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, wp.Size())
}
