// ABOUTME: Tests for the bounded batch runner
// ABOUTME: Covers pacing and retry with backoff, checking for leaked goroutines
package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errTransient = errors.New("transient")

func TestRetry_SucceedsAfterTransientErrors(t *testing.T) {
	r := New(Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil)

	calls := 0
	err := r.Retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_GivesUp(t *testing.T) {
	r := New(Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil)

	calls := 0
	err := r.Retry(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	r := New(Config{MaxAttempts: 5, BaseDelay: time.Millisecond}, nil)

	calls := 0
	err := r.Retry(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errTransient)
	})
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestRetry_BackoffDoubles(t *testing.T) {
	r := New(Config{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond}, nil)

	start := time.Now()
	_ = r.Retry(context.Background(), func(context.Context) error { return errTransient })

	// 20ms + 40ms of waiting between three attempts
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRetry_ContextCancelled(t *testing.T) {
	r := New(Config{MaxAttempts: 3, BaseDelay: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := r.Retry(ctx, func(context.Context) error { return errTransient })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEach_SplitsIntoBatches(t *testing.T) {
	r := New(Config{Size: 15, MaxAttempts: 1}, nil)
	items := make([]int, 40)
	for i := range items {
		items[i] = i
	}

	var sizes []int
	failures, err := Each(context.Background(), r, items, func(_ context.Context, b []int) error {
		sizes = append(sizes, len(b))
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, []int{15, 15, 10}, sizes)
}

func TestEach_PacesBatchStarts(t *testing.T) {
	r := New(Config{Size: 1, Delay: 30 * time.Millisecond, MaxAttempts: 1}, nil)

	start := time.Now()
	_, err := Each(context.Background(), r, []int{1, 2, 3}, func(context.Context, []int) error { return nil })
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestEach_FailedBatchDoesNotStopOthers(t *testing.T) {
	r := New(Config{Size: 2, MaxAttempts: 2, BaseDelay: time.Millisecond}, nil)

	var calls atomic.Int32
	failures, err := Each(context.Background(), r, []string{"a", "b", "c", "d", "e"}, func(_ context.Context, b []string) error {
		calls.Add(1)
		if b[0] == "c" {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].Index)
	assert.Equal(t, 2, failures[0].Start)
	assert.Equal(t, 4, failures[0].End)
	assert.ErrorIs(t, failures[0].Err, errTransient)
	// batch 1 once, batch 2 twice, batch 3 once
	assert.Equal(t, int32(4), calls.Load())
}
