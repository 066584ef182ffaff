package utils

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessBatchKeepsItemOrder(t *testing.T) {
	items := []int{5, 4, 3, 2, 1}
	pp := NewParallelProcessor(3)

	got := ProcessBatch(context.Background(), pp, items, func(_ context.Context, n int) int {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return n * 10
	}, nil, "square")

	assert.Equal(t, []int{50, 40, 30, 20, 10}, got)
}

func TestProcessBatchBoundsConcurrency(t *testing.T) {
	var running, peak int64
	items := make([]int, 12)

	ProcessBatch(context.Background(), NewParallelProcessor(3), items, func(_ context.Context, _ int) struct{} {
		n := atomic.AddInt64(&running, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&running, -1)
		return struct{}{}
	}, nil, "bounded")

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
	assert.GreaterOrEqual(t, atomic.LoadInt64(&peak), int64(1))
}

func TestProcessBatchSkipsItemsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := ProcessBatch(ctx, NewParallelProcessor(2), []string{"a", "b"}, func(_ context.Context, s string) string {
		return "ran " + s
	}, func(s string, err error) string {
		require.True(t, errors.Is(err, context.Canceled))
		return "skipped " + s
	}, "cancelled")

	assert.Equal(t, []string{"skipped a", "skipped b"}, got)
}

func TestProcessBatchEmpty(t *testing.T) {
	got := ProcessBatch(context.Background(), NewParallelProcessor(2), nil, func(_ context.Context, n int) int { return n }, nil, "empty")
	assert.Empty(t, got)
}

func TestProgressTrackerReportsCompletion(t *testing.T) {
	var buf bytes.Buffer
	pt := NewProgressTracker(2, "chunks", &buf)
	pt.Increment()
	pt.Increment()

	processed, total, pct := pt.GetProgress()
	assert.Equal(t, int64(2), processed)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, 100.0, pct)
	assert.Contains(t, buf.String(), "chunks: 2/2 (100.0%)")
}

func TestProcessBatchCancelledWithoutSkipHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int64
	got := ProcessBatch(ctx, NewParallelProcessor(2), []int{1, 2, 3}, func(_ context.Context, n int) int {
		atomic.AddInt64(&ran, 1)
		return n
	}, nil, "cancelled")

	assert.Equal(t, []int{0, 0, 0}, got)
	assert.Zero(t, atomic.LoadInt64(&ran))
}
