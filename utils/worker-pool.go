package utils

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tj/go-spin"
)

// Job pairs an item with its position in the submitted batch.
type Job[J any] struct {
	Seq  int
	Item J
}

// Result pairs a job's output with the position of the job that produced it.
type Result[R any] struct {
	Seq   int
	Value R
}

// WorkerPool manages a fixed set of goroutines pulling jobs from a queue.
type WorkerPool[J, R any] struct {
	NumWorkers int
	JobQueue   chan Job[J]
	Results    chan Result[R]
	wg         sync.WaitGroup
	started    bool
	mu         sync.Mutex
}

// NewWorkerPool creates a pool with numWorkers goroutines. Zero or a
// negative count falls back to the number of CPUs.
func NewWorkerPool[J, R any](numWorkers int, jobBufferSize int, resultBufferSize int) *WorkerPool[J, R] {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	return &WorkerPool[J, R]{
		NumWorkers: numWorkers,
		JobQueue:   make(chan Job[J], jobBufferSize),
		Results:    make(chan Result[R], resultBufferSize),
	}
}

// StartWorkers starts the worker goroutines with the given work function.
// Calling it twice is a no-op.
func (wp *WorkerPool[J, R]) StartWorkers(workFunc func(J) R) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started {
		return
	}

	wp.started = true
	wp.wg.Add(wp.NumWorkers)

	for i := 0; i < wp.NumWorkers; i++ {
		go wp.worker(workFunc)
	}
}

func (wp *WorkerPool[J, R]) worker(workFunc func(J) R) {
	defer wp.wg.Done()

	for job := range wp.JobQueue {
		wp.Results <- Result[R]{Seq: job.Seq, Value: workFunc(job.Item)}
	}
}

// SubmitJob adds a job to the job queue.
func (wp *WorkerPool[J, R]) SubmitJob(job Job[J]) {
	wp.JobQueue <- job
}

// Wait blocks until every worker has drained the closed job queue.
func (wp *WorkerPool[J, R]) Wait() {
	wp.wg.Wait()
}

// ProgressTracker counts finished items and reports them to Out with a
// spinner. A nil Out disables reporting.
type ProgressTracker struct {
	Total     int64
	Processed int64
	StartTime time.Time
	Name      string
	Out       io.Writer

	mu      sync.Mutex
	spinner *spin.Spinner
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(total int64, name string, out io.Writer) *ProgressTracker {
	return &ProgressTracker{
		Total:     total,
		StartTime: time.Now(),
		Name:      name,
		Out:       out,
		spinner:   spin.New(),
	}
}

// Increment increments the processed count atomically.
func (pt *ProgressTracker) Increment() {
	processed := atomic.AddInt64(&pt.Processed, 1)
	if pt.Out == nil {
		return
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	elapsed := time.Since(pt.StartTime)
	rate := float64(processed) / elapsed.Seconds()
	percentage := 100.0
	if pt.Total > 0 {
		percentage = float64(processed) / float64(pt.Total) * 100
	}
	frame := pt.spinner.Next()
	if processed >= pt.Total {
		frame = "✓"
	}
	fmt.Fprintf(pt.Out, "\r%s %s: %d/%d (%.1f%%) - %.1f items/sec", frame, pt.Name, processed, pt.Total, percentage, rate)
	if processed >= pt.Total {
		fmt.Fprintln(pt.Out)
	}
}

// GetProgress returns the processed count, the total and the percentage done.
func (pt *ProgressTracker) GetProgress() (int64, int64, float64) {
	processed := atomic.LoadInt64(&pt.Processed)
	if pt.Total == 0 {
		return processed, 0, 100
	}
	percentage := float64(processed) / float64(pt.Total) * 100
	return processed, pt.Total, percentage
}

// ParallelProcessor runs batches of items through a bounded worker pool.
type ParallelProcessor struct {
	NumWorkers int

	// Progress, when set, receives one line per finished item.
	Progress io.Writer
}

// NewParallelProcessor creates a new parallel processor.
func NewParallelProcessor(numWorkers int) *ParallelProcessor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	return &ParallelProcessor{
		NumWorkers: numWorkers,
	}
}

// ProcessBatch runs workFunc over items with at most NumWorkers running at
// once and returns the results in item order, whatever order they finish in.
// Items not yet started when ctx is done are handed to onSkip instead; a nil
// onSkip leaves their result at the zero value.
func ProcessBatch[J, R any](ctx context.Context, pp *ParallelProcessor, items []J, workFunc func(context.Context, J) R, onSkip func(J, error) R, progressName string) []R {
	if len(items) == 0 {
		return []R{}
	}

	tracker := NewProgressTracker(int64(len(items)), progressName, pp.Progress)

	numWorkers := pp.NumWorkers
	if numWorkers > len(items) {
		numWorkers = len(items)
	}
	wp := NewWorkerPool[J, R](numWorkers, len(items), len(items))

	wp.StartWorkers(func(item J) R {
		defer tracker.Increment()
		if err := ctx.Err(); err != nil {
			if onSkip == nil {
				var zero R
				return zero
			}
			return onSkip(item, err)
		}
		return workFunc(ctx, item)
	})

	for i, item := range items {
		wp.SubmitJob(Job[J]{Seq: i, Item: item})
	}
	close(wp.JobQueue)

	results := make([]R, len(items))
	for i := 0; i < len(items); i++ {
		r := <-wp.Results
		results[r.Seq] = r.Value
	}

	wp.Wait()
	close(wp.Results)

	return results
}
