package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/bsaid97/go-spatial-overlay/utils"
)

// Dispatcher fans work items out to a bounded pool of executors and collects
// exactly one result per item.
type Dispatcher struct {
	Executor Executor

	// ChunkTimeout bounds each attempt; zero means no limit.
	ChunkTimeout time.Duration

	Logger   *slog.Logger
	Progress io.Writer
}

// Execute runs every item once, at most workerCount at a time, and blocks
// until all have a result. Results are sorted by chunk index. When ctx ends,
// running attempts and items not yet started are reported as failures.
func (d *Dispatcher) Execute(ctx context.Context, items []WorkItem, workerCount int) ([]PartialResult, error) {
	if workerCount < 1 {
		return nil, fmt.Errorf("%w: worker count %d, need at least 1", ErrPlanning, workerCount)
	}
	seen := make(map[int]struct{}, len(items))
	for _, item := range items {
		if _, dup := seen[item.Chunk.Index]; dup {
			return nil, fmt.Errorf("%w: chunk %d submitted twice", ErrPlanning, item.Chunk.Index)
		}
		seen[item.Chunk.Index] = struct{}{}
	}

	logger := d.logger()
	logger.Info("dispatching chunks", "chunks", len(items), "workers", workerCount)

	pp := utils.NewParallelProcessor(workerCount)
	pp.Progress = d.Progress
	results := utils.ProcessBatch(ctx, pp, items, d.attempt, func(item WorkItem, err error) PartialResult {
		return Failure(item.Chunk.Index, "not started: "+interruptedReason(err))
	}, "chunks")

	sort.Slice(results, func(i, j int) bool { return results[i].ChunkIndex < results[j].ChunkIndex })

	for _, r := range results {
		if r.Failed {
			logger.Warn("chunk failed", "chunk", r.ChunkIndex, "reason", r.Reason)
		} else {
			logger.Debug("chunk finished", "chunk", r.ChunkIndex, "records", r.Records, "output", r.Output)
		}
	}
	return results, nil
}

// attempt runs one item under the chunk timeout. After expiry the attempt is
// reported as failed, but the pool slot is held until the executor observes
// the cancelled context and returns, so no executor outlives Execute or the
// run's scratch directory. Its late result is discarded.
func (d *Dispatcher) attempt(ctx context.Context, item WorkItem) PartialResult {
	index := item.Chunk.Index

	actx, cancel := ctx, context.CancelFunc(func() {})
	if d.ChunkTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, d.ChunkTimeout)
	}
	defer cancel()

	done := make(chan PartialResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failure(index, fmt.Sprintf("executor panicked: %v", r))
			}
		}()
		done <- d.Executor.Execute(actx, item)
	}()

	select {
	case r := <-done:
		if r.ChunkIndex != index {
			return Failure(index, fmt.Sprintf("result for chunk %d returned for chunk %d", r.ChunkIndex, index))
		}
		if r.Failed && actx.Err() != nil {
			return Failure(index, d.interrupted(ctx, actx))
		}
		return r
	case <-actx.Done():
		reason := d.interrupted(ctx, actx)
		<-done
		return Failure(index, reason)
	}
}

func (d *Dispatcher) interrupted(run, attempt context.Context) string {
	if d.ChunkTimeout > 0 && run.Err() == nil {
		return fmt.Sprintf("timed out after %s", d.ChunkTimeout)
	}
	return interruptedReason(attempt.Err())
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}
