package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bsaid97/go-spatial-overlay/engine"
	"github.com/bsaid97/go-spatial-overlay/features"
)

// Config holds everything a run depends on. Nothing is read from process
// wide state, so concurrent runs do not interfere.
type Config struct {
	// Workers is the pool size; zero sizes it from the CPU count.
	Workers int

	// ChunkSize, when positive, fixes the chunk size instead of deriving it
	// from Workers.
	ChunkSize int

	IDField string

	// ScratchDir is the parent of the per-run scratch directories.
	ScratchDir  string
	KeepScratch bool

	// Overwrite allows the merge to replace an existing destination.
	Overwrite bool

	ChunkTimeout time.Duration
	RunTimeout   time.Duration

	Logger   *slog.Logger
	Progress io.Writer
}

// Request names the inputs and the destination of one run.
type Request struct {
	Source     features.Ref
	Target     features.Ref
	Attributes []string
	Output     features.Ref

	// Where, when set, restricts the target records that are planned.
	Where *features.Predicate
}

// Run is the record of a finished run handed to a Recorder.
type Run struct {
	ID         string
	Request    Request
	Result     *MergedOutput
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder persists finished runs.
type Recorder interface {
	RecordRun(ctx context.Context, run Run) error
}

// Controller wires planning, dispatch and merge into one run.
type Controller struct {
	Config Config
	Engine engine.Engine

	// NewExecutor builds the executor for a run's scratch workspace. Nil
	// runs workers in-process on Engine.
	NewExecutor func(ws *features.Workspace) Executor

	Recorder Recorder
}

// Run executes req. When chunks fail, the merged output of the successful
// chunks is returned together with ErrChunkFailures.
func (c *Controller) Run(ctx context.Context, req Request) (*MergedOutput, error) {
	runID := uuid.NewString()
	logger := c.logger().With("run", runID)
	started := time.Now()

	if c.Config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Config.RunTimeout)
		defer cancel()
	}

	out, err := c.run(ctx, runID, req, logger)
	if r, ok := c.Engine.(engine.Releaser); ok {
		r.Release()
	}

	if c.Recorder != nil {
		rec := Run{ID: runID, Request: req, Result: out, Err: err, StartedAt: started, FinishedAt: time.Now()}
		if rerr := c.Recorder.RecordRun(context.WithoutCancel(ctx), rec); rerr != nil {
			logger.Warn("failed to record run", "error", rerr)
		}
	}
	return out, err
}

func (c *Controller) run(ctx context.Context, runID string, req Request, logger *slog.Logger) (*MergedOutput, error) {
	if req.Source == "" || req.Target == "" || req.Output == "" {
		return nil, fmt.Errorf("%w: source, target and output are required", ErrPlanning)
	}
	if len(req.Attributes) == 0 {
		return nil, fmt.Errorf("%w: no attributes to apportion", ErrPlanning)
	}

	if err := c.Engine.Check(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}

	ids, err := c.identifiers(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlanning, err)
	}

	workers := c.Config.Workers
	if workers == 0 {
		workers = DefaultWorkerCount()
	}
	var chunks []Chunk
	if c.Config.ChunkSize > 0 {
		chunks, err = PlanBySize(ids, c.Config.ChunkSize)
	} else {
		chunks, err = Plan(ids, workers)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("planned run", "records", len(ids), "chunks", len(chunks), "workers", workers)

	ws, err := features.NewWorkspace(filepath.Join(c.scratchRoot(), runID))
	if err != nil {
		return nil, err
	}
	if !c.Config.KeepScratch {
		defer func() {
			if err := ws.Remove(); err != nil {
				logger.Warn("failed to remove scratch directory", "dir", ws.Dir, "error", err)
			}
		}()
	}

	results := []PartialResult{}
	if len(chunks) > 0 {
		items := make([]WorkItem, len(chunks))
		for i, chunk := range chunks {
			items[i] = WorkItem{Chunk: chunk, Source: req.Source, Target: req.Target, Attributes: req.Attributes}
		}
		d := &Dispatcher{
			Executor:     c.executor(ws, logger),
			ChunkTimeout: c.Config.ChunkTimeout,
			Logger:       logger,
			Progress:     c.Config.Progress,
		}
		if results, err = d.Execute(ctx, items, workers); err != nil {
			return nil, err
		}
	}

	// a run timeout fails the outstanding chunks but still merges the rest
	m := &Merger{IDField: c.idField(), Overwrite: c.Config.Overwrite, Logger: logger}
	out, err := m.Merge(context.WithoutCancel(ctx), chunks, results, req.Output)
	if err != nil {
		return nil, err
	}
	out.RunID = runID

	if out.Failed() {
		return out, fmt.Errorf("%w: %d of %d chunks", ErrChunkFailures, len(out.Summary.FailedChunks), len(chunks))
	}
	return out, nil
}

// identifiers lists the target identifiers to plan, in collection order.
func (c *Controller) identifiers(ctx context.Context, req Request) ([]features.Identifier, error) {
	coll, err := features.Open(ctx, req.Target, features.Options{IDField: c.idField()})
	if err != nil {
		return nil, err
	}
	defer coll.Close()

	if req.Where == nil {
		return coll.Identifiers(ctx)
	}
	selected, err := coll.Select(ctx, *req.Where)
	if err != nil {
		return nil, err
	}
	ids := make([]features.Identifier, len(selected))
	for i, f := range selected {
		ids[i] = f.ID
	}
	return ids, nil
}

func (c *Controller) executor(ws *features.Workspace, logger *slog.Logger) Executor {
	if c.NewExecutor != nil {
		return c.NewExecutor(ws)
	}
	return &InProcess{Worker: &Worker{Engine: c.Engine, Workspace: ws, IDField: c.idField(), Logger: logger}}
}

func (c *Controller) scratchRoot() string {
	if c.Config.ScratchDir != "" {
		return c.Config.ScratchDir
	}
	return filepath.Join(os.TempDir(), "go-spatial-overlay")
}

func (c *Controller) idField() string {
	if c.Config.IDField == "" {
		return features.DefaultIDField
	}
	return c.Config.IDField
}

func (c *Controller) logger() *slog.Logger {
	if c.Config.Logger == nil {
		return slog.Default()
	}
	return c.Config.Logger
}
