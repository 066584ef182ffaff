package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bsaid97/go-spatial-overlay/engine"
	"github.com/bsaid97/go-spatial-overlay/features"
)

// Worker runs the overlay of one chunk. Every scratch artifact it creates is
// named with a fresh token, so repeated or concurrent attempts on the same
// chunk never collide.
type Worker struct {
	Engine    engine.Engine
	Workspace *features.Workspace
	IDField   string
	Logger    *slog.Logger
}

// Run selects the chunk's records into a view, overlays them and returns
// the partial output. Errors and panics come back as a Failure; Run never
// panics. The view is deleted on every path, the partial output is kept on
// success only.
func (w *Worker) Run(ctx context.Context, item WorkItem) (result PartialResult) {
	index := item.Chunk.Index
	logger := w.logger().With("chunk", index)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panicked", "panic", r)
			result = Failure(index, fmt.Sprintf("worker panicked: %v", r))
		}
	}()

	coll, err := features.Open(ctx, item.Target, features.Options{IDField: w.idField()})
	if err != nil {
		return Failure(index, fmt.Sprintf("failed to open target: %v", err))
	}
	defer coll.Close()

	view, err := features.MakeView(ctx, coll, item.Chunk.Predicate, w.Workspace, w.idField())
	if err != nil {
		return Failure(index, fmt.Sprintf("failed to make view: %v", err))
	}
	defer func() {
		if err := view.Delete(); err != nil {
			logger.Warn("failed to delete view", "view", view.Name, "error", err)
		}
	}()

	if reason := checkSelection(view.IDs, item.Chunk.IDs); reason != "" {
		return Failure(index, "invalid selection: "+reason)
	}

	output := w.Workspace.ScratchPath("overlay", ".geojson")
	if w.Workspace.Exists(output) {
		if err := w.Workspace.Delete(output); err != nil {
			return Failure(index, err.Error())
		}
	}

	logger.Debug("overlaying chunk", "view", view.Name, "records", view.Count(), "output", output)
	out, err := w.Engine.Overlay(ctx, item.Source, view, item.Attributes, output, engine.Options{
		Append:        false,
		SelectionOnly: true,
	})
	if err != nil {
		w.Workspace.Delete(output)
		return Failure(index, err.Error())
	}
	return Success(index, out.Path, out.Records)
}

// checkSelection compares the identifiers a view selected with the chunk's
// and describes the first difference.
func checkSelection(got, want []features.Identifier) string {
	if len(got) != len(want) {
		return fmt.Sprintf("view holds %d records, chunk has %d", len(got), len(want))
	}
	wanted := make(map[features.Identifier]struct{}, len(want))
	for _, id := range want {
		wanted[id] = struct{}{}
	}
	for _, id := range got {
		if _, ok := wanted[id]; !ok {
			return fmt.Sprintf("view holds identifier %s outside the chunk", id)
		}
		delete(wanted, id)
	}
	for id := range wanted {
		return fmt.Sprintf("identifier %s missing from view", id)
	}
	return ""
}

func (w *Worker) idField() string {
	if w.IDField == "" {
		return features.DefaultIDField
	}
	return w.IDField
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}
