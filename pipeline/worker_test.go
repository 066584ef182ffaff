package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsaid97/go-spatial-overlay/features"
)

func newTestWorker(t *testing.T, eng *fakeEngine) (*Worker, features.Ref) {
	t.Helper()
	dir := t.TempDir()
	target := writeTargets(t, dir, 10)
	ws, err := features.NewWorkspace(filepath.Join(dir, "scratch"))
	require.NoError(t, err)
	return &Worker{Engine: eng, Workspace: ws}, target
}

func workItem(target features.Ref, index int, chunkIDs []features.Identifier) WorkItem {
	return WorkItem{
		Chunk:      Chunk{Index: index, Predicate: features.IDSet(chunkIDs), IDs: chunkIDs},
		Source:     "source.geojson",
		Target:     target,
		Attributes: []string{"POP"},
	}
}

func scratchFiles(t *testing.T, w *Worker) []string {
	t.Helper()
	entries, err := os.ReadDir(w.Workspace.Dir)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

func TestWorkerRunKeepsOutputAndDeletesView(t *testing.T) {
	w, target := newTestWorker(t, &fakeEngine{})

	res := w.Run(context.Background(), workItem(target, 1, ids(5, 8)))
	require.False(t, res.Failed, res.Reason)
	assert.Equal(t, 1, res.ChunkIndex)
	assert.Equal(t, 4, res.Records)
	assert.Equal(t, ids(5, 8), readIDs(t, res.Output))

	files := scratchFiles(t, w)
	require.Len(t, files, 1)
	assert.Regexp(t, `^overlay_[0-9a-f]{32}\.geojson$`, files[0])
}

func TestWorkerRunConvertsEngineErrorToFailure(t *testing.T) {
	w, target := newTestWorker(t, &fakeEngine{failOn: map[features.Identifier]bool{6: true}})

	res := w.Run(context.Background(), workItem(target, 1, ids(5, 8)))
	assert.True(t, res.Failed)
	assert.Equal(t, 1, res.ChunkIndex)
	assert.Contains(t, res.Reason, "cannot overlay 6")
	assert.Empty(t, scratchFiles(t, w), "view and partial output must be removed")
}

func TestWorkerRunRecoversFromPanic(t *testing.T) {
	w, target := newTestWorker(t, &fakeEngine{panicOn: map[features.Identifier]bool{2: true}})

	res := w.Run(context.Background(), workItem(target, 0, ids(1, 4)))
	assert.True(t, res.Failed)
	assert.Contains(t, res.Reason, "panicked")
	assert.Empty(t, scratchFiles(t, w))
}

func TestWorkerRunRejectsSelectionMismatch(t *testing.T) {
	eng := &fakeEngine{}
	w, target := newTestWorker(t, eng)

	// 11 is not in the target, so the view comes back short
	res := w.Run(context.Background(), workItem(target, 2, []features.Identifier{9, 10, 11}))
	assert.True(t, res.Failed)
	assert.Contains(t, res.Reason, "invalid selection")
	assert.Equal(t, 0, eng.Calls())
	assert.Empty(t, scratchFiles(t, w))
}

func TestWorkerRunReportsMissingTarget(t *testing.T) {
	w, _ := newTestWorker(t, &fakeEngine{})

	res := w.Run(context.Background(), workItem("missing.geojson", 0, ids(1, 2)))
	assert.True(t, res.Failed)
	assert.Contains(t, res.Reason, "failed to open target")
}

func TestWorkerRunSameChunkConcurrentlyUsesDistinctNames(t *testing.T) {
	w, target := newTestWorker(t, &fakeEngine{})
	item := workItem(target, 0, ids(1, 4))

	const attempts = 8
	results := make([]PartialResult, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = w.Run(context.Background(), item)
		}(i)
	}
	wg.Wait()

	outputs := make(map[string]bool)
	for _, r := range results {
		require.False(t, r.Failed, r.Reason)
		assert.False(t, outputs[r.Output], "output %s reused", r.Output)
		outputs[r.Output] = true
		assert.Equal(t, ids(1, 4), readIDs(t, r.Output))
	}
	assert.Len(t, scratchFiles(t, w), attempts)
}
