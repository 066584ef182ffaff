package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsaid97/go-spatial-overlay/features"
)

// partials runs the fake engine over each chunk and returns the chunks and
// their successful results.
func partials(t *testing.T, dir string, chunkIDs ...[]features.Identifier) ([]Chunk, []PartialResult) {
	t.Helper()
	target := writeTargets(t, dir, 10)
	ws, err := features.NewWorkspace(filepath.Join(dir, "scratch"))
	require.NoError(t, err)
	w := &Worker{Engine: &fakeEngine{}, Workspace: ws}

	var chunks []Chunk
	var results []PartialResult
	for i, c := range chunkIDs {
		item := workItem(target, i, c)
		chunks = append(chunks, item.Chunk)
		res := w.Run(context.Background(), item)
		require.False(t, res.Failed, res.Reason)
		results = append(results, res)
	}
	return chunks, results
}

func TestMergeConcatenatesSuccessesInChunkOrder(t *testing.T) {
	dir := t.TempDir()
	chunks, results := partials(t, dir, ids(1, 4), ids(5, 8), ids(9, 10))
	results[1] = Failure(1, "engine error")

	// completion order must not matter
	shuffled := []PartialResult{results[2], results[1], results[0]}
	dest := filepath.Join(dir, "out.geojson")

	m := &Merger{}
	out, err := m.Merge(context.Background(), chunks, shuffled, features.Ref(dest))
	require.NoError(t, err)

	assert.Equal(t, dest, out.Output)
	assert.True(t, out.Failed())
	assert.Equal(t, []int{0, 2}, out.Summary.SucceededChunks)
	assert.Equal(t, []ChunkFailure{{Index: 1, Reason: "engine error"}}, out.Summary.FailedChunks)
	assert.Equal(t, 10, out.Summary.TotalRecordsIn)
	assert.Equal(t, 6, out.Summary.TotalRecordsOut)

	want := append(ids(1, 4), ids(9, 10)...)
	assert.Equal(t, want, readIDs(t, dest))
}

func TestMergeReportsChunkWithoutResult(t *testing.T) {
	dir := t.TempDir()
	chunks, results := partials(t, dir, ids(1, 5), ids(6, 10))

	out, err := (&Merger{}).Merge(context.Background(), chunks, results[:1], features.Ref(filepath.Join(dir, "out.geojson")))
	require.NoError(t, err)
	assert.Equal(t, []int{0}, out.Summary.SucceededChunks)
	require.Len(t, out.Summary.FailedChunks, 1)
	assert.Equal(t, 1, out.Summary.FailedChunks[0].Index)
	assert.Equal(t, "no result", out.Summary.FailedChunks[0].Reason)
}

func TestMergeWithoutResultsWritesEmptyDestination(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.geojson")
	out, err := (&Merger{}).Merge(context.Background(), nil, nil, features.Ref(dest))
	require.NoError(t, err)
	assert.False(t, out.Failed())
	assert.Equal(t, 0, out.Summary.TotalRecordsOut)
	assert.Empty(t, readIDs(t, dest))
}

func TestMergeRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	chunks, results := partials(t, dir, ids(1, 10))
	dest := features.Ref(filepath.Join(dir, "out.geojson"))

	_, err := (&Merger{}).Merge(context.Background(), chunks, results, dest)
	require.NoError(t, err)

	_, err = (&Merger{}).Merge(context.Background(), chunks, results, dest)
	assert.ErrorIs(t, err, ErrMerge)
	assert.ErrorIs(t, err, features.ErrDestinationExists)

	out, err := (&Merger{Overwrite: true}).Merge(context.Background(), chunks, results, dest)
	require.NoError(t, err)
	assert.Equal(t, 10, out.Summary.TotalRecordsOut)
}

func TestMergeWritesShapefileDestination(t *testing.T) {
	dir := t.TempDir()
	chunks, results := partials(t, dir, ids(1, 3), ids(4, 6))
	dest := filepath.Join(dir, "out.shp")

	out, err := (&Merger{}).Merge(context.Background(), chunks, results, features.Ref(dest))
	require.NoError(t, err)
	assert.Equal(t, 6, out.Summary.TotalRecordsOut)

	coll, err := features.Open(context.Background(), features.Ref(dest), features.Options{})
	require.NoError(t, err)
	defer coll.Close()
	got, err := coll.Identifiers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ids(1, 6), got)
}

func TestMergeUnwritableDestination(t *testing.T) {
	_, err := (&Merger{}).Merge(context.Background(), nil, nil, features.Ref("out.csv"))
	assert.ErrorIs(t, err, ErrMerge)
}
