package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bsaid97/go-spatial-overlay/features"
)

// Merger combines the partial outputs of a run into the destination.
type Merger struct {
	IDField   string
	Overwrite bool
	Logger    *slog.Logger
}

// Merge writes the successful partial outputs, in chunk order, to
// destination exactly once and summarises every chunk. chunks, when given,
// are the planned chunks: a chunk without a result is reported as failed and
// their sizes are checked against the records written.
func (m *Merger) Merge(ctx context.Context, chunks []Chunk, results []PartialResult, destination features.Ref) (*MergedOutput, error) {
	logger := m.logger()

	byIndex := make(map[int]PartialResult, len(results))
	for _, r := range results {
		if _, dup := byIndex[r.ChunkIndex]; dup {
			logger.Warn("duplicate result ignored", "chunk", r.ChunkIndex)
			continue
		}
		byIndex[r.ChunkIndex] = r
	}

	expected := make(map[int]int, len(chunks))
	for _, c := range chunks {
		expected[c.Index] = len(c.IDs)
		if _, ok := byIndex[c.Index]; !ok {
			byIndex[c.Index] = Failure(c.Index, "no result")
		}
	}

	indices := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	summary := Summary{
		SucceededChunks: make([]int, 0, len(indices)),
		FailedChunks:    make([]ChunkFailure, 0),
	}
	partials := make([]string, 0, len(indices))
	var successRecords int
	for _, i := range indices {
		r := byIndex[i]
		if chunks != nil {
			if _, planned := expected[i]; !planned {
				logger.Warn("result for unplanned chunk ignored", "chunk", i)
				continue
			}
		}
		if r.Failed {
			summary.FailedChunks = append(summary.FailedChunks, ChunkFailure{Index: i, Reason: r.Reason})
			continue
		}
		if size, ok := expected[i]; ok && r.Records != size {
			logger.Warn("chunk record count differs from its size", "chunk", i, "records", r.Records, "size", size)
		}
		summary.SucceededChunks = append(summary.SucceededChunks, i)
		partials = append(partials, r.Output)
		successRecords += r.Records
	}

	if chunks != nil {
		for _, c := range chunks {
			summary.TotalRecordsIn += len(c.IDs)
		}
	} else {
		summary.TotalRecordsIn = successRecords
	}

	written, err := features.Merge(ctx, partials, destination, m.idField(), m.Overwrite)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMerge, err)
	}
	summary.TotalRecordsOut = written
	if written != successRecords {
		logger.Warn("merged record count differs from chunk results", "written", written, "expected", successRecords)
	}

	logger.Info("merged partial outputs",
		"destination", string(destination),
		"succeeded", len(summary.SucceededChunks),
		"failed", len(summary.FailedChunks),
		"records", written)

	return &MergedOutput{Output: string(destination), Summary: summary}, nil
}

func (m *Merger) idField() string {
	if m.IDField == "" {
		return features.DefaultIDField
	}
	return m.IDField
}

func (m *Merger) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}
