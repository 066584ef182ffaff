// Package pipeline partitions the target identifier space into chunks, runs
// the overlay of each chunk in a bounded pool of isolated workers and merges
// the partial outputs into one destination.
package pipeline

import (
	"github.com/bsaid97/go-spatial-overlay/features"
)

// Chunk is one contiguous slice of the target identifiers. Its predicate
// selects exactly IDs.
type Chunk struct {
	Index     int                   `json:"index"`
	Predicate features.Predicate    `json:"predicate"`
	IDs       []features.Identifier `json:"ids"`
}

// WorkItem is everything a worker needs to process one chunk. It holds only
// plain values so it can be sent to another process.
type WorkItem struct {
	Chunk      Chunk        `json:"chunk"`
	Source     features.Ref `json:"source"`
	Target     features.Ref `json:"target"`
	Attributes []string     `json:"attributes"`
}

// PartialResult is the terminal outcome of one chunk attempt.
type PartialResult struct {
	ChunkIndex int    `json:"chunk_index"`
	Failed     bool   `json:"failed"`
	Output     string `json:"output,omitempty"`
	Records    int    `json:"records"`
	Reason     string `json:"reason,omitempty"`
}

// Success returns a successful result pointing at the chunk's partial output.
func Success(index int, output string, records int) PartialResult {
	return PartialResult{ChunkIndex: index, Output: output, Records: records}
}

// Failure returns a failed result with a human-readable reason.
func Failure(index int, reason string) PartialResult {
	return PartialResult{ChunkIndex: index, Failed: true, Reason: reason}
}

type ChunkFailure struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Summary reports the outcome of every chunk of a run.
type Summary struct {
	SucceededChunks []int          `json:"succeeded_chunks"`
	FailedChunks    []ChunkFailure `json:"failed_chunks"`
	TotalRecordsIn  int            `json:"total_records_in"`
	TotalRecordsOut int            `json:"total_records_out"`
}

// MergedOutput names the combined destination and summarises the run. When
// chunks failed, Output covers only the successful ones.
type MergedOutput struct {
	RunID   string  `json:"run_id"`
	Output  string  `json:"output"`
	Summary Summary `json:"summary"`
}

// Failed reports whether any chunk failed.
func (m *MergedOutput) Failed() bool {
	return len(m.Summary.FailedChunks) > 0
}
