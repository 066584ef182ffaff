package pipeline

import (
	"fmt"
	"runtime"

	"github.com/bsaid97/go-spatial-overlay/features"
)

// WorkerCount sizes the pool for the given number of execution units,
// leaving one for the controller but never going below one.
func WorkerCount(units int) int {
	if units-1 < 1 {
		return 1
	}
	return units - 1
}

// DefaultWorkerCount sizes the pool for this host.
func DefaultWorkerCount() int {
	return WorkerCount(runtime.NumCPU())
}

// Plan splits ids into contiguous chunks of ceil(len(ids)/workerCount),
// keeping the input order. The last chunk may be shorter. An empty input
// yields no chunks.
func Plan(ids []features.Identifier, workerCount int) ([]Chunk, error) {
	if workerCount < 1 {
		return nil, fmt.Errorf("%w: worker count %d, need at least 1", ErrPlanning, workerCount)
	}
	size := (len(ids) + workerCount - 1) / workerCount
	return PlanBySize(ids, size)
}

// PlanBySize splits ids into contiguous chunks of at most size identifiers.
func PlanBySize(ids []features.Identifier, size int) ([]Chunk, error) {
	if len(ids) == 0 {
		return []Chunk{}, nil
	}
	if size < 1 {
		return nil, fmt.Errorf("%w: chunk size %d, need at least 1", ErrPlanning, size)
	}

	seen := make(map[features.Identifier]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate identifier %s", ErrPlanning, id)
		}
		seen[id] = struct{}{}
	}

	chunks := make([]Chunk, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		part := make([]features.Identifier, end-start)
		copy(part, ids[start:end])
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			Predicate: features.IDSet(part),
			IDs:       part,
		})
	}
	return chunks, nil
}
