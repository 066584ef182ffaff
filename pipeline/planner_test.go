package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsaid97/go-spatial-overlay/features"
)

func TestPlanTenIdentifiersOnThreeWorkers(t *testing.T) {
	chunks, err := Plan(ids(1, 10), 3)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, ids(1, 4), chunks[0].IDs)
	assert.Equal(t, ids(5, 8), chunks[1].IDs)
	assert.Equal(t, ids(9, 10), chunks[2].IDs)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, features.MatchIDs, c.Predicate.Kind)
		assert.Equal(t, c.IDs, c.Predicate.IDs)
	}
	assert.Equal(t, "OBJECTID = 9 OR OBJECTID = 10", chunks[2].Predicate.Query(features.DefaultIDField))
}

func TestPlanPartitionsExactly(t *testing.T) {
	for l := 0; l <= 25; l++ {
		for w := 1; w <= 8; w++ {
			t.Run(fmt.Sprintf("L=%d/W=%d", l, w), func(t *testing.T) {
				input := ids(1, l)
				chunks, err := Plan(input, w)
				require.NoError(t, err)

				if l == 0 {
					assert.Empty(t, chunks)
					return
				}

				size := (l + w - 1) / w
				assert.Len(t, chunks, (l+size-1)/size)

				var covered []features.Identifier
				seen := make(map[features.Identifier]bool)
				for i, c := range chunks {
					if i < len(chunks)-1 {
						assert.Len(t, c.IDs, size)
					} else {
						assert.GreaterOrEqual(t, len(c.IDs), 1)
						assert.LessOrEqual(t, len(c.IDs), size)
						assert.Equal(t, l-(len(chunks)-1)*size, len(c.IDs))
					}
					for _, id := range c.IDs {
						assert.False(t, seen[id], "identifier %s in two chunks", id)
						seen[id] = true
					}
					covered = append(covered, c.IDs...)
				}
				assert.Equal(t, input, covered)
			})
		}
	}
}

func TestPlanSingleWorkerMakesOneChunk(t *testing.T) {
	chunks, err := Plan(ids(1, 7), WorkerCount(1))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, ids(1, 7), chunks[0].IDs)
}

func TestPlanKeepsInputOrder(t *testing.T) {
	input := []features.Identifier{42, 7, 19, 3}
	chunks, err := Plan(input, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []features.Identifier{42, 7}, chunks[0].IDs)
	assert.Equal(t, []features.Identifier{19, 3}, chunks[1].IDs)
}

func TestPlanDoesNotAliasInput(t *testing.T) {
	input := ids(1, 4)
	chunks, err := Plan(input, 2)
	require.NoError(t, err)
	input[0] = 99
	assert.Equal(t, features.Identifier(1), chunks[0].IDs[0])
}

func TestPlanRejectsInvalidInput(t *testing.T) {
	_, err := Plan(ids(1, 3), 0)
	assert.ErrorIs(t, err, ErrPlanning)

	_, err = Plan([]features.Identifier{1, 2, 1}, 2)
	assert.ErrorIs(t, err, ErrPlanning)

	_, err = PlanBySize(ids(1, 3), 0)
	assert.ErrorIs(t, err, ErrPlanning)
}

func TestPlanBySizeOnePerChunk(t *testing.T) {
	chunks, err := PlanBySize(ids(1, 3), 1)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, []features.Identifier{features.Identifier(i + 1)}, c.IDs)
	}
}

func TestWorkerCount(t *testing.T) {
	tests := []struct {
		units int
		want  int
	}{
		{units: 0, want: 1},
		{units: 1, want: 1},
		{units: 2, want: 1},
		{units: 4, want: 3},
		{units: 16, want: 15},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, WorkerCount(tt.units), "units=%d", tt.units)
	}
	assert.GreaterOrEqual(t, DefaultWorkerCount(), 1)
}
