package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/bsaid97/go-spatial-overlay/features"
)

func bowtie() *geom.Polygon {
	return geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{0, 0}, {2, 2}, {2, 0}, {0, 2}, {0, 0},
	}})
}

func TestCheckGeometriesReportsInvalidAndMissing(t *testing.T) {
	feats := []features.Feature{
		{ID: 1, Geometry: rect(0, 0, 1, 1)},
		{ID: 2, Geometry: bowtie()},
		{ID: 3},
	}

	issues := CheckGeometries(feats)
	require.Len(t, issues, 2)
	assert.Equal(t, features.Identifier(2), issues[0].ID)
	assert.Contains(t, issues[0].Reason, "Self-intersection")
	assert.Equal(t, GeometryIssue{ID: 3, Reason: "missing geometry"}, issues[1])
}

func TestRepairGeometriesFixesAndRounds(t *testing.T) {
	feats := []features.Feature{
		{ID: 1, Geometry: rect(0.123456, 0.123456, 1, 1), Properties: map[string]interface{}{"NAME": "a"}},
		{ID: 2, Geometry: bowtie()},
		{ID: 3},
	}

	kept, issues := RepairGeometries(context.Background(), feats, 2, 2)
	require.Len(t, kept, 2)
	require.Len(t, issues, 1)
	assert.Equal(t, features.Identifier(3), issues[0].ID)

	assert.Equal(t, features.Identifier(1), kept[0].ID)
	assert.Equal(t, "a", kept[0].Properties["NAME"])
	p, ok := kept[0].Geometry.(*geom.Polygon)
	require.True(t, ok)
	first := p.LinearRing(0).Coord(0)
	assert.Contains(t, []float64{0.12, 1.12}, first.X())

	assert.Empty(t, CheckGeometries(kept))
}
