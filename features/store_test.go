package features

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func square(x, y, size float64) *geom.Polygon {
	return geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y},
	}})
}

func testFeatures(n int) []Feature {
	feats := make([]Feature, n)
	for i := range feats {
		feats[i] = Feature{
			ID:         Identifier(i + 1),
			Geometry:   square(float64(i), 0, 1),
			Properties: map[string]interface{}{"NAME": "zone"},
		}
	}
	return feats
}

func TestGeoJSONRoundTripKeepsIdentifiersAndOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.geojson")
	feats := []Feature{
		{ID: 30, Geometry: square(0, 0, 1), Properties: map[string]interface{}{"NAME": "c"}},
		{ID: 10, Geometry: square(1, 0, 1), Properties: map[string]interface{}{"NAME": "a"}},
		{ID: 20, Geometry: square(2, 0, 1), Properties: map[string]interface{}{"NAME": "b"}},
	}
	require.NoError(t, WriteGeoJSON(path, feats, DefaultIDField))

	coll, err := Open(context.Background(), Ref(path), Options{})
	require.NoError(t, err)
	defer coll.Close()

	ids, err := coll.Identifiers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Identifier{30, 10, 20}, ids)

	got, err := coll.Select(context.Background(), IDSet([]Identifier{20, 30}))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Identifier(30), got[0].ID)
	assert.Equal(t, "b", got[1].Properties["NAME"])
}

func TestDecodeGeoJSONIdentifierFallbacks(t *testing.T) {
	data := []byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","id":"42","geometry":{"type":"Point","coordinates":[0,0]},"properties":{}},
		{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{"OBJECTID":"7"}},
		{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{"objectid":8}},
		{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{}}
	]}`)

	feats, err := DecodeGeoJSON(data, DefaultIDField)
	require.NoError(t, err)
	require.Len(t, feats, 4)
	assert.Equal(t, Identifier(42), feats[0].ID)
	assert.Equal(t, Identifier(7), feats[1].ID)
	assert.Equal(t, Identifier(8), feats[2].ID)
	assert.Equal(t, Identifier(4), feats[3].ID)
}

func TestDecodeGeoJSONRejectsFractionalIdentifier(t *testing.T) {
	data := []byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{"OBJECTID":1.5}}
	]}`)
	_, err := DecodeGeoJSON(data, DefaultIDField)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestShapefileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.shp")

	withHole := geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{
		{{0, 0}, {4, 0}, {4, 4}, {0, 4}, {0, 0}},
		{{1, 1}, {1, 2}, {2, 2}, {2, 1}, {1, 1}},
	})
	multi := geom.NewMultiPolygon(geom.XY).MustSetCoords([][][]geom.Coord{
		{{{10, 0}, {11, 0}, {11, 1}, {10, 1}, {10, 0}}},
		{{{20, 0}, {21, 0}, {21, 1}, {20, 1}, {20, 0}}},
	})
	feats := []Feature{
		{ID: 1, Geometry: withHole, Properties: map[string]interface{}{"TOTPOP_CY": 12.5, "NAME": "first"}},
		{ID: 2, Geometry: multi, Properties: map[string]interface{}{"TOTPOP_CY": 3.25, "NAME": "second"}},
	}
	require.NoError(t, WriteShapefile(path, feats, DefaultIDField))

	got, err := ReadShapefile(path, DefaultIDField)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, Identifier(1), got[0].ID)
	assert.Equal(t, "first", got[0].Properties["NAME"])
	assert.InDelta(t, 12.5, got[0].Properties["TOTPOP_CY"], 1e-6)
	p, ok := got[0].Geometry.(*geom.Polygon)
	require.True(t, ok, "got %T", got[0].Geometry)
	assert.Equal(t, 2, p.NumLinearRings())
	assert.Len(t, p.LinearRing(1).Coords(), 5)

	mp, ok := got[1].Geometry.(*geom.MultiPolygon)
	require.True(t, ok, "got %T", got[1].Geometry)
	assert.Equal(t, 2, mp.NumPolygons())
}

func TestShapefileWithoutFeaturesIsWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.shp")
	require.NoError(t, WriteShapefile(path, nil, DefaultIDField))

	got, err := ReadShapefile(path, DefaultIDField)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMakeViewUsesUniqueScratchNames(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	coll := newMemCollection(testFeatures(5), DefaultIDField)
	p := IDSet([]Identifier{2, 3})

	first, err := MakeView(context.Background(), coll, p, ws, DefaultIDField)
	require.NoError(t, err)
	second, err := MakeView(context.Background(), coll, p, ws, DefaultIDField)
	require.NoError(t, err)

	assert.NotEqual(t, first.Name, second.Name)
	assert.NotEqual(t, first.Path, second.Path)
	assert.Equal(t, []Identifier{2, 3}, first.IDs)
	assert.Equal(t, "OBJECTID = 2 OR OBJECTID = 3", first.Query)

	feats, err := ReadGeoJSON(first.Path, DefaultIDField)
	require.NoError(t, err)
	assert.Len(t, feats, 2)

	require.NoError(t, first.Delete())
	require.NoError(t, first.Delete())
	assert.False(t, ws.Exists(first.Path))
	assert.True(t, ws.Exists(second.Path))
}

func TestWriteHonoursOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.geojson")
	ctx := context.Background()

	require.NoError(t, Write(ctx, Ref(path), testFeatures(2), DefaultIDField, false))
	err := Write(ctx, Ref(path), testFeatures(1), DefaultIDField, false)
	assert.ErrorIs(t, err, ErrDestinationExists)

	require.NoError(t, Write(ctx, Ref(path), testFeatures(1), DefaultIDField, true))
	feats, err := ReadGeoJSON(path, DefaultIDField)
	require.NoError(t, err)
	assert.Len(t, feats, 1)
}

func TestWriteRejectsUnknownDestination(t *testing.T) {
	err := Write(context.Background(), Ref("out.gpkg"), nil, DefaultIDField, true)
	assert.ErrorIs(t, err, ErrUnsupportedRef)
}

func TestMergeConcatenatesInGivenOrder(t *testing.T) {
	dir := t.TempDir()
	all := testFeatures(5)
	a := filepath.Join(dir, "a.geojson")
	b := filepath.Join(dir, "b.geojson")
	require.NoError(t, WriteGeoJSON(a, all[3:], DefaultIDField))
	require.NoError(t, WriteGeoJSON(b, all[:3], DefaultIDField))

	dest := filepath.Join(dir, "merged", "out.geojson")
	n, err := Merge(context.Background(), []string{b, a}, Ref(dest), DefaultIDField, false)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	merged, err := ReadGeoJSON(dest, DefaultIDField)
	require.NoError(t, err)
	ids := make([]Identifier, len(merged))
	for i, f := range merged {
		ids[i] = f.ID
	}
	assert.Equal(t, []Identifier{1, 2, 3, 4, 5}, ids)
}

func TestWorkspaceDeleteIsIdempotent(t *testing.T) {
	ws, err := NewWorkspace(filepath.Join(t.TempDir(), "scratch"))
	require.NoError(t, err)

	path := ws.ScratchPath("overlay", ".geojson")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))
	assert.True(t, ws.Exists(path))
	require.NoError(t, ws.Delete(path))
	require.NoError(t, ws.Delete(path))
	assert.False(t, ws.Exists(path))
}

func TestParseMongoRef(t *testing.T) {
	loc, err := ParseMongoRef(Ref("mongodb://localhost:27017/gis/targets?authSource=admin"))
	require.NoError(t, err)
	assert.Equal(t, "gis", loc.Database)
	assert.Equal(t, "targets", loc.Collection)
	assert.Equal(t, "mongodb://localhost:27017/gis?authSource=admin", loc.URI)

	_, err = ParseMongoRef(Ref("mongodb://localhost:27017/gis"))
	assert.ErrorIs(t, err, ErrUnsupportedRef)
}

func TestRefKind(t *testing.T) {
	assert.Equal(t, "geojson", Ref("a/b.GeoJSON").Kind())
	assert.Equal(t, "shapefile", Ref("a/b.shp").Kind())
	assert.Equal(t, "mongodb", Ref("mongodb://h/db/c").Kind())
	assert.Equal(t, "", Ref("a/b.gdb").Kind())
}
