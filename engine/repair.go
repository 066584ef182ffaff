package engine

import (
	"context"
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geos"

	"github.com/bsaid97/go-spatial-overlay/features"
	"github.com/bsaid97/go-spatial-overlay/utils"
)

// GeometryIssue describes an invalid or unusable feature geometry.
type GeometryIssue struct {
	ID     features.Identifier `json:"id"`
	Reason string              `json:"reason"`
}

// CheckGeometries reports every feature whose geometry is missing, cannot be
// read, or is invalid.
func CheckGeometries(feats []features.Feature) []GeometryIssue {
	gctx := geos.NewContext()
	issues := make([]GeometryIssue, 0)
	for _, f := range feats {
		if f.Geometry == nil {
			issues = append(issues, GeometryIssue{ID: f.ID, Reason: "missing geometry"})
			continue
		}
		g, err := toGeos(gctx, f)
		if err != nil {
			issues = append(issues, GeometryIssue{ID: f.ID, Reason: err.Error()})
			continue
		}
		if !g.IsValid() {
			issues = append(issues, GeometryIssue{ID: f.ID, Reason: g.IsValidReason()})
		}
		g.Destroy()
	}
	return issues
}

type repaired struct {
	feature features.Feature
	issue   *GeometryIssue
}

// RepairGeometries makes every polygon valid and, when precision is not
// negative, rounds its coordinates to that many decimals. Features that do
// not end up as a polygon or multipolygon are dropped and reported.
func RepairGeometries(ctx context.Context, feats []features.Feature, precision int, workers int) ([]features.Feature, []GeometryIssue) {
	pp := utils.NewParallelProcessor(workers)
	results := utils.ProcessBatch(ctx, pp, feats, func(ctx context.Context, f features.Feature) repaired {
		out, err := repairFeature(f, precision)
		if err != nil {
			return repaired{issue: &GeometryIssue{ID: f.ID, Reason: err.Error()}}
		}
		return repaired{feature: out}
	}, func(f features.Feature, err error) repaired {
		return repaired{issue: &GeometryIssue{ID: f.ID, Reason: err.Error()}}
	}, "repair")

	kept := make([]features.Feature, 0, len(feats))
	issues := make([]GeometryIssue, 0)
	for _, r := range results {
		if r.issue != nil {
			issues = append(issues, *r.issue)
			continue
		}
		kept = append(kept, r.feature)
	}
	return kept, issues
}

func repairFeature(f features.Feature, precision int) (out features.Feature, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("repair failed: %v", r)
		}
	}()
	if f.Geometry == nil {
		return features.Feature{}, fmt.Errorf("missing geometry")
	}

	gctx := geos.NewContext()
	g, err := toGeos(gctx, f)
	if err != nil {
		return features.Feature{}, err
	}
	if !g.IsValid() {
		g = g.MakeValidWithParams(geos.MakeValidLinework, geos.MakeValidDiscardCollapsed)
	}
	if precision >= 0 {
		if g, err = truncateGeometry(gctx, g, precision); err != nil {
			return features.Feature{}, err
		}
		if !g.IsValid() {
			g = g.MakeValidWithParams(geos.MakeValidLinework, geos.MakeValidDiscardCollapsed)
		}
	}
	if id := g.TypeID(); id != geos.TypeIDPolygon && id != geos.TypeIDMultiPolygon {
		return features.Feature{}, fmt.Errorf("repair produced geometry type %d, want a polygon", id)
	}

	var t geom.T
	if err := geojson.Unmarshal([]byte(g.ToGeoJSON(-1)), &t); err != nil {
		return features.Feature{}, fmt.Errorf("failed to convert repaired geometry: %w", err)
	}
	return features.Feature{ID: f.ID, Geometry: t, Properties: f.Properties}, nil
}

// truncateGeometry rounds the coordinates of a polygon or of each polygon of
// a collection. Holes that become invalid once rounded are dropped.
func truncateGeometry(gctx *geos.Context, g *geos.Geom, precision int) (*geos.Geom, error) {
	switch g.TypeID() {
	case geos.TypeIDPolygon:
		p := truncatePolygon(gctx, g, precision)
		if p == nil {
			return nil, fmt.Errorf("polygon collapsed")
		}
		return p, nil
	case geos.TypeIDMultiPolygon, geos.TypeIDGeometryCollection:
		parts := make([]*geos.Geom, 0, g.NumGeometries())
		for i := 0; i < g.NumGeometries(); i++ {
			part := g.Geometry(i)
			if part.TypeID() != geos.TypeIDPolygon {
				continue
			}
			if p := truncatePolygon(gctx, part, precision); p != nil {
				parts = append(parts, p)
			}
		}
		switch len(parts) {
		case 0:
			return nil, fmt.Errorf("no polygon left")
		case 1:
			return parts[0], nil
		}
		return gctx.NewCollection(geos.TypeIDMultiPolygon, parts), nil
	default:
		return g, nil
	}
}

func truncatePolygon(gctx *geos.Context, polygon *geos.Geom, precision int) *geos.Geom {
	exterior := polygon.ExteriorRing()
	if exterior == nil || exterior.CoordSeq().Size() <= 3 {
		return nil
	}

	rings := [][][]float64{truncateRing(exterior.CoordSeq(), precision)}
	for r := 0; r < polygon.NumInteriorRings(); r++ {
		seq := polygon.InteriorRing(r).CoordSeq()
		if seq.Size() <= 3 {
			continue
		}
		ring := truncateRing(seq, precision)
		test := gctx.NewPolygon([][][]float64{ring})
		if test.IsValid() {
			rings = append(rings, ring)
		}
		test.Destroy()
	}
	return gctx.NewPolygon(rings)
}

func truncateRing(seq *geos.CoordSeq, precision int) [][]float64 {
	ring := make([][]float64, 0, seq.Size())
	for j := 0; j < seq.Size(); j++ {
		ring = append(ring, []float64{roundFloat(seq.X(j), precision), roundFloat(seq.Y(j), precision)})
	}
	return ring
}
