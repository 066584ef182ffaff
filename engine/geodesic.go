package engine

import (
	"fmt"

	"github.com/golang/geo/s2"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geos"
)

// earthRadius is the mean Earth radius in metres.
const earthRadius = 6371008.8

// GeodesicArea returns the area in square metres of a lon/lat geometry,
// measured on the sphere.
func GeodesicArea(g *geos.Geom) (float64, error) {
	var t geom.T
	if err := geojson.Unmarshal([]byte(g.ToGeoJSON(0)), &t); err != nil {
		return 0, fmt.Errorf("failed to convert geometry: %w", err)
	}
	return geodesicArea(t), nil
}

func geodesicArea(t geom.T) float64 {
	switch g := t.(type) {
	case *geom.Polygon:
		return polygonArea(g)
	case *geom.MultiPolygon:
		var sum float64
		for i := 0; i < g.NumPolygons(); i++ {
			sum += polygonArea(g.Polygon(i))
		}
		return sum
	case *geom.GeometryCollection:
		var sum float64
		for _, child := range g.Geoms() {
			sum += geodesicArea(child)
		}
		return sum
	default:
		return 0
	}
}

func polygonArea(p *geom.Polygon) float64 {
	var area float64
	for r := 0; r < p.NumLinearRings(); r++ {
		a := ringArea(p.LinearRing(r).Coords())
		if r == 0 {
			area += a
		} else {
			area -= a
		}
	}
	if area < 0 {
		return 0
	}
	return area
}

func ringArea(coords []geom.Coord) float64 {
	// drop the closing vertex; s2 loops are implicitly closed
	if n := len(coords); n > 1 && coords[0].X() == coords[n-1].X() && coords[0].Y() == coords[n-1].Y() {
		coords = coords[:n-1]
	}
	if len(coords) < 3 {
		return 0
	}
	points := make([]s2.Point, len(coords))
	for i, c := range coords {
		points[i] = s2.PointFromLatLng(s2.LatLngFromDegrees(c.Y(), c.X()))
	}
	loop := s2.LoopFromPoints(points)
	// orientation is not trusted; take the smaller of the two regions
	loop.Normalize()
	return loop.Area() * earthRadius * earthRadius
}
