package engine

import (
	"fmt"
	"math"
	"sort"

	"github.com/twpayne/go-geos"
)

// SpatialIndex is a uniform grid over geometry bounds.
type SpatialIndex struct {
	geometries []*IndexedGeometry
	cellSize   float64
	grid       map[cellKey][]*IndexedGeometry
}

type IndexedGeometry struct {
	Geom       *geos.Geom
	Index      int
	Area       float64
	Properties map[string]interface{}
}

type cellKey struct{ x, y int }

func NewSpatialIndex(cellSize float64) *SpatialIndex {
	if cellSize <= 0 || math.IsNaN(cellSize) || math.IsInf(cellSize, 0) {
		cellSize = 1
	}
	return &SpatialIndex{
		geometries: make([]*IndexedGeometry, 0),
		cellSize:   cellSize,
		grid:       make(map[cellKey][]*IndexedGeometry),
	}
}

// AutoCellSize picks a cell size equal to the mean extent of the given bounds.
func AutoCellSize(bounds []*geos.Box2D) float64 {
	var sum float64
	var n int
	for _, b := range bounds {
		if b == nil {
			continue
		}
		sum += math.Max(b.MaxX-b.MinX, b.MaxY-b.MinY)
		n++
	}
	if n == 0 || sum == 0 {
		return 1
	}
	return sum / float64(n)
}

func (si *SpatialIndex) AddGeometry(geom *geos.Geom, index int, area float64, properties map[string]interface{}) error {
	if geom == nil {
		return fmt.Errorf("nil geometry at index %d", index)
	}
	bounds := geom.Bounds()
	if bounds == nil {
		return fmt.Errorf("nil bounds for geometry at index %d", index)
	}

	indexed := &IndexedGeometry{
		Geom:       geom,
		Index:      index,
		Area:       area,
		Properties: properties,
	}
	si.geometries = append(si.geometries, indexed)

	si.eachCell(bounds, func(key cellKey) {
		si.grid[key] = append(si.grid[key], indexed)
	})
	return nil
}

// Query returns the indexed geometries whose cells overlap bounds, ordered
// by insertion index. Candidates still need an exact intersection test.
func (si *SpatialIndex) Query(bounds *geos.Box2D) []*IndexedGeometry {
	if bounds == nil {
		return nil
	}
	seen := make(map[int]*IndexedGeometry)
	si.eachCell(bounds, func(key cellKey) {
		for _, candidate := range si.grid[key] {
			seen[candidate.Index] = candidate
		}
	})

	candidates := make([]*IndexedGeometry, 0, len(seen))
	for _, c := range seen {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Index < candidates[j].Index })
	return candidates
}

func (si *SpatialIndex) Len() int {
	return len(si.geometries)
}

func (si *SpatialIndex) eachCell(bounds *geos.Box2D, fn func(cellKey)) {
	minCellX := int(math.Floor(bounds.MinX / si.cellSize))
	minCellY := int(math.Floor(bounds.MinY / si.cellSize))
	maxCellX := int(math.Floor(bounds.MaxX / si.cellSize))
	maxCellY := int(math.Floor(bounds.MaxY / si.cellSize))

	for x := minCellX; x <= maxCellX; x++ {
		for y := minCellY; y <= maxCellY; y++ {
			fn(cellKey{x, y})
		}
	}
}
