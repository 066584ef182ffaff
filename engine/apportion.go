package engine

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geos"

	"github.com/bsaid97/go-spatial-overlay/features"
)

// Area modes.
const (
	AreaPlanar   = "planar"
	AreaGeodesic = "geodesic"
)

// Config tunes the apportioner.
type Config struct {
	IDField string `json:"id_field"`

	// AreaMode is AreaPlanar (coordinate units) or AreaGeodesic (lon/lat
	// degrees measured on the sphere).
	AreaMode string `json:"area_mode"`

	// Precision is the number of decimals kept on apportioned values; nil
	// or negative keeps full precision.
	Precision *int `json:"precision,omitempty"`

	// CellSize of the source spatial index; zero derives it from the data.
	CellSize float64 `json:"cell_size"`

	// CoverageField, when set, receives the share of each target's area
	// covered by source polygons.
	CoverageField string `json:"coverage_field"`
}

// Apportioner distributes numeric source attributes onto target polygons by
// areal weighting: each source polygon contributes value * (overlap area /
// source area).
type Apportioner struct {
	cfg Config

	mu      sync.Mutex
	sources map[features.Ref]cachedSource
}

// cachedSource holds a loaded source with the file stamp it was read at.
type cachedSource struct {
	stamp string
	feats []features.Feature
}

// NewApportioner returns an engine with cfg.
func NewApportioner(cfg Config) *Apportioner {
	if cfg.IDField == "" {
		cfg.IDField = features.DefaultIDField
	}
	if cfg.AreaMode == "" {
		cfg.AreaMode = AreaPlanar
	}
	return &Apportioner{cfg: cfg, sources: make(map[features.Ref]cachedSource)}
}

func (a *Apportioner) Check(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrUnavailable, r)
		}
	}()
	if a.cfg.AreaMode != AreaPlanar && a.cfg.AreaMode != AreaGeodesic {
		return fmt.Errorf("%w: unknown area mode %q", ErrUnavailable, a.cfg.AreaMode)
	}
	g, err := geos.NewContext().NewGeomFromWKT("POLYGON ((0 0, 1 0, 1 1, 0 1, 0 0))")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if area := g.Area(); area != 1 {
		return fmt.Errorf("%w: unit square has area %v", ErrUnavailable, area)
	}
	return nil
}

func (a *Apportioner) Overlay(ctx context.Context, source features.Ref, view *features.View, attributes []string, output string, opts Options) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrEngine, r)
		}
	}()

	if !opts.SelectionOnly {
		return Output{}, fmt.Errorf("%w: overlay requires a selection", ErrEngine)
	}
	if view == nil {
		return Output{}, fmt.Errorf("%w: no view", ErrEngine)
	}
	if len(attributes) == 0 {
		return Output{}, fmt.Errorf("%w: no attributes to apportion", ErrEngine)
	}

	ws := &features.Workspace{}
	var existing []features.Feature
	if ws.Exists(output) {
		if !opts.Append {
			return Output{}, fmt.Errorf("%w: %w: %s", ErrEngine, ErrOutputExists, output)
		}
		if existing, err = features.ReadGeoJSON(output, a.cfg.IDField); err != nil {
			return Output{}, fmt.Errorf("%w: %v", ErrEngine, err)
		}
	}

	sources, err := a.loadSource(ctx, source)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	if err := checkAttributes(sources, attributes); err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	targets, err := features.ReadGeoJSON(view.Path, a.cfg.IDField)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	// every call owns its GEOS context, so concurrent calls share no GEOS state
	gctx := geos.NewContext()

	index, err := a.buildIndex(gctx, sources)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	results := make([]features.Feature, 0, len(existing)+len(targets))
	results = append(results, existing...)
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return Output{}, fmt.Errorf("%w: %v", ErrEngine, err)
		}
		values, err := a.apportion(gctx, index, target, attributes)
		if err != nil {
			return Output{}, fmt.Errorf("%w: target %s: %v", ErrEngine, target.ID, err)
		}
		props := make(map[string]interface{}, len(target.Properties)+len(values))
		for k, v := range target.Properties {
			props[k] = v
		}
		for k, v := range values {
			props[k] = v
		}
		results = append(results, features.Feature{ID: target.ID, Geometry: target.Geometry, Properties: props})
	}

	if err := features.WriteGeoJSON(output, results, a.cfg.IDField); err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	return Output{Path: output, Records: len(results)}, nil
}

// Release drops the cached sources. The controller calls it when a run ends.
func (a *Apportioner) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources = make(map[features.Ref]cachedSource)
}

// loadSource reads the source collection once per run. The cached slice is
// shared read-only between calls; a file source changed on disk is read
// again.
func (a *Apportioner) loadSource(ctx context.Context, ref features.Ref) ([]features.Feature, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stamp := sourceStamp(ref)
	if cached, ok := a.sources[ref]; ok && cached.stamp == stamp {
		return cached.feats, nil
	}
	coll, err := features.Open(ctx, ref, features.Options{IDField: a.cfg.IDField})
	if err != nil {
		return nil, err
	}
	defer coll.Close()

	feats, err := coll.Select(ctx, features.All())
	if err != nil {
		return nil, err
	}
	a.sources[ref] = cachedSource{stamp: stamp, feats: feats}
	return feats, nil
}

// sourceStamp is the size and modification time of a file source and of its
// shapefile attribute table. It is empty for stores without files.
func sourceStamp(ref features.Ref) string {
	var paths []string
	switch ref.Kind() {
	case "geojson":
		paths = []string{string(ref)}
	case "shapefile":
		base := strings.TrimSuffix(string(ref), filepath.Ext(string(ref)))
		paths = []string{string(ref), base + ".dbf"}
	default:
		return ""
	}
	var b strings.Builder
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil {
			fmt.Fprintf(&b, "%d:%d;", fi.Size(), fi.ModTime().UnixNano())
		}
	}
	return b.String()
}

func checkAttributes(sources []features.Feature, attributes []string) error {
	if len(sources) == 0 {
		return nil
	}
	var missing []string
	for _, attr := range attributes {
		found := false
		for _, f := range sources {
			if _, ok := f.Properties[attr]; ok {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, attr)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("source has no attribute %s", strings.Join(missing, ", "))
	}
	return nil
}

func (a *Apportioner) buildIndex(gctx *geos.Context, sources []features.Feature) (*SpatialIndex, error) {
	geoms := make([]*geos.Geom, len(sources))
	bounds := make([]*geos.Box2D, 0, len(sources))
	for i, f := range sources {
		if f.Geometry == nil {
			continue
		}
		g, err := toGeos(gctx, f)
		if err != nil {
			return nil, err
		}
		if g.IsEmpty() {
			continue
		}
		if !g.IsValid() {
			g = g.MakeValid()
		}
		geoms[i] = g
		bounds = append(bounds, g.Bounds())
	}

	cellSize := a.cfg.CellSize
	if cellSize <= 0 {
		cellSize = AutoCellSize(bounds)
	}
	index := NewSpatialIndex(cellSize)
	for i, g := range geoms {
		if g == nil {
			continue
		}
		area, err := a.area(g)
		if err != nil {
			return nil, err
		}
		if err := index.AddGeometry(g, i, area, sources[i].Properties); err != nil {
			return nil, err
		}
	}
	return index, nil
}

func (a *Apportioner) apportion(gctx *geos.Context, index *SpatialIndex, target features.Feature, attributes []string) (map[string]interface{}, error) {
	sums := make(map[string]float64, len(attributes))
	for _, attr := range attributes {
		sums[attr] = 0
	}

	var pieces []*geos.Geom
	var tg *geos.Geom
	if target.Geometry != nil {
		g, err := toGeos(gctx, target)
		if err != nil {
			return nil, err
		}
		if !g.IsValid() {
			g = g.MakeValid()
		}
		tg = g
	}

	if tg != nil && !tg.IsEmpty() {
		for _, candidate := range index.Query(tg.Bounds()) {
			if candidate.Area <= 0 || !tg.Intersects(candidate.Geom) {
				continue
			}
			piece := tg.Intersection(candidate.Geom)
			overlap, err := a.area(piece)
			if err != nil {
				return nil, err
			}
			if overlap <= 0 {
				piece.Destroy()
				continue
			}
			weight := overlap / candidate.Area
			for _, attr := range attributes {
				if v, ok := toFloat(candidate.Properties[attr]); ok {
					sums[attr] += v * weight
				}
			}
			pieces = append(pieces, piece)
		}
	}

	values := make(map[string]interface{}, len(attributes)+1)
	for attr, sum := range sums {
		values[attr] = a.round(sum)
	}

	if a.cfg.CoverageField != "" {
		coverage := 0.0
		if tg != nil && len(pieces) > 0 {
			union := CascadedUnion(pieces)
			covered, err := a.area(union)
			if err != nil {
				return nil, err
			}
			total, err := a.area(tg)
			if err != nil {
				return nil, err
			}
			if total > 0 {
				coverage = math.Min(1, covered/total)
			}
			union.Destroy()
		}
		values[a.cfg.CoverageField] = a.round(coverage)
	}

	for _, p := range pieces {
		p.Destroy()
	}
	return values, nil
}

func (a *Apportioner) area(g *geos.Geom) (float64, error) {
	if a.cfg.AreaMode == AreaGeodesic {
		return GeodesicArea(g)
	}
	return g.Area(), nil
}

func toGeos(gctx *geos.Context, f features.Feature) (*geos.Geom, error) {
	data, err := geojson.Marshal(f.Geometry)
	if err != nil {
		return nil, fmt.Errorf("feature %s: %w", f.ID, err)
	}
	g, err := gctx.NewGeomFromGeoJSON(string(data))
	if err != nil {
		return nil, fmt.Errorf("feature %s: %w", f.ID, err)
	}
	return g, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Decimals returns a Precision keeping n decimals.
func Decimals(n int) *int {
	return &n
}

func (a *Apportioner) round(val float64) float64 {
	if a.cfg.Precision == nil {
		return val
	}
	return roundFloat(val, *a.cfg.Precision)
}

func roundFloat(val float64, precision int) float64 {
	if precision < 0 {
		return val
	}
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}
