package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/bsaid97/go-spatial-overlay/engine"
	"github.com/bsaid97/go-spatial-overlay/features"
)

// fakeEngine copies the view to the output and sets POP to ten times the
// identifier. It fails or panics when the view holds a listed identifier.
type fakeEngine struct {
	checkErr error
	failOn   map[features.Identifier]bool
	panicOn  map[features.Identifier]bool
	delay    func(ids []features.Identifier) time.Duration
	calls    int64
	released int64
}

func (e *fakeEngine) Check(ctx context.Context) error {
	return e.checkErr
}

func (e *fakeEngine) Overlay(ctx context.Context, source features.Ref, view *features.View, attributes []string, output string, opts engine.Options) (engine.Output, error) {
	atomic.AddInt64(&e.calls, 1)
	if opts.Append || !opts.SelectionOnly {
		return engine.Output{}, fmt.Errorf("%w: unexpected options %+v", engine.ErrEngine, opts)
	}

	feats, err := features.ReadGeoJSON(view.Path, features.DefaultIDField)
	if err != nil {
		return engine.Output{}, err
	}
	for _, f := range feats {
		if e.failOn[f.ID] {
			return engine.Output{}, fmt.Errorf("%w: cannot overlay %s", engine.ErrEngine, f.ID)
		}
		if e.panicOn[f.ID] {
			panic(fmt.Sprintf("bad geometry %s", f.ID))
		}
	}
	if e.delay != nil {
		select {
		case <-time.After(e.delay(view.IDs)):
		case <-ctx.Done():
			return engine.Output{}, fmt.Errorf("%w: %v", engine.ErrEngine, ctx.Err())
		}
	}

	for i, f := range feats {
		props := make(map[string]interface{}, len(f.Properties)+1)
		for k, v := range f.Properties {
			props[k] = v
		}
		props["POP"] = float64(f.ID) * 10
		feats[i].Properties = props
	}
	if err := features.WriteGeoJSON(output, feats, features.DefaultIDField); err != nil {
		return engine.Output{}, err
	}
	return engine.Output{Path: output, Records: len(feats)}, nil
}

func (e *fakeEngine) Release() {
	atomic.AddInt64(&e.released, 1)
}

func (e *fakeEngine) Calls() int {
	return int(atomic.LoadInt64(&e.calls))
}

func ids(from, to int) []features.Identifier {
	out := make([]features.Identifier, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, features.Identifier(i))
	}
	return out
}

// writeTargets writes n unit squares in a row with identifiers 1..n.
func writeTargets(t *testing.T, dir string, n int) features.Ref {
	t.Helper()
	feats := make([]features.Feature, n)
	for i := range feats {
		feats[i] = features.Feature{
			ID:         features.Identifier(i + 1),
			Geometry:   unitSquare(float64(i)),
			Properties: map[string]interface{}{"NAME": fmt.Sprintf("t%d", i+1)},
		}
	}
	path := filepath.Join(dir, "targets.geojson")
	require.NoError(t, features.WriteGeoJSON(path, feats, features.DefaultIDField))
	return features.Ref(path)
}

func unitSquare(x float64) *geom.Polygon {
	return geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{x, 0}, {x + 1, 0}, {x + 1, 1}, {x, 1}, {x, 0},
	}})
}

func readIDs(t *testing.T, path string) []features.Identifier {
	t.Helper()
	feats, err := features.ReadGeoJSON(path, features.DefaultIDField)
	require.NoError(t, err)
	out := make([]features.Identifier, len(feats))
	for i, f := range feats {
		out[i] = f.ID
	}
	return out
}

func sortedIDs(in []features.Identifier) []features.Identifier {
	out := append([]features.Identifier(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
