package features

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrDestinationExists indicates a write to an existing destination with
// overwriting disabled.
var ErrDestinationExists = errors.New("destination already exists")

// Workspace is a scratch directory. Every artifact it names carries a fresh
// random token, so concurrent or repeated attempts never collide.
type Workspace struct {
	Dir string
}

// NewWorkspace creates dir (and parents) when missing.
func NewWorkspace(dir string) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// UID returns a random token without dashes.
func UID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ScratchPath returns a unique path in the workspace such as
// <dir>/view_<token>.geojson.
func (w *Workspace) ScratchPath(prefix, ext string) string {
	return filepath.Join(w.Dir, prefix+"_"+UID()+ext)
}

// Exists reports whether path exists.
func (w *Workspace) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Delete removes path. Deleting a missing path is not an error.
func (w *Workspace) Delete(path string) error {
	if strings.EqualFold(filepath.Ext(path), ".shp") {
		return removeShapefile(path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// Remove deletes the workspace directory and everything in it.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Dir)
}

// View is a filtered view of a collection materialised as a scratch
// GeoJSON file. It is owned by the attempt that made it.
type View struct {
	Name  string
	Path  string
	IDs   []Identifier
	Query string

	ws *Workspace
}

// Ref returns the reference the engine opens to read the view.
func (v *View) Ref() Ref {
	return Ref(v.Path)
}

// Count returns the number of records in the view.
func (v *View) Count() int {
	return len(v.IDs)
}

// Delete removes the view's scratch file. It is safe to call more than once.
func (v *View) Delete() error {
	if v == nil || v.ws == nil {
		return nil
	}
	return v.ws.Delete(v.Path)
}

// MakeView selects the records of coll matching p into a uniquely named
// scratch file. The caller must Delete the view on every exit path.
func MakeView(ctx context.Context, coll Collection, p Predicate, ws *Workspace, idField string) (*View, error) {
	feats, err := coll.Select(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to select features: %w", err)
	}

	token := UID()
	v := &View{
		Name:  "view_" + token,
		Path:  filepath.Join(ws.Dir, "view_"+token+".geojson"),
		IDs:   make([]Identifier, len(feats)),
		Query: p.Query(idField),
		ws:    ws,
	}
	for i, f := range feats {
		v.IDs[i] = f.ID
	}
	if err := WriteGeoJSON(v.Path, feats, idField); err != nil {
		v.Delete()
		return nil, err
	}
	return v, nil
}

// Write stores feats at the destination named by ref. With overwrite
// disabled an existing destination is an error.
func Write(ctx context.Context, ref Ref, feats []Feature, idField string, overwrite bool) error {
	switch ref.Kind() {
	case "geojson", "shapefile":
		path := string(ref)
		if _, err := os.Stat(path); err == nil {
			if !overwrite {
				return fmt.Errorf("%w: %s", ErrDestinationExists, path)
			}
			ws := &Workspace{Dir: filepath.Dir(path)}
			if err := ws.Delete(path); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
		}
		if ref.Kind() == "shapefile" {
			return WriteShapefile(path, feats, idField)
		}
		return WriteGeoJSON(path, feats, idField)
	case "mongodb":
		if !overwrite {
			exists, err := mongoExists(ctx, ref)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: %s", ErrDestinationExists, string(ref))
			}
		}
		return WriteMongo(ctx, ref, feats, idField)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedRef, string(ref))
	}
}

// Merge concatenates the partial GeoJSON outputs, in the order given, into
// the destination. It returns the number of records written.
func Merge(ctx context.Context, partials []string, destination Ref, idField string, overwrite bool) (int, error) {
	merged := make([]Feature, 0)
	for _, p := range partials {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		feats, err := ReadGeoJSON(p, idField)
		if err != nil {
			return 0, err
		}
		merged = append(merged, feats...)
	}
	if err := Write(ctx, destination, merged, idField, overwrite); err != nil {
		return 0, err
	}
	return len(merged), nil
}
