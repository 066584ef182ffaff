package features

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"
)

// DefaultIDField is the property holding a record's identifier when none is configured.
const DefaultIDField = "OBJECTID"

var (
	// ErrUnsupportedRef indicates a reference that no store can open.
	ErrUnsupportedRef = errors.New("unsupported feature reference")

	// ErrInvalidIdentifier indicates a record whose identifier cannot be read.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// Identifier names one record of a collection. Identifiers are unique within
// a collection and ordered numerically.
type Identifier int64

func (id Identifier) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Feature is a single record: its identifier, geometry and attribute values.
type Feature struct {
	ID         Identifier
	Geometry   geom.T
	Properties map[string]interface{}
}

// Ref is a plain reference to a feature collection: a file path
// (.geojson, .json, .shp) or a mongodb:// URI. Refs are values and can be
// handed to another process.
type Ref string

// Kind reports which store serves the reference.
func (r Ref) Kind() string {
	s := string(r)
	if strings.HasPrefix(s, "mongodb://") || strings.HasPrefix(s, "mongodb+srv://") {
		return "mongodb"
	}
	switch strings.ToLower(filepath.Ext(s)) {
	case ".geojson", ".json":
		return "geojson"
	case ".shp":
		return "shapefile"
	default:
		return ""
	}
}

// Collection is a read-only feature collection. Implementations must be safe
// for concurrent readers.
type Collection interface {
	// Identifiers lists every identifier in a stable, repeatable order.
	Identifiers(ctx context.Context) ([]Identifier, error)

	// Select returns the features matching p, in collection order.
	Select(ctx context.Context, p Predicate) ([]Feature, error)

	Close() error
}

// Options control how collections interpret their records.
type Options struct {
	IDField string
}

func (o Options) idField() string {
	if o.IDField == "" {
		return DefaultIDField
	}
	return o.IDField
}

// Open opens the collection behind ref.
func Open(ctx context.Context, ref Ref, opts Options) (Collection, error) {
	switch ref.Kind() {
	case "geojson":
		feats, err := ReadGeoJSON(string(ref), opts.idField())
		if err != nil {
			return nil, err
		}
		return newMemCollection(feats, opts.idField()), nil
	case "shapefile":
		feats, err := ReadShapefile(string(ref), opts.idField())
		if err != nil {
			return nil, err
		}
		return newMemCollection(feats, opts.idField()), nil
	case "mongodb":
		return OpenMongo(ctx, ref, opts.idField())
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRef, string(ref))
	}
}

// memCollection serves file-backed collections from memory.
type memCollection struct {
	features []Feature
	idField  string
}

func newMemCollection(feats []Feature, idField string) *memCollection {
	return &memCollection{features: feats, idField: idField}
}

func (c *memCollection) Identifiers(ctx context.Context) ([]Identifier, error) {
	ids := make([]Identifier, len(c.features))
	for i, f := range c.features {
		ids[i] = f.ID
	}
	return ids, nil
}

func (c *memCollection) Select(ctx context.Context, p Predicate) ([]Feature, error) {
	match, err := p.Matcher(c.idField)
	if err != nil {
		return nil, err
	}
	selected := make([]Feature, 0)
	for _, f := range c.features {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if match(f) {
			selected = append(selected, f)
		}
	}
	return selected, nil
}

func (c *memCollection) Close() error { return nil }

// identify resolves a record's identifier from its id property, then its
// feature id, then its 1-based position.
func identify(props map[string]interface{}, featureID string, idField string, position int) (Identifier, error) {
	if v, ok := lookupProperty(props, idField); ok && v != nil {
		return toIdentifier(v)
	}
	if featureID != "" {
		n, err := strconv.ParseInt(featureID, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: feature id %q", ErrInvalidIdentifier, featureID)
		}
		return Identifier(n), nil
	}
	return Identifier(position + 1), nil
}

func toIdentifier(v interface{}) (Identifier, error) {
	switch n := v.(type) {
	case int:
		return Identifier(n), nil
	case int32:
		return Identifier(n), nil
	case int64:
		return Identifier(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrInvalidIdentifier, n)
		}
		return Identifier(int64(n)), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidIdentifier, n)
		}
		return Identifier(i), nil
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidIdentifier, v)
	}
}

// lookupProperty finds a property by name, falling back to a
// case-insensitive match since DBF field names are upper-cased by many tools.
func lookupProperty(props map[string]interface{}, name string) (interface{}, bool) {
	if v, ok := props[name]; ok {
		return v, true
	}
	for k, v := range props {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// withID returns a copy of props carrying the identifier under idField.
func withID(props map[string]interface{}, idField string, id Identifier) map[string]interface{} {
	out := make(map[string]interface{}, len(props)+1)
	for k, v := range props {
		if strings.EqualFold(k, idField) {
			continue
		}
		out[k] = v
	}
	out[idField] = int64(id)
	return out
}
