package features

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/twpayne/go-geom/encoding/geojson"
)

// ReadGeoJSON reads a GeoJSON FeatureCollection file.
func ReadGeoJSON(path string, idField string) ([]Feature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return DecodeGeoJSON(data, idField)
}

// DecodeGeoJSON decodes a GeoJSON FeatureCollection payload.
func DecodeGeoJSON(data []byte, idField string) ([]Feature, error) {
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse feature collection: %w", err)
	}

	feats := make([]Feature, 0, len(fc.Features))
	for i, f := range fc.Features {
		if f == nil {
			continue
		}
		id, err := identify(f.Properties, f.ID, idField, i)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		props := f.Properties
		if props == nil {
			props = make(map[string]interface{})
		}
		feats = append(feats, Feature{ID: id, Geometry: f.Geometry, Properties: props})
	}
	return feats, nil
}

// EncodeGeoJSON encodes features as a GeoJSON FeatureCollection. The
// identifier is written both as the feature id and under idField.
func EncodeGeoJSON(feats []Feature, idField string) ([]byte, error) {
	fc := geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(feats))}
	for _, f := range feats {
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         f.ID.String(),
			Geometry:   f.Geometry,
			Properties: withID(f.Properties, idField, f.ID),
		})
	}
	return json.Marshal(&fc)
}

// WriteGeoJSON writes features to path as a GeoJSON FeatureCollection.
func WriteGeoJSON(path string, feats []Feature, idField string) error {
	data, err := EncodeGeoJSON(feats, idField)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
