package features

import (
	"archive/zip"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/twpayne/go-geom"
)

// shapefileComponents are the sidecar files that make up one shapefile.
var shapefileComponents = []string{".shp", ".shx", ".dbf"}

// ReadShapefile reads a polygon shapefile and its DBF attributes.
func ReadShapefile(path string, idField string) ([]Feature, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shapefile %s: %w", path, err)
	}
	defer reader.Close()

	fields := reader.Fields()
	feats := make([]Feature, 0)
	for reader.Next() {
		n, shape := reader.Shape()

		props := make(map[string]interface{}, len(fields))
		for i, field := range fields {
			name := strings.TrimRight(string(field.Name[:]), "\x00")
			props[name] = parseAttribute(reader.ReadAttribute(n, i), field.Fieldtype)
		}

		g, err := geometryFromShape(shape)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", n, err)
		}

		id, err := identify(props, "", idField, n)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", n, err)
		}
		feats = append(feats, Feature{ID: id, Geometry: g, Properties: props})
	}
	return feats, nil
}

func parseAttribute(raw string, fieldType byte) interface{} {
	raw = strings.TrimSpace(raw)
	switch fieldType {
	case 'N', 'F':
		if raw == "" {
			return nil
		}
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return float64(i)
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	return raw
}

// geometryFromShape converts a shapefile polygon into a go-geom geometry.
// Clockwise rings start a new polygon; counter-clockwise rings are holes of
// the polygon before them.
func geometryFromShape(shape shp.Shape) (geom.T, error) {
	poly, ok := shape.(*shp.Polygon)
	if !ok {
		if _, isNull := shape.(*shp.Null); isNull {
			return nil, nil
		}
		return nil, fmt.Errorf("unsupported shape type %T", shape)
	}

	var polygons [][][]geom.Coord
	for p := range poly.Parts {
		start := int(poly.Parts[p])
		end := len(poly.Points)
		if p+1 < len(poly.Parts) {
			end = int(poly.Parts[p+1])
		}
		ring := make([]geom.Coord, 0, end-start)
		for _, pt := range poly.Points[start:end] {
			ring = append(ring, geom.Coord{pt.X, pt.Y})
		}
		if signedArea(ring) <= 0 || len(polygons) == 0 {
			polygons = append(polygons, [][]geom.Coord{ring})
		} else {
			last := len(polygons) - 1
			polygons[last] = append(polygons[last], ring)
		}
	}

	if len(polygons) == 1 {
		return geom.NewPolygon(geom.XY).SetCoords(polygons[0])
	}
	return geom.NewMultiPolygon(geom.XY).SetCoords(polygons)
}

func signedArea(ring []geom.Coord) float64 {
	var sum float64
	for i := 0; i+1 < len(ring); i++ {
		sum += ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
	}
	return sum / 2
}

func reversed(ring []geom.Coord) []geom.Coord {
	out := make([]geom.Coord, len(ring))
	for i, c := range ring {
		out[len(ring)-1-i] = c
	}
	return out
}

// WriteShapefile writes polygon features to a shapefile at path.
func WriteShapefile(path string, feats []Feature, idField string) error {
	writer, err := shp.Create(path, shp.POLYGON)
	if err != nil {
		return fmt.Errorf("failed to create shapefile: %w", err)
	}
	defer writer.Close()

	rows := make([]map[string]interface{}, len(feats))
	for i, f := range feats {
		rows[i] = withID(f.Properties, idField, f.ID)
	}
	fields, keys := createFieldsFromProperties(rows)
	if len(fields) == 0 {
		// DBF files need at least one column
		fields = append(fields, shp.NumberField(truncateFieldName(idField), 18))
		keys = append(keys, idField)
	}
	writer.SetFields(fields)

	for i, f := range feats {
		shape, err := shapeFromGeometry(f.Geometry)
		if err != nil {
			return fmt.Errorf("feature %s: %w", f.ID, err)
		}
		row := int(writer.Write(shape))
		if err := writeAttributes(writer, row, rows[i], fields, keys); err != nil {
			return fmt.Errorf("feature %s: %w", f.ID, err)
		}
	}
	return nil
}

// createFieldsFromProperties derives DBF fields from the union of property
// names, sorted so every writer produces the same schema.
func createFieldsFromProperties(rows []map[string]interface{}) ([]shp.Field, []string) {
	samples := make(map[string]interface{})
	for _, row := range rows {
		for k, v := range row {
			if cur, ok := samples[k]; !ok || cur == nil {
				samples[k] = v
			}
		}
	}
	keys := make([]string, 0, len(samples))
	for k := range samples {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]shp.Field, 0, len(keys))
	for _, key := range keys {
		fieldName := truncateFieldName(key)
		switch v := samples[key].(type) {
		case string:
			length := len(v)
			if length < 50 {
				length = 50
			}
			if length > 254 {
				length = 254
			}
			fields = append(fields, shp.StringField(fieldName, uint8(length)))
		case float64, float32:
			fields = append(fields, shp.FloatField(fieldName, 19, 6))
		case int, int32, int64:
			fields = append(fields, shp.NumberField(fieldName, 18))
		case bool:
			fields = append(fields, shp.StringField(fieldName, 5))
		default:
			fields = append(fields, shp.StringField(fieldName, 100))
		}
	}
	return fields, keys
}

// truncateFieldName applies the 10 character DBF field name limit.
func truncateFieldName(name string) string {
	if len(name) > 10 {
		return name[:10]
	}
	return name
}

func writeAttributes(writer *shp.Writer, row int, props map[string]interface{}, fields []shp.Field, keys []string) error {
	for i, field := range fields {
		value, ok := props[keys[i]]
		if !ok || value == nil {
			switch field.Fieldtype {
			case 'N', 'F':
				writer.WriteAttribute(row, i, 0)
			default:
				writer.WriteAttribute(row, i, "")
			}
			continue
		}

		switch field.Fieldtype {
		case 'N':
			n, ok := numeric(value)
			if !ok {
				return fmt.Errorf("field %s: %v is not numeric", keys[i], value)
			}
			writer.WriteAttribute(row, i, int(n))
		case 'F':
			n, ok := numeric(value)
			if !ok {
				return fmt.Errorf("field %s: %v is not numeric", keys[i], value)
			}
			writer.WriteAttribute(row, i, n)
		default:
			writer.WriteAttribute(row, i, fmt.Sprintf("%v", value))
		}
	}
	return nil
}

// shapeFromGeometry converts a polygon or multipolygon into a shapefile polygon.
func shapeFromGeometry(g geom.T) (shp.Shape, error) {
	var rings [][]shp.Point
	addPolygon := func(p *geom.Polygon) {
		for r := 0; r < p.NumLinearRings(); r++ {
			coords := p.LinearRing(r).Coords()
			// shapefiles store exterior rings clockwise and holes counter-clockwise
			if area := signedArea(coords); (r == 0 && area > 0) || (r > 0 && area < 0) {
				coords = reversed(coords)
			}
			points := make([]shp.Point, 0, len(coords))
			for _, c := range coords {
				points = append(points, shp.Point{X: c.X(), Y: c.Y()})
			}
			if len(points) > 0 {
				rings = append(rings, points)
			}
		}
	}

	switch t := g.(type) {
	case *geom.Polygon:
		addPolygon(t)
	case *geom.MultiPolygon:
		for i := 0; i < t.NumPolygons(); i++ {
			addPolygon(t.Polygon(i))
		}
	case nil:
		return &shp.Null{}, nil
	default:
		return nil, fmt.Errorf("unsupported geometry type: %T", g)
	}

	polygon := shp.Polygon(*shp.NewPolyLine(rings))
	return &polygon, nil
}

// ExportZip packages features as a zip holding the GeoJSON document and
// the shapefile components, all named after base.
func ExportZip(feats []Feature, idField string, base string) ([]byte, error) {
	var zipBuffer bytes.Buffer
	zipWriter := zip.NewWriter(&zipBuffer)

	jsonData, err := EncodeGeoJSON(feats, idField)
	if err != nil {
		return nil, err
	}
	jsonFile, err := zipWriter.Create(base + ".geojson")
	if err != nil {
		return nil, fmt.Errorf("failed to create JSON file in zip: %w", err)
	}
	if _, err := jsonFile.Write(jsonData); err != nil {
		return nil, fmt.Errorf("failed to write JSON data to zip: %w", err)
	}

	if len(feats) > 0 {
		if err := addShapefileToZip(zipWriter, feats, idField, base); err != nil {
			return nil, fmt.Errorf("failed to add shapefile to zip: %w", err)
		}
	}

	if err := zipWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zip writer: %w", err)
	}
	return zipBuffer.Bytes(), nil
}

func addShapefileToZip(zipWriter *zip.Writer, feats []Feature, idField string, base string) error {
	tempDir, err := os.MkdirTemp("", "shapefile_")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	shapefilePath := filepath.Join(tempDir, base+".shp")
	if err := WriteShapefile(shapefilePath, feats, idField); err != nil {
		return err
	}

	for _, ext := range shapefileComponents {
		filePath := strings.TrimSuffix(shapefilePath, ".shp") + ext
		fileContent, err := os.ReadFile(filePath)
		if os.IsNotExist(err) {
			slog.Warn("shapefile component missing", "component", ext)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read shapefile component %s: %w", ext, err)
		}
		zipFile, err := zipWriter.Create(base + ext)
		if err != nil {
			return fmt.Errorf("failed to create %s file in zip: %w", ext, err)
		}
		if _, err := zipFile.Write(fileContent); err != nil {
			return fmt.Errorf("failed to write %s data to zip: %w", ext, err)
		}
	}
	return nil
}

// removeShapefile deletes every component of the shapefile at path.
func removeShapefile(path string) error {
	for _, ext := range shapefileComponents {
		p := strings.TrimSuffix(path, filepath.Ext(path)) + ext
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
