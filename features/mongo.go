package features

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/twpayne/go-geom/encoding/geojson"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoLocation is a parsed mongodb:// feature reference. The last path
// segment names the collection: mongodb://host:27017/db/collection.
type MongoLocation struct {
	URI        string
	Database   string
	Collection string
}

// ParseMongoRef splits a feature reference into a client URI, database and
// collection.
func ParseMongoRef(ref Ref) (MongoLocation, error) {
	u, err := url.Parse(string(ref))
	if err != nil {
		return MongoLocation{}, fmt.Errorf("%w: %v", ErrUnsupportedRef, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return MongoLocation{}, fmt.Errorf("%w: %q must name a database and collection", ErrUnsupportedRef, string(ref))
	}
	loc := MongoLocation{Database: parts[0], Collection: parts[1]}
	u.Path = "/" + parts[0]
	loc.URI = u.String()
	return loc, nil
}

// mongoCollection stores one feature per document:
//
//	{<idField>: 1, "geometry": {GeoJSON}, "properties": {...}}
type mongoCollection struct {
	client  *mongo.Client
	coll    *mongo.Collection
	idField string
}

// OpenMongo connects to the collection named by ref.
func OpenMongo(ctx context.Context, ref Ref, idField string) (Collection, error) {
	return openMongo(ctx, ref, idField)
}

func openMongo(ctx context.Context, ref Ref, idField string) (*mongoCollection, error) {
	loc, err := ParseMongoRef(ref)
	if err != nil {
		return nil, err
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(loc.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", loc.URI, err)
	}
	return &mongoCollection{
		client:  client,
		coll:    client.Database(loc.Database).Collection(loc.Collection),
		idField: idField,
	}, nil
}

func (c *mongoCollection) Identifiers(ctx context.Context) ([]Identifier, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: c.idField, Value: 1}}).
		SetProjection(bson.D{{Key: c.idField, Value: 1}})
	cursor, err := c.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list identifiers: %w", err)
	}
	defer cursor.Close(ctx)

	ids := make([]Identifier, 0)
	for cursor.Next(ctx) {
		id, err := c.identifier(cursor.Current)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, cursor.Err()
}

func (c *mongoCollection) Select(ctx context.Context, p Predicate) ([]Feature, error) {
	filter := bson.D{}
	if p.Kind == MatchIDs {
		ids := make(bson.A, len(p.IDs))
		for i, id := range p.IDs {
			ids[i] = int64(id)
		}
		filter = bson.D{{Key: c.idField, Value: bson.D{{Key: "$in", Value: ids}}}}
	}
	match, err := p.Matcher(c.idField)
	if err != nil {
		return nil, err
	}

	cursor, err := c.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: c.idField, Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to select features: %w", err)
	}
	defer cursor.Close(ctx)

	feats := make([]Feature, 0)
	for cursor.Next(ctx) {
		f, err := c.decode(cursor.Current)
		if err != nil {
			return nil, err
		}
		// expressions are evaluated client side
		if match(f) {
			feats = append(feats, f)
		}
	}
	return feats, cursor.Err()
}

func (c *mongoCollection) identifier(doc bson.Raw) (Identifier, error) {
	v, err := doc.LookupErr(c.idField)
	if err != nil {
		return 0, fmt.Errorf("%w: document has no %s", ErrInvalidIdentifier, c.idField)
	}
	if n, ok := v.Int64OK(); ok {
		return Identifier(n), nil
	}
	if n, ok := v.Int32OK(); ok {
		return Identifier(n), nil
	}
	if f, ok := v.DoubleOK(); ok {
		return toIdentifier(f)
	}
	return 0, fmt.Errorf("%w: %s has type %s", ErrInvalidIdentifier, c.idField, v.Type)
}

func (c *mongoCollection) decode(doc bson.Raw) (Feature, error) {
	id, err := c.identifier(doc)
	if err != nil {
		return Feature{}, err
	}
	f := Feature{ID: id, Properties: make(map[string]interface{})}

	if gv, err := doc.LookupErr("geometry"); err == nil {
		if gdoc, ok := gv.DocumentOK(); ok {
			data, err := bson.MarshalExtJSON(gdoc, false, false)
			if err != nil {
				return Feature{}, fmt.Errorf("feature %s: %w", id, err)
			}
			if err := geojson.Unmarshal(data, &f.Geometry); err != nil {
				return Feature{}, fmt.Errorf("feature %s: %w", id, err)
			}
		}
	}
	if pv, err := doc.LookupErr("properties"); err == nil {
		if pdoc, ok := pv.DocumentOK(); ok {
			data, err := bson.MarshalExtJSON(pdoc, false, false)
			if err != nil {
				return Feature{}, fmt.Errorf("feature %s: %w", id, err)
			}
			if err := json.Unmarshal(data, &f.Properties); err != nil {
				return Feature{}, fmt.Errorf("feature %s: %w", id, err)
			}
		}
	}
	return f, nil
}

func (c *mongoCollection) Close() error {
	return c.client.Disconnect(context.Background())
}

// WriteMongo replaces the contents of the collection named by ref with feats.
func WriteMongo(ctx context.Context, ref Ref, feats []Feature, idField string) error {
	c, err := openMongo(ctx, ref, idField)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.coll.DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("failed to clear %s: %w", string(ref), err)
	}
	if len(feats) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(feats))
	for _, f := range feats {
		doc := bson.D{{Key: c.idField, Value: int64(f.ID)}}
		if f.Geometry != nil {
			data, err := geojson.Marshal(f.Geometry)
			if err != nil {
				return fmt.Errorf("feature %s: %w", f.ID, err)
			}
			var g bson.D
			if err := bson.UnmarshalExtJSON(data, false, &g); err != nil {
				return fmt.Errorf("feature %s: %w", f.ID, err)
			}
			doc = append(doc, bson.E{Key: "geometry", Value: g})
		}
		doc = append(doc, bson.E{Key: "properties", Value: withID(f.Properties, idField, f.ID)})
		docs = append(docs, doc)
	}
	if _, err := c.coll.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", string(ref), err)
	}
	return nil
}

// mongoExists reports whether the collection named by ref holds documents.
func mongoExists(ctx context.Context, ref Ref) (bool, error) {
	c, err := openMongo(ctx, ref, DefaultIDField)
	if err != nil {
		return false, err
	}
	defer c.Close()
	n, err := c.coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
