package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Protocol-Lattice/go-memory/src/memory/model"
)

// MongoStore persists records in MongoDB and searches them with Atlas
// $vectorSearch. The Atlas index named by VectorIndex must cover "embedding"
// plus the user_id, agent_id and run_id filter fields.
type MongoStore struct {
	client      *mongo.Client
	collection  *mongo.Collection
	VectorIndex string
}

// NewMongoStore connects and pings before returning the store.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	if database == "" {
		return nil, errors.New("mongo database name is required")
	}
	if collection == "" {
		return nil, errors.New("mongo collection name is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return &MongoStore{
		client:      client,
		collection:  client.Database(database).Collection(collection),
		VectorIndex: "vector_index",
	}, nil
}

type mongoMemoryDocument struct {
	ID        string    `bson:"_id"`
	Embedding []float64 `bson:"embedding"`
	Payload   string    `bson:"payload"`
	UserID    string    `bson:"user_id"`
	AgentID   string    `bson:"agent_id"`
	RunID     string    `bson:"run_id"`
	CreatedAt time.Time `bson:"created_at"`
	Score     float64   `bson:"score,omitempty"`
}

func newMongoDocument(rec model.MemoryRecord) (mongoMemoryDocument, error) {
	payload, err := json.Marshal(model.ToPayload(rec))
	if err != nil {
		return mongoMemoryDocument{}, err
	}
	return mongoMemoryDocument{
		ID:        rec.ID,
		Embedding: float64Embedding(rec.Embedding),
		Payload:   string(payload),
		UserID:    rec.Scope.UserID,
		AgentID:   rec.Scope.AgentID,
		RunID:     rec.Scope.RunID,
		CreatedAt: rec.CreatedAt.UTC(),
	}, nil
}

func (doc mongoMemoryDocument) toRecord() (model.MemoryRecord, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(doc.Payload), &payload); err != nil {
		return model.MemoryRecord{}, fmt.Errorf("decode payload %s: %w", doc.ID, err)
	}
	rec := model.FromPayload(doc.ID, payload, float32Embedding(doc.Embedding))
	rec.Score = doc.Score
	return rec, nil
}

// CreateSchema creates the scope and ordering indexes. The Atlas vector index
// is managed through Atlas itself.
func (ms *MongoStore) CreateSchema(ctx context.Context, _ int) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "agent_id", Value: 1}, {Key: "run_id", Value: 1}},
			Options: options.Index().SetName("scope"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetName("created_at"),
		},
	}
	_, err := ms.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (ms *MongoStore) Insert(ctx context.Context, records []model.MemoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(records))
	for _, rec := range records {
		doc, err := newMongoDocument(rec)
		if err != nil {
			return err
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.ID}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	_, err := ms.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	return err
}

func (ms *MongoStore) Search(ctx context.Context, query []float32, scope model.Scope, limit int) ([]model.MemoryRecord, error) {
	limit = clampLimit(limit, 5)
	stage := bson.D{
		{Key: "index", Value: ms.VectorIndex},
		{Key: "path", Value: "embedding"},
		{Key: "queryVector", Value: float64Embedding(query)},
		{Key: "numCandidates", Value: int64(limit * 10)},
		{Key: "limit", Value: int64(limit)},
	}
	if f := mongoScopeFilter(scope); len(f) > 0 {
		stage = append(stage, bson.E{Key: "filter", Value: f})
	}
	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: stage}},
		{{Key: "$addFields", Value: bson.D{{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}}}}},
	}
	cursor, err := ms.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	return decodeMongoCursor(ctx, cursor)
}

func (ms *MongoStore) Get(ctx context.Context, id string) (model.MemoryRecord, error) {
	var doc mongoMemoryDocument
	err := ms.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.MemoryRecord{}, ErrNotFound
	}
	if err != nil {
		return model.MemoryRecord{}, err
	}
	return doc.toRecord()
}

func (ms *MongoStore) Update(ctx context.Context, record model.MemoryRecord) error {
	doc, err := newMongoDocument(record)
	if err != nil {
		return err
	}
	res, err := ms.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (ms *MongoStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := ms.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return err
}

func (ms *MongoStore) List(ctx context.Context, scope model.Scope, limit int) ([]model.MemoryRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := ms.collection.Find(ctx, mongoScopeFilter(scope), opts)
	if err != nil {
		return nil, err
	}
	return decodeMongoCursor(ctx, cursor)
}

func (ms *MongoStore) DeleteAll(ctx context.Context, scope model.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	_, err := ms.collection.DeleteMany(ctx, mongoScopeFilter(scope))
	return err
}

// Close releases the underlying MongoDB client.
func (ms *MongoStore) Close() error {
	if ms == nil || ms.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}

func decodeMongoCursor(ctx context.Context, cursor *mongo.Cursor) ([]model.MemoryRecord, error) {
	defer cursor.Close(ctx)
	out := make([]model.MemoryRecord, 0)
	for cursor.Next(ctx) {
		var doc mongoMemoryDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := doc.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cursor.Err()
}

func mongoScopeFilter(scope model.Scope) bson.M {
	filter := bson.M{}
	for k, v := range scope.Fields() {
		filter[k] = v
	}
	return filter
}

func float64Embedding(vec []float32) []float64 {
	if len(vec) == 0 {
		return nil
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}

func float32Embedding(vec []float64) []float32 {
	if len(vec) == 0 {
		return nil
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}

var (
	_ VectorStore       = (*MongoStore)(nil)
	_ SchemaInitializer = (*MongoStore)(nil)
)
