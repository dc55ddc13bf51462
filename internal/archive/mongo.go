package archive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"opsdash/pkg/logging"
)

// DefaultCollection 默认集合名
const DefaultCollection = "event_buffer_dumps"

// MongoSink 将归档写入 MongoDB 集合
type MongoSink struct {
	client *mongo.Client
	col    *mongo.Collection
	logger *logging.Logger
}

// NewMongoSink 连接 MongoDB 并确保索引
//
// uri: 如 "mongodb://localhost:27017"
func NewMongoSink(uri, database, collection string, logger *logging.Logger) (*MongoSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("archive: mongo connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("archive: mongo ping failed: %w", err)
	}

	if database == "" {
		database = "opsdash"
	}
	if collection == "" {
		collection = DefaultCollection
	}
	if logger == nil {
		logger = logging.Default("archive")
	}

	s := &MongoSink{client: client, col: client.Database(database).Collection(collection), logger: logger}
	if err := s.ensureIndexes(ctx); err != nil {
		logger.WithError(err).Warn("Failed to ensure archive indexes")
	}
	return s, nil
}

func (s *MongoSink) ensureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	return err
}

func (s *MongoSink) Store(ctx context.Context, d Dump) (string, error) {
	if len(d.Events) == 0 {
		return "", ErrEmptyDump
	}
	res, err := s.col.InsertOne(ctx, d)
	if err != nil {
		return "", fmt.Errorf("archive: insert failed: %w", err)
	}
	id := fmt.Sprint(res.InsertedID)
	if oid, ok := res.InsertedID.(bson.ObjectID); ok {
		id = oid.Hex()
	}
	s.logger.Info("Event buffer archived", "collection", s.col.Name(), "id", id, "events", len(d.Events))
	return id, nil
}

// Latest 返回会话最近的 limit 次归档（新→旧）
func (s *MongoSink) Latest(ctx context.Context, sessionID string, limit int64) ([]Dump, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := s.col.Find(ctx, bson.D{{Key: "session_id", Value: sessionID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("archive: find failed: %w", err)
	}
	defer cur.Close(ctx)

	var out []Dump
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("archive: decode failed: %w", err)
	}
	return out, nil
}

// Drop 删除会话的全部归档
func (s *MongoSink) Drop(ctx context.Context, sessionID string) error {
	_, err := s.col.DeleteMany(ctx, bson.D{{Key: "session_id", Value: sessionID}})
	return err
}

func (s *MongoSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
