package store

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/navibridge/navibridge/internal/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type stateDoc struct {
	Key       string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// MongoStore keeps one document per key in a collection.
type MongoStore struct {
	col    *mongo.Collection
	client *mongo.Client
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore uses col. client, when non-nil, is disconnected on Close.
func NewMongoStore(col *mongo.Collection, client *mongo.Client) *MongoStore {
	return &MongoStore{col: col, client: client}
}

func (m *MongoStore) Init(ctx context.Context) error {
	if m.col == nil {
		return errors.New("mongo store: no collection")
	}
	return nil
}

func (m *MongoStore) Get(ctx context.Context, key string) ([]byte, error) {
	var doc stateDoc
	err := m.col.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.Value, nil
}

func (m *MongoStore) Set(ctx context.Context, key string, value []byte) error {
	update := bson.M{"$set": bson.M{"value": value, "updatedAt": time.Now().UTC()}}
	_, err := m.col.UpdateByID(ctx, key, update, options.Update().SetUpsert(true))
	return err
}

func (m *MongoStore) Clear(ctx context.Context) error {
	_, err := m.col.DeleteMany(ctx, bson.M{})
	return err
}

func (m *MongoStore) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(context.Background())
}
