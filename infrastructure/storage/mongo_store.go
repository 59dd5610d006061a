package storage

import (
	"chitchat/contract"
	"chitchat/errors"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is the DocumentStore shared by every client process.
type MongoStore struct {
	db  *mongo.Database
	log *slog.Logger
}

var _ contract.IDocumentStore = (*MongoStore)(nil)

func NewMongoStore(db *mongo.Database, log *slog.Logger) *MongoStore {
	return &MongoStore{db: db, log: log}
}

// ConnectMongo opens a client and checks the server answers.
func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

func (s *MongoStore) Find(ctx context.Context, collection string, filter contract.Document) ([]contract.Document, error) {
	cur, err := s.db.Collection(collection).Find(ctx, bsonDoc(filter))
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	var docs []contract.Document
	for cur.Next(ctx) {
		doc, err := fromRaw(cur.Current)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("find in %s: %w", collection, err)
	}
	return docs, nil
}

func (s *MongoStore) FindOne(ctx context.Context, collection string, filter contract.Document) (contract.Document, error) {
	raw, err := s.db.Collection(collection).FindOne(ctx, bsonDoc(filter)).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("find one in %s: %w", collection, errors.ErrDocumentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find one in %s: %w", collection, err)
	}
	return fromRaw(raw)
}

func (s *MongoStore) InsertOne(ctx context.Context, collection string, doc contract.Document) error {
	_, err := s.db.Collection(collection).InsertOne(ctx, bsonDoc(doc))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s/%v", errors.ErrDuplicateDocument, collection, doc["_id"])
	}
	if err != nil {
		return fmt.Errorf("insert in %s: %w", collection, err)
	}
	return nil
}

func (s *MongoStore) ReplaceOne(ctx context.Context, collection string, filter, doc contract.Document, upsert bool) error {
	res, err := s.db.Collection(collection).ReplaceOne(ctx, bsonDoc(filter), bsonDoc(doc),
		options.Replace().SetUpsert(upsert))
	if err != nil {
		return fmt.Errorf("replace in %s: %w", collection, err)
	}
	if !upsert && res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", errors.ErrDocumentNotFound, collection)
	}
	return nil
}

func (s *MongoStore) UpdateOne(ctx context.Context, collection string, filter, update contract.Document) error {
	res, err := s.db.Collection(collection).UpdateOne(ctx, bsonDoc(filter), bsonDoc(update))
	if err != nil {
		return fmt.Errorf("update in %s: %w", collection, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", errors.ErrDocumentNotFound, collection)
	}
	return nil
}

func (s *MongoStore) DeleteMany(ctx context.Context, collection string, filter contract.Document) (int, error) {
	res, err := s.db.Collection(collection).DeleteMany(ctx, bsonDoc(filter))
	if err != nil {
		return 0, fmt.Errorf("delete in %s: %w", collection, err)
	}
	return int(res.DeletedCount), nil
}

func bsonDoc(doc contract.Document) bson.M {
	if doc == nil {
		return bson.M{}
	}
	return bson.M(doc)
}

// fromRaw goes through relaxed extended JSON so documents read back with
// the same JSON types the rest of the code produces.
func fromRaw(raw bson.Raw) (contract.Document, error) {
	b, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidDocument, err)
	}
	var doc contract.Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidDocument, err)
	}
	return doc, nil
}
