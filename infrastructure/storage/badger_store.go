package storage

import (
	"chitchat/contract"
	"chitchat/errors"
	"context"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const maxConflictRetries = 3

// BadgerStore is an embedded DocumentStore. Each collection lives under the
// key prefix "doc:{collection}:" and each document is a protobuf Struct.
// A call runs in a single transaction, so every write is atomic on its own.
// Badger locks its directory: one process per store.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

var _ contract.IDocumentStore = (*BadgerStore)(nil)

func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log}
}

func collectionPrefix(collection string) []byte {
	return []byte("doc:" + collection + ":")
}

func documentKey(collection, id string) []byte {
	return append(collectionPrefix(collection), id...)
}

type entry struct {
	key []byte
	doc contract.Document
}

func (s *BadgerStore) Find(ctx context.Context, collection string, filter contract.Document) ([]contract.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := normalize(filter)
	if err != nil {
		return nil, err
	}
	var docs []contract.Document
	err = s.db.View(func(txn *badger.Txn) error {
		found, err := scan(txn, collection, f, 0)
		for _, e := range found {
			docs = append(docs, e.doc)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", collection, err)
	}
	return docs, nil
}

func (s *BadgerStore) FindOne(ctx context.Context, collection string, filter contract.Document) (contract.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := normalize(filter)
	if err != nil {
		return nil, err
	}
	var doc contract.Document
	err = s.db.View(func(txn *badger.Txn) error {
		found, err := scan(txn, collection, f, 1)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return errors.ErrDocumentNotFound
		}
		doc = found[0].doc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find one in %s: %w", collection, err)
	}
	return doc, nil
}

// InsertOne stores doc, generating an _id when it has none.
func (s *BadgerStore) InsertOne(ctx context.Context, collection string, doc contract.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d, err := normalize(doc)
	if err != nil {
		return err
	}
	id, err := documentID(d, nil)
	if err != nil {
		return err
	}
	d["_id"] = id
	key := documentKey(collection, id)

	return s.update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s/%s", errors.ErrDuplicateDocument, collection, id)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return put(txn, key, d)
	})
}

// ReplaceOne swaps the first matching document for doc, keeping its _id.
// With upsert, a missing document is created from doc and the filter _id.
func (s *BadgerStore) ReplaceOne(ctx context.Context, collection string, filter, doc contract.Document, upsert bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := normalize(filter)
	if err != nil {
		return err
	}
	d, err := normalize(doc)
	if err != nil {
		return err
	}

	return s.update(func(txn *badger.Txn) error {
		found, err := scan(txn, collection, f, 1)
		if err != nil {
			return err
		}
		if len(found) == 1 {
			d["_id"] = found[0].doc["_id"]
			return put(txn, found[0].key, d)
		}
		if !upsert {
			return fmt.Errorf("%w: %s", errors.ErrDocumentNotFound, collection)
		}
		id, err := documentID(d, f)
		if err != nil {
			return err
		}
		d["_id"] = id
		return put(txn, documentKey(collection, id), d)
	})
}

// UpdateOne applies $set/$push to the first matching document.
func (s *BadgerStore) UpdateOne(ctx context.Context, collection string, filter, update contract.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := normalize(filter)
	if err != nil {
		return err
	}
	u, err := normalize(update)
	if err != nil {
		return err
	}

	return s.update(func(txn *badger.Txn) error {
		found, err := scan(txn, collection, f, 1)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return fmt.Errorf("%w: %s", errors.ErrDocumentNotFound, collection)
		}
		doc := found[0].doc
		if err := applyUpdate(doc, f, u); err != nil {
			return err
		}
		return put(txn, found[0].key, doc)
	})
}

func (s *BadgerStore) DeleteMany(ctx context.Context, collection string, filter contract.Document) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := normalize(filter)
	if err != nil {
		return 0, err
	}
	var deleted int
	err = s.update(func(txn *badger.Txn) error {
		deleted = 0
		found, err := scan(txn, collection, f, 0)
		if err != nil {
			return err
		}
		for _, e := range found {
			if err := txn.Delete(e.key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete in %s: %w", collection, err)
	}
	return deleted, nil
}

// update retries transactions that lost a write conflict.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debug("Write conflict, retrying", "attempt", attempt+1)
	}
	return err
}

// scan returns up to limit matching documents, all of them when limit is 0.
// A string _id condition is served by a direct key lookup.
func scan(txn *badger.Txn, collection string, filter contract.Document, limit int) ([]entry, error) {
	if id, ok := filter["_id"].(string); ok {
		key := documentKey(collection, id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		doc, err := decode(item)
		if err != nil {
			return nil, err
		}
		if !matches(doc, filter) {
			return nil, nil
		}
		return []entry{{key: key, doc: doc}}, nil
	}

	prefix := collectionPrefix(collection)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var found []entry
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		doc, err := decode(item)
		if err != nil {
			return nil, err
		}
		if !matches(doc, filter) {
			continue
		}
		found = append(found, entry{key: item.KeyCopy(nil), doc: doc})
		if limit > 0 && len(found) == limit {
			break
		}
	}
	return found, nil
}

func decode(item *badger.Item) (contract.Document, error) {
	var doc contract.Document
	err := item.Value(func(v []byte) error {
		var pb structpb.Struct
		if err := proto.Unmarshal(v, &pb); err != nil {
			return fmt.Errorf("failed to unmarshal document: %w", err)
		}
		doc = pb.AsMap()
		return nil
	})
	return doc, err
}

func put(txn *badger.Txn, key []byte, doc contract.Document) error {
	pb, err := structpb.NewStruct(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidDocument, err)
	}
	data, err := proto.Marshal(pb)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// documentID picks the document _id, then the filter _id, then a new uuid.
func documentID(doc, filter contract.Document) (string, error) {
	for _, src := range []contract.Document{doc, filter} {
		v, ok := src["_id"]
		if !ok || v == nil {
			continue
		}
		id, ok := v.(string)
		if !ok || id == "" {
			return "", fmt.Errorf("%w: _id must be a non-empty string", errors.ErrInvalidDocument)
		}
		return id, nil
	}
	return uuid.NewString(), nil
}
