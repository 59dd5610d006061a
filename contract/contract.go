//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// Used for logging and supervision purposes.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Handler receives the raw payload published on a channel.
type Handler func(payload []byte)

// IEventBus is a named-channel publish/subscribe primitive.
// No ordering is guaranteed across channels, nor within a channel when
// several publishers are involved.
type IEventBus interface {
	// Subscribe returns once the subscription is acknowledged by the bus.
	Subscribe(ctx context.Context, channel string, handler Handler) (string, error)
	Unsubscribe(channel, id string)
	// Publish with local set only reaches subscribers of the same process.
	Publish(ctx context.Context, channel string, payload []byte, local bool) error
}

// Document is a JSON-compatible document: string, float64, bool, nil,
// []any and map[string]any values only.
type Document = map[string]any

// IDocumentStore is a document database addressed by collection name.
// Filters are exact-match on (possibly dotted) paths; a path crossing an
// array matches when any element matches. Updates accept $push and $set,
// $set keys may use the positional "$" resolved against the filter.
type IDocumentStore interface {
	Find(ctx context.Context, collection string, filter Document) ([]Document, error)
	FindOne(ctx context.Context, collection string, filter Document) (Document, error)
	InsertOne(ctx context.Context, collection string, doc Document) error
	ReplaceOne(ctx context.Context, collection string, filter, doc Document, upsert bool) error
	UpdateOne(ctx context.Context, collection string, filter, update Document) error
	DeleteMany(ctx context.Context, collection string, filter Document) (int, error)
}
