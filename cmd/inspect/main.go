package main

import (
	"chitchat/contract"
	"chitchat/infrastructure/storage"
	"chitchat/internal"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	dbPath := flag.String("db", "./data/chitchat", "Path to badger DB")
	mongoURI := flag.String("mongo", "", "Mongo URI, read instead of badger when set")
	mongoDatabase := flag.String("database", "chitchat", "Mongo database")
	collection := flag.String("collection", "", "Collection to list, every known one when empty")
	serve := flag.String("serve", "", "Serve an inspection page on this address instead of printing")
	flag.Parse()

	logger := logs.GetLoggerFromString("WARN")
	ctx := context.Background()

	var store contract.IDocumentStore
	if *mongoURI != "" {
		client, err := storage.ConnectMongo(ctx, *mongoURI, 10*time.Second)
		if err != nil {
			log.Fatal("Error while connecting to Mongo: ", err)
		}
		defer func() { _ = client.Disconnect(ctx) }()
		store = storage.NewMongoStore(client.Database(*mongoDatabase), logger)
	} else {
		db, err := openDB(*dbPath)
		if err != nil {
			log.Fatal("Error while opening Badger: ", err)
		}
		defer db.Close()
		store = storage.NewBadgerStore(db, logger)
	}

	if *serve != "" {
		serveInspection(*serve, store, logger)
		return
	}

	collections := internal.Collections
	if *collection != "" {
		collections = []string{*collection}
	}
	rows, err := internal.ListDocuments(ctx, store, collections...)
	if err != nil {
		log.Fatal(err)
	}
	internal.WriteTable(os.Stdout, rows)
}

func serveInspection(address string, store contract.IDocumentStore, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/inspect", internal.InspectHandler(store, logger))
	fmt.Printf("Inspector started at http://%s/inspect\n", address)
	server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}

// openDB opens the store read-only, even while a client holds it.
func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)

	db, err := badger.Open(opts)
	if err != nil && strings.Contains(err.Error(), "Log truncate required") {
		// A crashed writer left the value log dirty: open once for writing
		// to truncate it, then again read-only.
		repaired, repairErr := badger.Open(badger.DefaultOptions(path).WithLogger(nil).WithBypassLockGuard(true))
		if repairErr != nil {
			return nil, fmt.Errorf("repair failed: %w", repairErr)
		}
		_ = repaired.Close()
		return badger.Open(opts)
	}
	return db, err
}
