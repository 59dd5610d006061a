package main

import (
	"chitchat/contract"
	"chitchat/domain"
	"chitchat/infrastructure/grpc/client"
	"chitchat/infrastructure/storage"
	"chitchat/internal"
	"chitchat/moderation"
	"chitchat/runtime/workers"
	"chitchat/services"
	"chitchat/ui"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chitchat terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.ClientConfig
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	charReplacement, err := internal.CharacterRune(config.CharReplacement)
	if err != nil {
		return exitConfig, err
	}
	palette := domain.DefaultPalette()
	if config.PaletteFilepath != "" {
		if palette, err = loadPalette(config.PaletteFilepath); err != nil {
			return exitConfig, err
		}
	}
	log := logs.GetLoggerFromString(config.LogLevel).With("participant", config.Participant)

	// 2. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Document store
	store, closeStore, err := openStore(ctx, config, log)
	if err != nil {
		return exitRuntime, err
	}
	defer closeStore()

	// 4. Event hub, kept connected by the supervisor
	conn, err := grpc.NewClient(config.HubAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return exitConfig, fmt.Errorf("hub address %s: %w", config.HubAddr, err)
	}
	defer func() { _ = conn.Close() }()
	hub := client.NewEventHubClient(conn, log)

	sup := workers.NewSupervisor(log, config.RestartInterval)
	supervised := make(chan struct{})
	go func() {
		defer close(supervised)
		sup.Add(hub).Run(ctx)
	}()
	defer func() {
		sup.Stop()
		<-supervised
	}()

	connectCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	err = hub.WaitConnected(connectCtx)
	cancel()
	if err != nil {
		return exitRuntime, fmt.Errorf("event hub %s unreachable: %w", config.HubAddr, err)
	}

	// 5. Rooms
	console := ui.NewConsole(os.Stdout)
	options := []services.DirectoryOption{
		services.WithDirectoryView(console),
		services.WithRoomViews(console.ForRoom),
		services.WithPalette(palette),
	}
	if config.Moderation {
		moderator, err := newModerator(charReplacement, log)
		if err != nil {
			return exitConfig, err
		}
		options = append(options, services.WithFilter(moderator))
	}
	deps := domain.Deps{Bus: hub, Store: store, Log: log, Application: config.Application}
	directory := services.NewRoomDirectory(deps, config.Participant, options...)
	if err := directory.Open(ctx); err != nil {
		return exitRuntime, err
	}
	defer func() {
		if err := directory.Exit(context.WithoutCancel(ctx)); err != nil {
			log.Error("Exit incomplete", "error", err)
		}
	}()

	// 6. Shell
	console.Notice("connected as %s, /help for commands", config.Participant)
	console.ListRooms(directory.Rooms())
	if err := ui.NewShell(log, directory, console, config.Participant).Run(ctx, os.Stdin); err != nil {
		return exitRuntime, err
	}
	log.Info("Program stopped cleanly")
	return exitOK, nil
}

// openStore connects to Mongo when configured, otherwise opens the local
// badger store, which only suits a single process.
func openStore(ctx context.Context, config internal.ClientConfig, log *slog.Logger) (contract.IDocumentStore, func(), error) {
	if config.MongoURI != "" {
		mongoClient, err := storage.ConnectMongo(ctx, config.MongoURI, config.ConnectTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connection failed: %w", err)
		}
		closeStore := func() {
			log.Info("Disconnecting from Mongo...")
			_ = mongoClient.Disconnect(context.Background())
		}
		return storage.NewMongoStore(mongoClient.Database(config.MongoDatabase), log), closeStore, nil
	}

	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, nil, fmt.Errorf("database opening failed: %w", err)
	}
	closeStore := func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}
	return storage.NewBadgerStore(db, log), closeStore, nil
}

func newModerator(charReplacement rune, log *slog.Logger) (*moderation.LanguageModerator, error) {
	censored, err := moderation.LoadCensored()
	if err != nil {
		return nil, fmt.Errorf("censored words: %w", err)
	}
	log.Debug("Censored dictionaries loaded", "languages", censored.Languages)
	return moderation.NewLanguageModerator(censored, charReplacement, log)
}

func loadPalette(path string) ([]domain.Color, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("palette: %w", err)
	}
	defer f.Close()
	palette, err := domain.LoadPalette(f)
	if err != nil {
		return nil, fmt.Errorf("palette %s: %w", path, err)
	}
	return palette, nil
}
