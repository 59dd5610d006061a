package main

import (
	"chitchat/infrastructure/grpc/eventhub"
	"chitchat/infrastructure/grpc/server"
	"chitchat/internal"
	"chitchat/observability"
	"chitchat/runtime/workers"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
)

const (
	exitOK     = 0
	exitConfig = 2
)

const reportInterval = time.Minute

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Hub terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.HubConfig
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewHubMetrics(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// 3. Event hub
	hub := server.NewEventHubServer(log, metrics, config.OutboxSize)
	s := grpc.NewServer()
	eventhub.RegisterEventHubServer(s, hub)

	// 4. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Supervision
	sup := workers.NewSupervisor(log, workers.DefaultRestartDelay)
	sup.Add(
		workers.NewGrpcServerWorker(log, s, workers.TCPListener(config.Addr())),
		workers.NewHTTPServerWorker(log, config.MetricsAddr(), mux),
		workers.NewReporterWorker(log, hub.Stats, reportInterval),
	)
	log.Info("Event hub starting", "address", config.Addr(), "metrics", config.MetricsAddr())
	sup.Run(ctx)

	log.Info("Hub stopped cleanly")
	return exitOK, nil
}
