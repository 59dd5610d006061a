package workers

import (
	"chitchat/observability"
	"context"
	"log/slog"
	"time"
)

// ReporterWorker periodically logs a snapshot of the hub, and once more
// when stopped.
type ReporterWorker struct {
	log      *slog.Logger
	stats    func() observability.HubStats
	interval time.Duration
}

func NewReporterWorker(log *slog.Logger, stats func() observability.HubStats, interval time.Duration) *ReporterWorker {
	return &ReporterWorker{log: log, stats: stats, interval: interval}
}

func (w *ReporterWorker) Run(ctx context.Context) error {
	startTime := time.Now()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.report(startTime)
			return nil
		case <-ticker.C:
			w.report(startTime)
		}
	}
}

func (w *ReporterWorker) report(startTime time.Time) {
	stats := w.stats()
	w.log.Info("Hub stats",
		"uptime", time.Since(startTime).Round(time.Second).String(),
		"sessions", stats.Sessions,
		"channels", stats.Channels,
		"subscriptions", stats.Subscriptions)
}
