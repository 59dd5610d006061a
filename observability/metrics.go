// Package observability exposes the Prometheus metrics of the event hub.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chitchat"

// HubMetrics counts what flows through the event hub.
type HubMetrics struct {
	Frames        *prometheus.CounterVec
	Delivered     prometheus.Counter
	Dropped       prometheus.Counter
	Sessions      prometheus.Gauge
	Subscriptions prometheus.Gauge
}

// HubStats is a point-in-time view of the hub, for logs.
type HubStats struct {
	Sessions      int
	Channels      int
	Subscriptions int
}

// NewHubMetrics creates the hub metrics and registers them on reg.
// A nil reg leaves them unregistered, which tests rely on.
func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	m := &HubMetrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "frames_received_total",
			Help:      "Frames received from clients, by operation.",
		}, []string{"op"}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "events_delivered_total",
			Help:      "Events queued to subscribed sessions.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "events_dropped_total",
			Help:      "Events that found a session outbox full, disconnecting the session.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "sessions",
			Help:      "Connected client sessions.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscriptions",
			Help:      "Channel subscriptions held by connected sessions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Frames, m.Delivered, m.Dropped, m.Sessions, m.Subscriptions)
	}
	return m
}
