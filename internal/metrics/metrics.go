// Package metrics provides Prometheus metrics for the dashboard bot itself.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Refresh cycle metrics.
	RefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "easyconduit",
		Subsystem: "refresh",
		Name:      "cycles_total",
		Help:      "Total refresh cycles by result.",
	}, []string{"result"}) // "fresh", "stale", "waiting"
	RefreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "easyconduit",
		Subsystem: "refresh",
		Name:      "duration_seconds",
		Help:      "Wall time of one refresh cycle.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
	})
	LastSuccessUnix = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "easyconduit",
		Subsystem: "refresh",
		Name:      "last_success_unixtime",
		Help:      "Time of the last successful metrics fetch.",
	})

	// Relay metrics source.
	FetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "easyconduit",
		Subsystem: "relay",
		Name:      "fetch_errors_total",
		Help:      "Failed relay metrics fetches by reason.",
	}, []string{"reason"})
	RelayClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "easyconduit",
		Subsystem: "relay",
		Name:      "connected_clients",
		Help:      "Connected clients in the last good snapshot.",
	})

	// Chat transport.
	TelegramErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "easyconduit",
		Subsystem: "telegram",
		Name:      "errors_total",
		Help:      "Bot API errors by operation and kind.",
	}, []string{"op", "kind"})
	MessagesRecreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "easyconduit",
		Subsystem: "telegram",
		Name:      "messages_recreated_total",
		Help:      "Live messages sent anew after the stored one was gone.",
	}, []string{"message"}) // "dashboard" or "desk"

	// Dispatcher.
	CallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "easyconduit",
		Subsystem: "dispatcher",
		Name:      "callbacks_total",
		Help:      "Button presses by action and outcome.",
	}, []string{"action", "outcome"})

	// Renderer.
	RenderTier = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "easyconduit",
		Subsystem: "render",
		Name:      "tier",
		Help:      "Selected render tier (1 for the active one).",
	}, []string{"tier"})
	RenderErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "easyconduit",
		Subsystem: "render",
		Name:      "errors_total",
		Help:      "Frames that degraded to caption-only.",
	})

	// Self-update.
	UpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "easyconduit",
		Subsystem: "update",
		Name:      "runs_total",
		Help:      "Self-update runs by outcome.",
	}, []string{"outcome"}) // "promoted", "rolled_back", "failed"
)

func init() {
	prometheus.MustRegister(
		RefreshTotal,
		RefreshDuration,
		LastSuccessUnix,
		FetchErrors,
		RelayClients,
		TelegramErrors,
		MessagesRecreated,
		CallbacksTotal,
		RenderTier,
		RenderErrors,
		UpdatesTotal,
	)
}
