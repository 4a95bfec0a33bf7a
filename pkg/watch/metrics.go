package watch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the watcher's operational counters. All vectors are labeled by
// watcher family so per-stream behavior stays visible.
type Metrics struct {
	RowsScanned   *prometheus.CounterVec
	Notifications *prometheus.CounterVec
	Attribution   *prometheus.CounterVec
	Ticks         *prometheus.CounterVec
	PendingDepth  prometheus.Gauge
}

// NewMetrics registers the watcher metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RowsScanned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainwatch",
			Name:      "rows_scanned_total",
			Help:      "Decoded log rows fetched by the scanner.",
		}, []string{"family"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainwatch",
			Name:      "notifications_total",
			Help:      "Notifications handed to the sink.",
		}, []string{"family", "attributed"}),
		Attribution: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainwatch",
			Name:      "attribution_outcomes_total",
			Help:      "Attribution resolution outcomes.",
		}, []string{"outcome"}),
		Ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chainwatch",
			Name:      "ticks_total",
			Help:      "Poll tick results.",
		}, []string{"result"}),
		PendingDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chainwatch",
			Name:      "pending_attribution_depth",
			Help:      "Entries awaiting an attribution retry.",
		}),
	}
}
