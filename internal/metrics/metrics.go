// Package metrics wraps the Prometheus collectors for the timeline
// subsystem: how many items were persisted and broadcast, how many were
// dropped by a debounce circuit breaker, how long store writes take, and
// how many clients are currently subscribed per session.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors registered against a single Registry.
// Grounded on the teacher's observability.Metrics: one struct field per
// collector, a constructor that registers everything up front, and thin
// Record*/Set* methods so callers never touch label names directly.
type Metrics struct {
	ItemsPersisted *prometheus.CounterVec
	ItemsBroadcast *prometheus.CounterVec
	ItemsDropped   *prometheus.CounterVec

	StoreAppendDuration *prometheus.HistogramVec

	ActiveSubscribers *prometheus.GaugeVec
}

// New creates and registers all timeline metrics against reg. Passing a
// fresh prometheus.NewRegistry() keeps tests isolated from each other and
// from the process-wide default registry; the timelined server likewise
// registers against its own prometheus.NewRegistry() and serves it with
// promhttp.HandlerFor.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ItemsPersisted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timeline_items_persisted_total",
				Help: "Total number of timeline items appended to the store, by item type.",
			},
			[]string{"item_type"},
		),

		ItemsBroadcast: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timeline_items_broadcast_total",
				Help: "Total number of timeline events broadcast to subscribers, by wire event name.",
			},
			[]string{"event_name"},
		),

		ItemsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timeline_items_dropped_total",
				Help: "Total number of tool-execution or permission events dropped by a debounce circuit breaker.",
			},
			[]string{"concern"},
		),

		StoreAppendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "timeline_store_append_duration_seconds",
				Help:    "Duration of a single Store.AppendOrReplace call.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"backend"},
		),

		ActiveSubscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "timeline_active_subscribers",
				Help: "Current number of broadcaster subscribers, by session id.",
			},
			[]string{"session_id"},
		),
	}

	reg.MustRegister(
		m.ItemsPersisted,
		m.ItemsBroadcast,
		m.ItemsDropped,
		m.StoreAppendDuration,
		m.ActiveSubscribers,
	)

	return m
}

// RecordItemPersisted increments the persisted-items counter for itemType.
func (m *Metrics) RecordItemPersisted(itemType string) {
	m.ItemsPersisted.WithLabelValues(itemType).Inc()
}

// RecordItemBroadcast increments the broadcast-items counter for eventName.
func (m *Metrics) RecordItemBroadcast(eventName string) {
	m.ItemsBroadcast.WithLabelValues(eventName).Inc()
}

// RecordDropped increments the dropped-by-debounce counter for concern
// ("tool_update" or "permission").
func (m *Metrics) RecordDropped(concern string) {
	m.ItemsDropped.WithLabelValues(concern).Inc()
}

// ObserveStoreAppend records how long a single append took against the
// named backend ("memory" or "jsonl").
func (m *Metrics) ObserveStoreAppend(backend string, seconds float64) {
	m.StoreAppendDuration.WithLabelValues(backend).Observe(seconds)
}

// SetActiveSubscribers sets the current subscriber gauge for sessionID.
func (m *Metrics) SetActiveSubscribers(sessionID string, count int) {
	m.ActiveSubscribers.WithLabelValues(sessionID).Set(float64(count))
}
