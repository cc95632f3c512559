package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	FramesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transit_frames_ingested_total",
			Help: "Total driver telemetry frames accepted for processing.",
		},
		[]string{"result"},
	)

	MatcherInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transit_matcher_invocations_total",
			Help: "Matcher invocations by outcome.",
		},
		[]string{"outcome"},
	)

	SublineTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transit_subline_transitions_total",
			Help: "Number of times a bus's inferred subline changed.",
		},
	)

	CatalogQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transit_catalog_query_duration_seconds",
			Help:    "Catalog reader query latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		},
		[]string{"op"},
	)

	CatalogCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transit_catalog_cache_total",
			Help: "Catalog cache hit/miss counts.",
		},
		[]string{"cache", "result"},
	)

	StorageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transit_storage_errors_total",
			Help: "Storage errors by component.",
		},
		[]string{"component"},
	)

	BroadcastMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transit_broadcast_messages_total",
			Help: "Outbound messages handed to the broadcaster by type.",
		},
		[]string{"type"},
	)

	BroadcastDroppedConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transit_broadcast_dropped_connections_total",
			Help: "Subscriber connections evicted for a full queue or a failed write.",
		},
		[]string{"reason"},
	)

	SubscribersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transit_subscribers",
			Help: "Current passenger subscriber count per main route.",
		},
		[]string{"main_route_id"},
	)

	ActiveBusesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transit_active_buses",
			Help: "Number of buses with state currently held in memory.",
		},
	)
)

var registerOnce sync.Once

// Register adds the collectors to the default prometheus registry.
// Calls after the first are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			FramesIngestedTotal,
			MatcherInvocationsTotal,
			SublineTransitionsTotal,
			CatalogQueryDuration,
			CatalogCacheTotal,
			StorageErrorsTotal,
			BroadcastMessagesTotal,
			BroadcastDroppedConnectionsTotal,
			SubscribersGauge,
			ActiveBusesGauge,
		)
	})
}
