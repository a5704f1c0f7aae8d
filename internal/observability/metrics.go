package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rider_sync"

var (
	PresenceRecords   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "presence_records", Help: "Online driver records held by the presence registry"})
	PresenceSnapshots = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "presence_snapshots_total", Help: "Full presence snapshots applied"})
	PresenceDeltas    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "presence_deltas_total", Help: "Presence deltas applied"})
	PresenceDropped   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "presence_records_dropped_total", Help: "Inbound driver records dropped during ingestion"},
		[]string{"reason"},
	)
	NearbyQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "nearby_queries_total", Help: "Nearby-driver queries by cache outcome"},
		[]string{"cache"},
	)

	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Applied trip status transitions"},
		[]string{"to", "source"},
	)
	TripIgnoredEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_events_ignored_total", Help: "Trip events that did not advance the state machine"},
		[]string{"reason", "source"},
	)
	// TripLateEvents counts events for a trip that arrive after it already
	// reached a terminal status. A non-terminal one here may indicate a
	// backend race worth investigating.
	TripLateEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_events_after_terminal_total", Help: "Trip events received after the trip became terminal"},
		[]string{"event", "source"},
	)
	SubmitRejected = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trip_submit_rejected_total", Help: "Booking submissions rejected by the debounce guard"})
	SideEffects    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_side_effects_total", Help: "Trip side effects executed"},
		[]string{"kind", "outcome"},
	)

	PushReconnects   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "push_reconnects_total", Help: "Push channel reconnects"})
	PushMessages     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "push_messages_total", Help: "Inbound push messages by kind"}, []string{"kind"})
	InterestDeclared = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "interest_declarations_total", Help: "Region interest declarations by outcome"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
