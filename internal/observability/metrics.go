package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	OffersSent    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Trip offers delivered to drivers"})
	OfferTimeouts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offer_timeouts_total", Help: "Offers auto-rejected by the expiry timer"})
	SearchRetries = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_search_retries_total", Help: "Geo index queries retried after a transient failure"})
	SearchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "driver_search_latency_seconds", Help: "Nearby driver query latency"})

	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Trip state transitions by target status"},
		[]string{"to"},
	)
	PresenceConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "presence_connections", Help: "Actors currently reachable in real time"},
		[]string{"kind"},
	)
	RealtimeDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "realtime_dropped_total", Help: "Real-time messages dropped because the recipient was not connected"},
		[]string{"event"},
	)

	LocationUpdates       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Accepted live location updates"})
	LocationDurableWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_durable_writes_total", Help: "Deferred durable location writes by result"},
		[]string{"result"},
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
