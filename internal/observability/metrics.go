package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chair_dispatch"

var (
	DispatchBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_batches_total", Help: "Dispatch batches by result"},
		[]string{"result"},
	)
	DispatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_batch_seconds", Help: "Dispatch batch latency seconds"})
	RidesMatched      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_matched_total", Help: "Total number of rides bound to a chair"})
	ChairsAvailable   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "chairs_available", Help: "Available chairs seen by the last dispatch batch"})
	RidesUnmatched    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "rides_unmatched", Help: "Rides left without a chair after the last dispatch batch"})
	TransitionsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride status transitions"}, []string{"status"})
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_delivered_total", Help: "Transitions delivered per audience"}, []string{"audience"})
	PaymentsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "payments_total", Help: "Payment charges by result"}, []string{"result"})
	EventsPublished   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Transition events handed to the publisher by result"}, []string{"result"})

	ConsumedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "consumer_events_total", Help: "Ride status events read by the stats consumer by result"},
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
