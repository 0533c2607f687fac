package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	OffersTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Ride offers sent to candidate drivers"})
	BroadcastFallbacks = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_fallbacks_total", Help: "Dispatches with no candidate in radius that were broadcast to all online drivers"})
	DispatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Candidate search plus ranking latency"})
	DriversOnline      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})
	QueueDepth         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "queue_depth", Help: "Rides waiting in the dispatch queue"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride lifecycle events by outcome"},
		[]string{"event", "outcome"},
	)
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries by sink and outcome"},
		[]string{"sink", "outcome"},
	)
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_dropped_total", Help: "Notifications dropped because the buffer was full"})
	PaymentErrors        = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payment_errors_total", Help: "Payment provider failures by operation"},
		[]string{"op"},
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
