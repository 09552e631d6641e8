package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ambulance_dispatch"

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Rides created in REQUESTED state"})
	AcceptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_attempts_total", Help: "Ride accept attempts by outcome code"},
		[]string{"outcome"},
	)
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride status transitions by target status"},
		[]string{"to"},
	)
	DriverStatusChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "driver_status_changes_total", Help: "Driver status change requests by target status and outcome"},
		[]string{"status", "outcome"},
	)
	TxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Locked transaction duration including lock waits",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries by event type and result"},
		[]string{"type", "result"},
	)
	NotificationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_attempts_total", Help: "Individual channel publish attempts"},
		[]string{"type"},
	)
	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Live WebSocket sessions on this instance"})

	LocationPings = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "driver_location_pings_total", Help: "Driver location pings by sink"},
		[]string{"sink"},
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
