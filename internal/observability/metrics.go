package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_booking", Name: "transitions_total", Help: "Committed booking status transitions"},
		[]string{"from", "to"},
	)
	AssignmentsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_booking", Name: "assignments_total", Help: "Successful auto-assignments"})
	AssignConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_booking", Name: "assign_conflicts_total", Help: "Assignment attempts lost to a concurrent transaction"})
	CascadeReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_booking", Name: "cascade_releases_total", Help: "Bookings reverted to waiting by the offline cascade"})
	DriversOnline        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_booking", Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_booking", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_booking",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_booking", Name: "rate_limited_total", Help: "Requests rejected by the rate limiter"})
)
