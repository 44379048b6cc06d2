package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatlock_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "code", "method"},
	)

	LockRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatlock_lock_requests_total",
			Help: "Seat lock requests by result",
		},
		[]string{"result"},
	)

	Confirmations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatlock_confirmations_total",
			Help: "Booking confirmations by result",
		},
		[]string{"result"},
	)

	PaymentResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatlock_payment_results_total",
			Help: "Payment results applied to bookings",
		},
		[]string{"status"},
	)

	ReapedLocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatlock_reaped_locks_total",
			Help: "Locks expired by the reaper",
		},
	)

	ReapedBookings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatlock_reaped_bookings_total",
			Help: "Pending bookings cancelled after the payment deadline",
		},
	)

	IntegrityViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatlock_integrity_violations_total",
			Help: "Seats found claimed by more than one lock or booking",
		},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "seatlock_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	DBTxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatlock_db_tx_retries_total",
			Help: "Transactions retried after a serialization failure",
		},
	)

	SeatMapCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "seatlock_seatmap_cache_total",
			Help: "Seat map cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "seatlock_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatlock_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "seatlock_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
