package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce              sync.Once
	httpDurationHistogram     *prometheus.HistogramVec
	transferTransitionCounter *prometheus.CounterVec
	notificationCounter       *prometheus.CounterVec
	storeConflictCounter      prometheus.Counter
	transferExpiryCounter     prometheus.Counter
	websocketSessionsGauge    prometheus.Gauge
	idempotencyCounter        *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by ledger resource family",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "resource", "path", "status"})

		transferTransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_transitions_total",
			Help: "Successful transfer and fulfillment PUTs by resulting state, replays included",
		}, []string{"state"})

		notificationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Notification delivery outcomes",
		}, []string{"outcome"})

		storeConflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "store_conflicts_total",
			Help: "Requests answered 409 after store serialization retries ran out",
		})

		transferExpiryCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transfer_expiries_total",
			Help: "Transfers cancelled by the expiry monitor",
		})

		websocketSessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "websocket_sessions",
			Help: "Currently connected transfer event streams",
		})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency replay cache outcomes",
		}, []string{"outcome"})

		prometheus.MustRegister(
			httpDurationHistogram,
			transferTransitionCounter,
			notificationCounter,
			storeConflictCounter,
			transferExpiryCounter,
			websocketSessionsGauge,
			idempotencyCounter,
		)
	})
}

func ObserveHTTP(method, resource, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, resource, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementTransferTransition(state string) {
	if transferTransitionCounter == nil {
		return
	}
	transferTransitionCounter.WithLabelValues(state).Inc()
}

func IncrementNotificationDelivery(outcome string) {
	if notificationCounter == nil {
		return
	}
	notificationCounter.WithLabelValues(outcome).Inc()
}

func IncrementStoreConflict() {
	if storeConflictCounter == nil {
		return
	}
	storeConflictCounter.Inc()
}

func IncrementTransferExpiry() {
	if transferExpiryCounter == nil {
		return
	}
	transferExpiryCounter.Inc()
}

func AddWebsocketSessions(delta float64) {
	if websocketSessionsGauge == nil {
		return
	}
	websocketSessionsGauge.Add(delta)
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}
