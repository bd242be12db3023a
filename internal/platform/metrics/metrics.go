package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tally"

// Metrics holds the Prometheus instruments for the service. All observe
// methods are nil-safe so tests can pass a nil *Metrics.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	LedgerPostsTotal    *prometheus.CounterVec
	DuplicateGuardTotal *prometheus.CounterVec

	SagaCompensationsTotal *prometheus.CounterVec
	SagaRecoveredTotal     prometheus.Counter
	StuckSagas             prometheus.Gauge

	EventsPublishedTotal *prometheus.CounterVec

	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers and returns the service metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operations",
			Name:      "total",
			Help:      "Wallet operations by type and outcome.",
		}, []string{"op_type", "status"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "operations",
			Name:      "duration_seconds",
			Help:      "End-to-end wallet operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op_type"}),
		LedgerPostsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "posts_total",
			Help:      "Ledger postings by transaction type and result.",
		}, []string{"type", "result"}),
		DuplicateGuardTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "guard_hits_total",
			Help:      "Requests short-circuited by the duplicate guard.",
		}, []string{"op_type"}),
		SagaCompensationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "compensations_total",
			Help:      "Saga compensation runs by operation type and outcome.",
		}, []string{"op_type", "outcome"}),
		SagaRecoveredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "recovered_total",
			Help:      "Stuck sagas picked up by the recovery scanner.",
		}),
		StuckSagas: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "stuck",
			Help:      "Sagas currently past the stuck threshold.",
		}),
		EventsPublishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published to the broker by topic and result.",
		}, []string{"topic", "result"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// ObserveOperation records one finished wallet operation.
func (m *Metrics) ObserveOperation(opType, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(opType, status).Inc()
	m.OperationDuration.WithLabelValues(opType).Observe(took.Seconds())
}

// ObserveLedgerPost records one posting attempt outcome.
func (m *Metrics) ObserveLedgerPost(txType, result string) {
	if m == nil {
		return
	}
	m.LedgerPostsTotal.WithLabelValues(txType, result).Inc()
}

// ObserveDuplicateGuard records a request stopped by the duplicate guard.
func (m *Metrics) ObserveDuplicateGuard(opType string) {
	if m == nil {
		return
	}
	m.DuplicateGuardTotal.WithLabelValues(opType).Inc()
}

// ObserveCompensation records a finished compensation run.
func (m *Metrics) ObserveCompensation(opType, outcome string) {
	if m == nil {
		return
	}
	m.SagaCompensationsTotal.WithLabelValues(opType, outcome).Inc()
}

// ObserveRecovered counts one saga adopted by the recovery scanner.
func (m *Metrics) ObserveRecovered() {
	if m == nil {
		return
	}
	m.SagaRecoveredTotal.Inc()
}

// SetStuckSagas publishes the current stuck-saga count.
func (m *Metrics) SetStuckSagas(n int) {
	if m == nil {
		return
	}
	m.StuckSagas.Set(float64(n))
}

// ObserveEventPublished records a broker publish attempt.
func (m *Metrics) ObserveEventPublished(topic, result string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(topic, result).Inc()
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(took.Seconds())
}
