package infra

import (
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"crank_go/internal/domain"
)

// Metrics provides lightweight in-process counters for the crank.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	cyclesTotal    atomic.Uint64
	eventsConsumed atomic.Uint64
	confirmed      atomic.Uint64
	expired        atomic.Uint64
	rejected       atomic.Uint64
	errorsTotal    atomic.Uint64
	retriesTotal   atomic.Uint64

	// Latency tracking (confirmed cycles only)
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	inFlight          atomic.Int32
	degradedMarkets   atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordOutcome folds one cycle outcome into the counters.
func (m *Metrics) RecordOutcome(o domain.CycleOutcome) {
	if o.Kind == domain.OutcomeIdle || o.Kind == domain.OutcomeSkipped {
		return
	}
	m.cyclesTotal.Add(1)
	m.retriesTotal.Add(uint64(o.Retries))
	switch o.Kind {
	case domain.OutcomeConfirmed:
		m.confirmed.Add(1)
		m.eventsConsumed.Add(uint64(o.Events))
		m.latencySumNs.Add(int64(o.Latency))
		m.latencyCount.Add(1)
	case domain.OutcomeExpired:
		m.expired.Add(1)
	case domain.OutcomeRejected:
		m.rejected.Add(1)
	case domain.OutcomeAborted:
	default:
		m.errorsTotal.Add(1)
	}
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// SetInFlight adjusts the number of transactions awaiting confirmation.
func (m *Metrics) SetInFlight(delta int32) {
	m.inFlight.Add(delta)
}

// SetDegraded sets the current degraded market count.
func (m *Metrics) SetDegraded(count int32) {
	m.degradedMarkets.Store(count)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	CyclesTotal       uint64
	EventsConsumed    uint64
	Confirmed         uint64
	Expired           uint64
	Rejected          uint64
	ErrorsTotal       uint64
	RetriesTotal      uint64
	AvgLatencyNs      int64
	ActiveConnections int32
	InFlight          int32
	DegradedMarkets   int32
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		CyclesTotal:       m.cyclesTotal.Load(),
		EventsConsumed:    m.eventsConsumed.Load(),
		Confirmed:         m.confirmed.Load(),
		Expired:           m.expired.Load(),
		Rejected:          m.rejected.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		RetriesTotal:      m.retriesTotal.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		InFlight:          m.inFlight.Load(),
		DegradedMarkets:   m.degradedMarkets.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.cyclesTotal.Store(0)
	m.eventsConsumed.Store(0)
	m.confirmed.Store(0)
	m.expired.Store(0)
	m.rejected.Store(0)
	m.errorsTotal.Store(0)
	m.retriesTotal.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
	m.inFlight.Store(0)
	m.degradedMarkets.Store(0)
}

const MetricsSubsystem = "crank"

// PromMetrics are the exported Prometheus series, labelled by market.
type PromMetrics struct {
	// Cycles by market and outcome kind.
	Cycles metrics.Counter
	// Events consumed by confirmed transactions.
	EventsConsumed metrics.Counter
	// Submission retries.
	Retries metrics.Counter
	// Time from first submission to confirmation, in seconds.
	ConfirmLatency metrics.Histogram
	// Pending events seen on the last decode.
	QueueDepth metrics.Gauge
	// 1 if the market is degraded.
	Degraded metrics.Gauge
}

// PrometheusMetrics returns PromMetrics registered with the default
// Prometheus registry. Call it once per process.
func PrometheusMetrics(namespace string) *PromMetrics {
	labels := []string{"market"}
	return &PromMetrics{
		Cycles: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "cycles_total",
			Help:      "Crank cycles by outcome.",
		}, []string{"market", "outcome"}),
		EventsConsumed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "events_consumed_total",
			Help:      "Events consumed by confirmed transactions.",
		}, labels),
		Retries: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "retries_total",
			Help:      "Submission retries.",
		}, labels),
		ConfirmLatency: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "confirm_latency_seconds",
			Help:      "Time from first submission to confirmation.",
			Buckets:   stdprometheus.ExponentialBuckets(0.1, 2, 10),
		}, labels),
		QueueDepth: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queue_depth",
			Help:      "Pending events seen on the last decode.",
		}, labels),
		Degraded: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "degraded",
			Help:      "1 if the market is degraded.",
		}, labels),
	}
}

// NopMetrics returns no-op PromMetrics.
func NopMetrics() *PromMetrics {
	return &PromMetrics{
		Cycles:         discard.NewCounter(),
		EventsConsumed: discard.NewCounter(),
		Retries:        discard.NewCounter(),
		ConfirmLatency: discard.NewHistogram(),
		QueueDepth:     discard.NewGauge(),
		Degraded:       discard.NewGauge(),
	}
}

// Observe records one outcome into the Prometheus series.
func (p *PromMetrics) Observe(o domain.CycleOutcome) {
	market := o.Market
	p.QueueDepth.With("market", market).Set(float64(o.Pending))
	if o.Kind == domain.OutcomeIdle || o.Kind == domain.OutcomeSkipped {
		return
	}
	p.Cycles.With("market", market, "outcome", string(o.Kind)).Add(1)
	if o.Retries > 0 {
		p.Retries.With("market", market).Add(float64(o.Retries))
	}
	if o.Kind == domain.OutcomeConfirmed {
		p.EventsConsumed.With("market", market).Add(float64(o.Events))
		p.ConfirmLatency.With("market", market).Observe(o.Latency.Seconds())
	}
	degraded := 0.0
	if o.Degraded {
		degraded = 1
	}
	p.Degraded.With("market", market).Set(degraded)
}
