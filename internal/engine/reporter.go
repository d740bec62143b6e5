package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"crank_go/internal/domain"
	"crank_go/internal/infra"
)

const sinkTimeout = 5 * time.Second

// Reporter fans cycle outcomes out to logs, metrics and sinks. It runs on
// a single goroutine fed by the coordinator's results channel.
type Reporter struct {
	metrics *infra.Metrics
	prom    *infra.PromMetrics
	sinks   []domain.OutcomeSink
	logger  *slog.Logger

	mu       sync.RWMutex
	last     map[string]domain.CycleOutcome // by market address
	degraded map[string]bool
}

// NewReporter creates a reporter. metrics and prom may be nil.
func NewReporter(metrics *infra.Metrics, prom *infra.PromMetrics, sinks ...domain.OutcomeSink) *Reporter {
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	if prom == nil {
		prom = infra.NopMetrics()
	}
	return &Reporter{
		metrics:  metrics,
		prom:     prom,
		sinks:    sinks,
		logger:   slog.Default().With("module", "reporter"),
		last:     make(map[string]domain.CycleOutcome),
		degraded: make(map[string]bool),
	}
}

// run consumes outcomes until in is closed.
func (r *Reporter) run(in <-chan domain.CycleOutcome) {
	for o := range in {
		r.Report(o)
	}
}

// Report handles one outcome.
func (r *Reporter) Report(o domain.CycleOutcome) {
	r.log(o)
	r.metrics.RecordOutcome(o)
	r.prom.Observe(o)

	r.mu.Lock()
	r.last[o.Address] = o
	was := r.degraded[o.Address]
	if o.Degraded {
		r.degraded[o.Address] = true
	} else {
		delete(r.degraded, o.Address)
	}
	count := len(r.degraded)
	r.mu.Unlock()
	r.metrics.SetDegraded(int32(count))

	switch {
	case o.Degraded && !was:
		r.logger.Error("market degraded", "market", o.Market, "address", o.Address, "error", o.Err)
	case !o.Degraded && was:
		r.logger.Info("market recovered", "market", o.Market, "address", o.Address)
	}

	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := s.Publish(ctx, o); err != nil {
			r.logger.Warn("outcome sink publish failed", "market", o.Market, "error", err)
		}
		cancel()
	}
}

func (r *Reporter) log(o domain.CycleOutcome) {
	attrs := []any{
		"run_id", o.RunID,
		"market", o.Market,
		"kind", string(o.Kind),
		"pending", o.Pending,
	}
	if o.Events > 0 {
		attrs = append(attrs, "events", o.Events, "first_seq", o.FirstSeq, "last_seq", o.LastSeq)
	}
	if o.Attempts > 0 {
		attrs = append(attrs, "attempts", o.Attempts, "retries", o.Retries, "latency", o.Latency)
	}
	if o.Signature != "" {
		attrs = append(attrs, "signature", o.Signature)
	}
	if o.Err != "" {
		attrs = append(attrs, "error", o.Err)
	}

	switch {
	case o.Kind == domain.OutcomeIdle:
		r.logger.Debug("crank cycle", attrs...)
	case o.Kind == domain.OutcomeConfirmed, o.Kind == domain.OutcomeAborted:
		r.logger.Info("crank cycle", attrs...)
	case o.Kind.Fatal():
		r.logger.Error("crank cycle", attrs...)
	default:
		r.logger.Warn("crank cycle", attrs...)
	}
}

// Last returns the most recent outcome for a market address.
func (r *Reporter) Last(addr domain.Address) (domain.CycleOutcome, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.last[addr.String()]
	return o, ok
}

// Degraded lists the addresses of markets currently degraded.
func (r *Reporter) Degraded() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.degraded))
	for a := range r.degraded {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Close closes every sink.
func (r *Reporter) Close() error {
	var first error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
