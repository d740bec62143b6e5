package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"crank_go/internal/batch"
	"crank_go/internal/domain"
	"crank_go/internal/infra"
	"crank_go/internal/queue"
	"crank_go/internal/submit"
)

// Submitter lands one batch and reports how it went.
type Submitter interface {
	Submit(ctx context.Context, m domain.Market, b domain.Batch, observe submit.Observer) (submit.Result, error)
}

// WorkerConfig controls one market's cycle scheduling.
type WorkerConfig struct {
	PollInterval  time.Duration
	Limits        batch.Limits
	DegradedAfter int
	DrainEagerly  bool
}

// worker drives one market. Cycles are strictly sequential, so at most one
// transaction per market is ever in flight.
type worker struct {
	market  domain.Market
	gw      domain.ChainGateway
	sub     Submitter
	cfg     WorkerConfig
	runID   string
	results chan<- domain.CycleOutcome
	wake    <-chan struct{}
	metrics *infra.Metrics
	logger  *slog.Logger

	state domain.CycleState
	buf   []domain.Event
}

// run schedules cycles until ctx is canceled. The first cycle starts
// immediately.
func (w *worker) run(ctx context.Context) {
	w.buf = queue.AcquireEvents()
	defer func() {
		queue.ReleaseEvents(w.buf)
		if w.state.InFlight {
			w.metrics.SetInFlight(-1)
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-w.wake:
		}

		again := w.cycle(ctx)
		if again && ctx.Err() == nil {
			timer.Reset(0)
		} else {
			timer.Reset(w.cfg.PollInterval)
		}
	}
}

// cycle runs decode -> batch -> submit once and reports the outcome. It
// returns true when pending events remain after a confirmed batch.
func (w *worker) cycle(ctx context.Context) bool {
	start := time.Now()
	out := domain.CycleOutcome{
		RunID:   w.runID,
		Market:  w.market.Label(),
		Address: w.market.Address.String(),
		At:      start,
	}
	w.fire(domain.TriggerTick)

	data, err := w.gw.FetchAccount(ctx, w.market.EventQueue)
	if err != nil {
		return w.fail(ctx, out, err)
	}
	q, err := queue.DecodeInto(data, w.buf[:0])
	if err != nil {
		return w.fail(ctx, out, err)
	}
	if cap(q.Events) > cap(w.buf) {
		w.buf = q.Events[:0]
	}
	out.Pending = len(q.Events)

	head := q.HeadSeq()
	if w.state.Known && head < w.state.HeadSeq {
		// lagging node: the queue is behind what we already confirmed
		w.fire(domain.TriggerAbort)
		w.staleSkip(head)
		out.Kind = domain.OutcomeSkipped
		out.Err = domain.ErrStaleAccount.Error()
		out.FirstSeq = head
		out.Degraded = w.state.Degraded
		w.emit(out)
		return false
	}
	w.state.StaleSkips = 0
	w.state.HeadSeq = head
	w.state.Known = true
	w.state.Pending = len(q.Events)

	if len(q.Events) == 0 {
		w.fire(domain.TriggerEmpty)
		out.Kind = domain.OutcomeIdle
		out.Degraded = w.state.Degraded
		w.emit(out)
		return false
	}
	w.fire(domain.TriggerDecoded)

	b, err := batch.Next(q.Events, w.cfg.Limits)
	if err != nil {
		return w.fail(ctx, out, err)
	}
	w.fire(domain.TriggerBatched)
	out.Events = b.Len()
	out.FirstSeq = b.FirstSeq()
	out.LastSeq = b.LastSeq()

	res, err := w.sub.Submit(ctx, w.market, b, w.fire)
	out.Attempts = res.Attempts
	out.Retries = res.Retries
	out.Backoffs = res.Backoffs
	w.state.Retries = res.Retries
	if !res.Signature.IsZero() {
		out.Signature = res.Signature.String()
	}

	if err == nil {
		w.fire(domain.TriggerConfirmed)
		out.Kind = domain.OutcomeConfirmed
		out.Latency = res.Latency
		w.state.HeadSeq = b.LastSeq() + 1
		w.state.Pending -= b.Len()
		w.state.ConsecutiveFailures = 0
		w.state.Degraded = false
		w.logSettled(ctx, b)
		w.emit(out)
		return w.cfg.DrainEagerly && w.state.Pending > 0
	}

	if res.Exhausted {
		w.state.Degraded = true
	}
	return w.fail(ctx, out, err)
}

// fail closes a cycle that did not confirm.
func (w *worker) fail(ctx context.Context, out domain.CycleOutcome, err error) bool {
	out.Kind = domain.ClassifyError(err)
	out.Err = err.Error()
	if ctx.Err() != nil && out.Kind == domain.OutcomeNetworkError && errors.Is(err, context.Canceled) {
		out.Kind = domain.OutcomeAborted
	}

	switch {
	case out.Kind == domain.OutcomeAborted:
		w.fire(domain.TriggerAbort)
	case errors.Is(err, domain.ErrConfirmationTimeout):
		// the transaction is left to the chain, but the cycle still failed
		w.fire(domain.TriggerAbort)
		w.countFailure()
	default:
		w.fire(domain.TriggerFatal)
		w.countFailure()
	}
	out.Degraded = w.state.Degraded
	w.emit(out)
	return false
}

func (w *worker) countFailure() {
	w.state.ConsecutiveFailures++
	if w.cfg.DegradedAfter > 0 && w.state.ConsecutiveFailures >= w.cfg.DegradedAfter {
		w.state.Degraded = true
	}
}

// staleSkip records a read behind HeadSeq. After DegradedAfter of them in a
// row the market is degraded and HeadSeq is forgotten, so the next read
// re-seeds it from the chain instead of waiting forever on a seed the chain
// never reaches.
func (w *worker) staleSkip(head uint64) {
	w.state.StaleSkips++
	if w.cfg.DegradedAfter <= 0 || w.state.StaleSkips < w.cfg.DegradedAfter {
		return
	}
	w.logger.Warn("queue stayed behind the confirmed head, re-seeding",
		"head", head, "expected", w.state.HeadSeq, "skips", w.state.StaleSkips)
	w.state.Degraded = true
	w.state.Known = false
	w.state.StaleSkips = 0
}

// fire applies a trigger to the state machine. An invalid transition is a
// bug; it is logged and the phase is left unchanged.
func (w *worker) fire(t domain.Trigger) {
	was := w.state.InFlight
	if err := w.state.Fire(t); err != nil {
		w.logger.Error("state machine violation", "phase", w.state.Phase.String(), "trigger", t.String(), "error", err)
		return
	}
	switch {
	case !was && w.state.InFlight:
		w.metrics.SetInFlight(1)
	case was && !w.state.InFlight:
		w.metrics.SetInFlight(-1)
	}
}

// logSettled writes one debug line per fill of a confirmed batch.
func (w *worker) logSettled(ctx context.Context, b domain.Batch) {
	if !w.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	for _, e := range b.Events {
		if e.Kind != domain.EventFill {
			continue
		}
		s := w.market.Settle(e)
		w.logger.Debug("fill settled",
			"seq", s.Seq,
			"side", s.Side.String(),
			"owner", s.Owner.String(),
			"price", s.Price.String(),
			"base", s.Base.String(),
			"quote", s.Quote.String(),
		)
	}
}

func (w *worker) emit(out domain.CycleOutcome) {
	if out.Latency == 0 && out.Kind != domain.OutcomeConfirmed {
		out.Latency = time.Since(out.At)
	}
	w.results <- out
}
