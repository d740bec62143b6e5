package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"crank_go/internal/domain"
	"crank_go/internal/infra"
)

// TxBuilder builds and signs one consume-events transaction.
type TxBuilder interface {
	Build(m domain.Market, b domain.Batch, blockhash domain.Blockhash) ([]byte, domain.Signature, error)
}

// Config bounds retries and confirmation.
type Config struct {
	ConfirmationTimeout time.Duration
	ConfirmPollInterval time.Duration
	MaxRetries          int
	Simulate            bool

	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter time.Duration
}

// ConfigFrom extracts the submitter settings from the crank config.
func ConfigFrom(cfg *infra.Config) Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Config{
		ConfirmationTimeout: cfg.ConfirmationTimeout(),
		ConfirmPollInterval: cfg.ConfirmationPoll(),
		MaxRetries:          *cfg.Crank.MaxRetries,
		Simulate:            cfg.Crank.Simulate,
		BackoffBase:         ms(cfg.Crank.BackoffBaseMS),
		BackoffMax:          ms(cfg.Crank.BackoffMaxMS),
		BackoffJitter:       ms(cfg.Crank.BackoffJitterMS),
	}
}

// Result describes one Submit call, successful or not.
type Result struct {
	Signature domain.Signature
	Attempts  int // transactions handed to the gateway
	Retries   int
	Backoffs  []time.Duration
	Latency   time.Duration // first submission to confirmation
	Exhausted bool          // transient failures outlasted MaxRetries
}

// Observer is told about phase changes driven by the submitter: Submitted,
// Transient and Retry.
type Observer func(domain.Trigger)

// Submitter lands one batch per Submit call. Safe for concurrent use by
// many markets; all state lives on the call stack.
type Submitter struct {
	gw      domain.ChainGateway
	builder TxBuilder
	limiter domain.Limiter
	cfg     Config
	logger  *slog.Logger

	// newBackoff is replaced by tests to pin jitter.
	newBackoff func() *infra.Backoff
}

// New creates a submitter.
func New(gw domain.ChainGateway, builder TxBuilder, limiter domain.Limiter, cfg Config) *Submitter {
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 500 * time.Millisecond
	}
	s := &Submitter{
		gw:      gw,
		builder: builder,
		limiter: limiter,
		cfg:     cfg,
		logger:  slog.Default().With("module", "submitter"),
	}
	s.newBackoff = func() *infra.Backoff {
		return infra.NewBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffJitter)
	}
	return s
}

// Submit builds, signs and submits a transaction for b and waits for its
// confirmation, retrying transient failures.
//
// Once ctx is canceled no new transaction is submitted and Submit returns
// domain.ErrShuttingDown. A transaction already submitted is still
// confirmed, bounded by ConfirmationTimeout.
func (s *Submitter) Submit(ctx context.Context, m domain.Market, b domain.Batch, observe Observer) (Result, error) {
	if observe == nil {
		observe = func(domain.Trigger) {}
	}
	var (
		res      Result
		lastErr  error
		backoff  = s.newBackoff()
		firstSub time.Time
	)

	for {
		if lastErr != nil {
			if res.Retries >= s.cfg.MaxRetries {
				res.Exhausted = true
				return res, fmt.Errorf("%w after %d retries: %w", domain.ErrRetriesExhausted, res.Retries, lastErr)
			}
			res.Retries++
			wait := backoff.Next(res.Retries)
			res.Backoffs = append(res.Backoffs, wait)
			s.logger.Debug("retrying submission", "market", m.Label(), "retry", res.Retries, "wait", wait, "error", lastErr)
			if err := sleep(ctx, wait); err != nil {
				return res, domain.ErrShuttingDown
			}
			observe(domain.TriggerRetry)
		}

		if ctx.Err() != nil {
			return res, domain.ErrShuttingDown
		}

		err := s.attempt(ctx, m, b, &res, &firstSub, observe)
		if err == nil {
			res.Latency = time.Since(firstSub)
			return res, nil
		}
		if errors.Is(err, domain.ErrShuttingDown) || errors.Is(err, domain.ErrConfirmationTimeout) {
			return res, err
		}
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return res, domain.ErrShuttingDown
		}
		if !domain.IsRetriable(err) {
			return res, err
		}
		lastErr = err
		observe(domain.TriggerTransient)
	}
}

// attempt runs one blockhash -> build -> submit -> confirm pass.
func (s *Submitter) attempt(ctx context.Context, m domain.Market, b domain.Batch, res *Result, firstSub *time.Time, observe Observer) error {
	bh, err := s.gw.LatestBlockhash(ctx)
	if err != nil {
		return err
	}

	tx, sig, err := s.builder.Build(m, b, bh.Hash)
	if err != nil {
		return err
	}

	if s.cfg.Simulate {
		if err := s.gw.SimulateTransaction(ctx, tx); err != nil {
			return err
		}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return domain.ErrShuttingDown
		}
		return domain.NewNetworkError("limiter", err)
	}
	if ctx.Err() != nil {
		return domain.ErrShuttingDown
	}

	res.Attempts++
	if firstSub.IsZero() {
		*firstSub = time.Now()
	}
	got, err := s.gw.SubmitTransaction(ctx, tx)
	if err != nil {
		if !domain.IsRetriable(err) {
			return err
		}
		return s.settleUnacknowledged(ctx, m, sig, bh.LastValidBlockHeight, err, res, observe)
	}
	if !got.IsZero() && got != sig {
		s.logger.Warn("gateway returned unexpected signature", "market", m.Label(), "want", sig.String(), "got", got.String())
	}
	res.Signature = sig
	observe(domain.TriggerSubmitted)

	return s.confirm(ctx, sig, bh.LastValidBlockHeight)
}

// settleUnacknowledged handles a transport failure on send. The node may
// have accepted the bytes, so the transaction counts as in flight until its
// signature confirms, fails or outlives its blockhash. Only an expiry lets
// the caller rebuild; it then sees sendErr as the cause.
func (s *Submitter) settleUnacknowledged(ctx context.Context, m domain.Market, sig domain.Signature, lastValid uint64, sendErr error, res *Result, observe Observer) error {
	s.logger.Warn("send failed, tracking signature until it expires",
		"market", m.Label(), "signature", sig.String(), "error", sendErr)
	res.Signature = sig
	observe(domain.TriggerSubmitted)

	err := s.confirm(ctx, sig, lastValid)
	if errors.Is(err, domain.ErrExpired) {
		return sendErr
	}
	return err
}

// confirm polls until the transaction is final, expired or the timeout
// passes. It ignores ctx cancellation so an in-flight transaction is
// always resolved.
func (s *Submitter) confirm(ctx context.Context, sig domain.Signature, lastValid uint64) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.ConfirmPollInterval)
	defer ticker.Stop()
	for {
		conf, err := s.gw.GetConfirmation(cctx, sig, lastValid)
		switch {
		case err != nil:
			if cctx.Err() == nil {
				s.logger.Debug("confirmation poll failed", "signature", sig.String(), "error", err)
			}
		case conf.Status == domain.StatusConfirmed:
			return nil
		case conf.Status == domain.StatusExpired:
			return domain.ErrExpired
		case conf.Status == domain.StatusRejected:
			return &domain.RejectedError{Reason: conf.Reason}
		}

		select {
		case <-cctx.Done():
			return fmt.Errorf("%w: %s", domain.ErrConfirmationTimeout, sig)
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
