package domain

import (
	"context"
	"errors"
	"time"
)

// OutcomeKind is the terminal result of one crank cycle.
type OutcomeKind string

const (
	OutcomeConfirmed    OutcomeKind = "confirmed"
	OutcomeExpired      OutcomeKind = "expired"
	OutcomeRejected     OutcomeKind = "rejected"
	OutcomeNetworkError OutcomeKind = "network_error"
	OutcomeMalformed    OutcomeKind = "malformed_account"
	OutcomeOversized    OutcomeKind = "oversized_event"
	OutcomeIdle         OutcomeKind = "idle"
	OutcomeSkipped      OutcomeKind = "skipped"
	OutcomeAborted      OutcomeKind = "aborted"
)

// Fatal reports whether the outcome ends the cycle in the Error state.
func (k OutcomeKind) Fatal() bool {
	switch k {
	case OutcomeRejected, OutcomeMalformed, OutcomeOversized:
		return true
	}
	return false
}

// ClassifyError maps an error from any stage of a cycle to an outcome kind.
func ClassifyError(err error) OutcomeKind {
	var (
		malformed *MalformedAccountError
		oversized *OversizedEventError
		rejected  *RejectedError
		netErr    *NetworkError
	)
	switch {
	case err == nil:
		return OutcomeConfirmed
	case errors.Is(err, ErrShuttingDown), errors.Is(err, context.Canceled):
		return OutcomeAborted
	case errors.Is(err, ErrStaleAccount):
		return OutcomeSkipped
	case errors.Is(err, ErrExpired), errors.Is(err, ErrConfirmationTimeout):
		return OutcomeExpired
	case errors.As(err, &malformed):
		return OutcomeMalformed
	case errors.As(err, &oversized):
		return OutcomeOversized
	case errors.As(err, &rejected), errors.Is(err, ErrTransactionTooLarge):
		return OutcomeRejected
	case errors.As(err, &netErr), errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrRetriesExhausted):
		return OutcomeNetworkError
	default:
		return OutcomeNetworkError
	}
}

// CycleOutcome is the observability record emitted once per market cycle.
type CycleOutcome struct {
	RunID     string          `json:"run_id"`
	Market    string          `json:"market"`
	Address   string          `json:"address"`
	Kind      OutcomeKind     `json:"kind"`
	Events    int             `json:"events"`
	FirstSeq  uint64          `json:"first_seq"`
	LastSeq   uint64          `json:"last_seq"`
	Pending   int             `json:"pending"`
	Attempts  int             `json:"attempts"`
	Retries   int             `json:"retries"`
	Backoffs  []time.Duration `json:"backoffs,omitempty"`
	Latency   time.Duration   `json:"latency"`
	Signature string          `json:"signature,omitempty"`
	Degraded  bool            `json:"degraded"`
	Err       string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
}
