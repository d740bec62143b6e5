package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable. Expired transactions are
// always retriable with a fresh blockhash.
func IsRetriable(err error) bool {
	if errors.Is(err, ErrExpired) {
		return true
	}
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a transport failure talking to the chain gateway
type NetworkError struct {
	Op        string // Operation that failed (e.g., "getAccountInfo", "sendTransaction")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// MalformedAccountError is returned when account bytes do not match the
// expected layout. Fatal for the current cycle only.
type MalformedAccountError struct {
	Layout string
	Reason string
}

func (e *MalformedAccountError) Error() string {
	return "malformed " + e.Layout + " account: " + e.Reason
}

func (e *MalformedAccountError) IsRetriable() bool {
	return false
}

// OversizedEventError signals that events cannot be packed within the
// configured limits, which means the limits do not match the program.
type OversizedEventError struct {
	Seq    uint64
	Limit  int
	Reason string
}

func (e *OversizedEventError) Error() string {
	return fmt.Sprintf("oversized event at seq %d (limit %d): %s", e.Seq, e.Limit, e.Reason)
}

func (e *OversizedEventError) IsRetriable() bool {
	return false
}

// RejectedError is a simulation or execution failure not explained by a
// stale blockhash. Retrying the same instruction would fail again.
type RejectedError struct {
	Reason string
	Logs   []string
}

func (e *RejectedError) Error() string {
	return "transaction rejected: " + e.Reason
}

func (e *RejectedError) IsRetriable() bool {
	return false
}

var (
	// ErrExpired is returned when a transaction's blockhash aged out before it
	// landed. Retriable with a fresh blockhash.
	ErrExpired = errors.New("transaction expired")

	// ErrAccountNotFound is returned when the gateway has no such account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrRetriesExhausted is returned when transient failures outlast the
	// retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrConfirmationTimeout is returned when a submitted transaction is still
	// pending after the confirmation timeout.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrShuttingDown is returned instead of submitting once shutdown began.
	ErrShuttingDown = errors.New("shutting down")

	// ErrStaleAccount is returned when the fetched queue is behind what this
	// crank already confirmed (lagging RPC node).
	ErrStaleAccount = errors.New("stale account data")

	// ErrTransactionTooLarge is returned when the encoded transaction exceeds
	// the packet limit.
	ErrTransactionTooLarge = errors.New("transaction too large")
)
