package domain

import (
	"context"
)

// ConfirmationStatus is the gateway's view of a submitted transaction.
type ConfirmationStatus uint8

const (
	StatusPending ConfirmationStatus = iota
	StatusConfirmed
	StatusExpired
	StatusRejected
)

func (s ConfirmationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusExpired:
		return "expired"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Confirmation is returned by GetConfirmation. Reason is set for rejections.
type Confirmation struct {
	Status ConfirmationStatus
	Reason string
}

// RecentBlockhash is a transaction reference and the last block height at
// which transactions bound to it can land.
type RecentBlockhash struct {
	Hash                 Blockhash
	LastValidBlockHeight uint64
}

// ChainGateway is the narrow network boundary the crank depends on.
// Implementations must be safe for concurrent use by all market workers.
type ChainGateway interface {
	// FetchAccount returns raw account data, ErrAccountNotFound or a
	// *NetworkError.
	FetchAccount(ctx context.Context, addr Address) ([]byte, error)
	LatestBlockhash(ctx context.Context) (RecentBlockhash, error)
	// SimulateTransaction returns a *RejectedError if the transaction would
	// fail, or ErrExpired if its blockhash is unknown.
	SimulateTransaction(ctx context.Context, tx []byte) error
	SubmitTransaction(ctx context.Context, tx []byte) (Signature, error)
	GetConfirmation(ctx context.Context, sig Signature, lastValidBlockHeight uint64) (Confirmation, error)
}

// Limiter hands out submission permits shared across all markets.
type Limiter interface {
	Wait(ctx context.Context) error
}

// OutcomeSink receives cycle outcomes for export.
type OutcomeSink interface {
	Publish(ctx context.Context, outcome CycleOutcome) error
	Close() error
}
