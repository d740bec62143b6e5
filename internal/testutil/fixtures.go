package testutil

import (
	"crank_go/internal/domain"
	"crank_go/internal/txn"
)

// Addr returns a deterministic non-zero address tagged by kind and index.
func Addr(kind, i byte) domain.Address {
	var a domain.Address
	a[0] = kind
	a[1] = i
	a[31] = 0x5a
	return a
}

// Owner returns the i-th open-orders owner address.
func Owner(i byte) domain.Address {
	return Addr('o', i)
}

// Market returns a complete market whose event queue is Addr('q', i).
func Market(i byte) domain.Market {
	return domain.Market{
		Name:          "TEST-" + string(rune('A'+i)),
		Address:       Addr('m', i),
		EventQueue:    Addr('q', i),
		RequestQueue:  Addr('r', i),
		BaseMint:      Addr('b', i),
		QuoteMint:     Addr('c', i),
		BaseLotSize:   100_000,
		QuoteLotSize:  100,
		BaseDecimals:  9,
		QuoteDecimals: 6,
	}
}

// Fill returns a maker bid fill for owner. Push assigns its sequence number.
func Fill(owner domain.Address) domain.Event {
	return domain.Event{
		Kind:              domain.EventFill,
		Side:              domain.SideBid,
		Maker:             true,
		NativeQtyReleased: 1_000,
		NativeQtyPaid:     2_000,
		OrderID:           domain.OrderID{Hi: 42, Lo: 7},
		Owner:             owner,
	}
}

// Fills returns n fills cycling through the given owners.
func Fills(n int, owners ...domain.Address) []domain.Event {
	out := make([]domain.Event, n)
	for i := range out {
		out[i] = Fill(owners[i%len(owners)])
	}
	return out
}

// Payer returns a deterministic signing keypair.
func Payer() *txn.Keypair {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	kp, err := txn.KeypairFromSeed(seed)
	if err != nil {
		panic(err)
	}
	return kp
}

// ProgramID is the dex program used in tests.
var ProgramID = Addr('p', 0)
