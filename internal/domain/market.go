package domain

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// Market is one order book the crank drives. Immutable once loaded.
type Market struct {
	Name         string
	Address      Address
	EventQueue   Address
	RequestQueue Address
	BaseMint     Address
	QuoteMint    Address

	BaseLotSize   uint64
	QuoteLotSize  uint64
	BaseDecimals  uint8
	QuoteDecimals uint8

	// Fee receivables are passed to consume-events as trailing writable
	// accounts. The program ignores them; zero means "use the payer".
	BaseFeeReceivable  Address
	QuoteFeeReceivable Address
}

// Label returns Name if set, otherwise the base58 address.
func (m Market) Label() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Address.String()
}

// Validate checks that the market carries everything a consume-events
// transaction needs.
func (m Market) Validate() error {
	switch {
	case m.Address.IsZero():
		return &ConfigError{Field: "market.address", Err: errors.New("missing")}
	case m.EventQueue.IsZero():
		return &ConfigError{Field: "market.event_queue", Err: errors.New("missing")}
	case m.BaseLotSize == 0:
		return &ConfigError{Field: "market.base_lot_size", Err: errors.New("must be positive")}
	case m.QuoteLotSize == 0:
		return &ConfigError{Field: "market.quote_lot_size", Err: errors.New("must be positive")}
	}
	return nil
}

// TickSize is the price increment in UI units (quote per base).
func (m Market) TickSize() decimal.Decimal {
	num := fromUint64(m.QuoteLotSize).Shift(int32(m.BaseDecimals))
	den := fromUint64(m.BaseLotSize).Shift(int32(m.QuoteDecimals))
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Div(den)
}

// MinSize is the size increment in UI base units.
func (m Market) MinSize() decimal.Decimal {
	return fromUint64(m.BaseLotSize).Shift(-int32(m.BaseDecimals))
}

// PriceFromLots converts an order-book price in lots to UI units.
func (m Market) PriceFromLots(lots uint64) decimal.Decimal {
	return fromUint64(lots).Mul(m.TickSize())
}

// BaseFromNative converts a native base quantity to UI units.
func (m Market) BaseFromNative(native uint64) decimal.Decimal {
	return fromUint64(native).Shift(-int32(m.BaseDecimals))
}

// QuoteFromNative converts a native quote quantity to UI units.
func (m Market) QuoteFromNative(native uint64) decimal.Decimal {
	return fromUint64(native).Shift(-int32(m.QuoteDecimals))
}

// Settlement is a fill expressed in UI units.
type Settlement struct {
	Seq   uint64
	Side  Side
	Owner Address
	Price decimal.Decimal
	Base  decimal.Decimal
	Quote decimal.Decimal
}

// Settle converts a fill event of this market to UI units.
func (m Market) Settle(e Event) Settlement {
	return Settlement{
		Seq:   e.Seq,
		Side:  e.Side,
		Owner: e.Owner,
		Price: m.PriceFromLots(e.PriceLots()),
		Base:  m.BaseFromNative(e.BaseQty()),
		Quote: m.QuoteFromNative(e.QuoteQty()),
	}
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
