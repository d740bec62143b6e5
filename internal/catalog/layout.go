package catalog

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"crank_go/internal/domain"
)

// Market account layout (v2), including the 5-byte prefix and 7-byte
// padding suffix.
const (
	MarketAccountSize = 388
	MintAccountSize   = 82

	offMarketFlags   = 5
	offOwnAddress    = 13
	offBaseMint      = 53
	offQuoteMint     = 85
	offRequestQueue  = 221
	offEventQueue    = 253
	offBaseLotSize   = 349
	offQuoteLotSize  = 357
	offMintDecimals  = 44
	offMintInitFlag  = 45
	marketFlagsValid = 1 | 2 // initialized | market
)

var (
	accountPrefix = []byte("serum")
	accountSuffix = []byte("padding")
)

// decodeMarket reads queue addresses, mints and lot sizes from a market
// account. Decimals are filled in from the mint accounts by the caller.
func decodeMarket(addr domain.Address, data []byte) (domain.Market, error) {
	if len(data) != MarketAccountSize {
		return domain.Market{}, malformedMarket("length %d, want %d", len(data), MarketAccountSize)
	}
	if !bytes.Equal(data[:5], accountPrefix) || !bytes.Equal(data[len(data)-7:], accountSuffix) {
		return domain.Market{}, malformedMarket("bad prefix or suffix")
	}
	flags := binary.LittleEndian.Uint64(data[offMarketFlags:])
	if flags&marketFlagsValid != marketFlagsValid {
		return domain.Market{}, malformedMarket("account flags %#x", flags)
	}
	if !bytes.Equal(data[offOwnAddress:offOwnAddress+32], addr[:]) {
		return domain.Market{}, malformedMarket("own address mismatch")
	}

	m := domain.Market{
		Address:      addr,
		BaseLotSize:  binary.LittleEndian.Uint64(data[offBaseLotSize:]),
		QuoteLotSize: binary.LittleEndian.Uint64(data[offQuoteLotSize:]),
	}
	copy(m.BaseMint[:], data[offBaseMint:])
	copy(m.QuoteMint[:], data[offQuoteMint:])
	copy(m.RequestQueue[:], data[offRequestQueue:])
	copy(m.EventQueue[:], data[offEventQueue:])
	return m, nil
}

// decodeMintDecimals reads the decimals of a token mint account.
func decodeMintDecimals(data []byte) (uint8, error) {
	if len(data) < MintAccountSize {
		return 0, &domain.MalformedAccountError{Layout: "mint", Reason: fmt.Sprintf("length %d", len(data))}
	}
	if data[offMintInitFlag] != 1 {
		return 0, &domain.MalformedAccountError{Layout: "mint", Reason: "not initialized"}
	}
	return data[offMintDecimals], nil
}

func malformedMarket(format string, args ...any) error {
	return &domain.MalformedAccountError{Layout: "market", Reason: fmt.Sprintf(format, args...)}
}
