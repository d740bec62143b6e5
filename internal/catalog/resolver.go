package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"crank_go/internal/domain"
)

// MarketCache stores resolved markets across restarts.
type MarketCache interface {
	GetMarket(addr domain.Address) (*domain.Market, error)
	CacheMarket(m domain.Market) error
}

// ChainResolver completes markets from their on-chain accounts.
type ChainResolver struct {
	gw     domain.ChainGateway
	cache  MarketCache
	logger *slog.Logger
}

// NewChainResolver creates a resolver. cache may be nil.
func NewChainResolver(gw domain.ChainGateway, cache MarketCache) *ChainResolver {
	return &ChainResolver{
		gw:     gw,
		cache:  cache,
		logger: slog.Default().With("module", "chain_resolver"),
	}
}

// Resolve returns the cached market if present, otherwise reads the market
// and both mint accounts and caches the result.
func (r *ChainResolver) Resolve(ctx context.Context, addr domain.Address) (domain.Market, error) {
	if r.cache != nil {
		cached, err := r.cache.GetMarket(addr)
		if err != nil {
			r.logger.Warn("market cache read failed", "market", addr.String(), "error", err)
		} else if cached != nil {
			return *cached, nil
		}
	}

	data, err := r.gw.FetchAccount(ctx, addr)
	if err != nil {
		return domain.Market{}, err
	}
	m, err := decodeMarket(addr, data)
	if err != nil {
		return domain.Market{}, err
	}

	if m.BaseDecimals, err = r.mintDecimals(ctx, m.BaseMint); err != nil {
		return domain.Market{}, fmt.Errorf("base mint: %w", err)
	}
	if m.QuoteDecimals, err = r.mintDecimals(ctx, m.QuoteMint); err != nil {
		return domain.Market{}, fmt.Errorf("quote mint: %w", err)
	}

	if r.cache != nil {
		if err := r.cache.CacheMarket(m); err != nil {
			r.logger.Warn("market cache write failed", "market", addr.String(), "error", err)
		}
	}
	r.logger.Info("market resolved", "market", addr.String(), "event_queue", m.EventQueue.String())
	return m, nil
}

func (r *ChainResolver) mintDecimals(ctx context.Context, mint domain.Address) (uint8, error) {
	data, err := r.gw.FetchAccount(ctx, mint)
	if err != nil {
		return 0, err
	}
	return decodeMintDecimals(data)
}
