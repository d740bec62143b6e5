package catalog

import (
	"context"

	"crank_go/internal/domain"
	"crank_go/internal/infra"
)

// StaticSource serves the markets listed in the config file.
type StaticSource struct {
	markets []infra.MarketConfig
}

func NewStaticSource(markets []infra.MarketConfig) *StaticSource {
	return &StaticSource{markets: markets}
}

func (s *StaticSource) Name() string { return "config" }

func (s *StaticSource) Load(_ context.Context) ([]Spec, error) {
	out := make([]Spec, 0, len(s.markets))
	for _, mc := range s.markets {
		m, err := mc.ToMarket()
		if err != nil {
			return nil, err
		}
		out = append(out, Spec{Market: m, Complete: mc.Complete()})
	}
	return out, nil
}

// MarketStore lists operator-managed markets.
type MarketStore interface {
	EnabledMarkets(ctx context.Context) ([]domain.Market, error)
}

// StorageSource serves operator-managed markets from the database.
type StorageSource struct {
	store MarketStore
}

func NewStorageSource(store MarketStore) *StorageSource {
	return &StorageSource{store: store}
}

func (s *StorageSource) Name() string { return "storage" }

func (s *StorageSource) Load(ctx context.Context) ([]Spec, error) {
	markets, err := s.store.EnabledMarkets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Spec, len(markets))
	for i, m := range markets {
		out[i] = Spec{Market: m, Complete: true}
	}
	return out, nil
}
