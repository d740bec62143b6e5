package catalog

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"crank_go/internal/domain"
	"crank_go/internal/infra"
)

func addr(b byte) domain.Address {
	var a domain.Address
	a[0] = b
	a[31] = 0xff
	return a
}

func market(b byte) domain.Market {
	return domain.Market{
		Name:          "M" + string('A'+rune(b)),
		Address:       addr(b),
		EventQueue:    addr(b + 100),
		RequestQueue:  addr(b + 150),
		BaseMint:      addr(200),
		QuoteMint:     addr(201),
		BaseLotSize:   100,
		QuoteLotSize:  10,
		BaseDecimals:  9,
		QuoteDecimals: 6,
	}
}

// fakeSource returns whatever specs it currently holds.
type fakeSource struct {
	mu    sync.Mutex
	specs []Spec
	err   error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Load(context.Context) ([]Spec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Spec(nil), f.specs...), f.err
}

func (f *fakeSource) set(err error, markets ...domain.Market) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.specs = f.specs[:0]
	for _, m := range markets {
		f.specs = append(f.specs, Spec{Market: m, Complete: true})
	}
}

func labels(ms []domain.Market) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Name
	}
	return out
}

func TestCatalog_Snapshot(t *testing.T) {
	c := New(market(3), market(1), market(2))

	if c.Len() != 3 {
		t.Fatalf("Expected 3 markets, got %d", c.Len())
	}
	if diff := cmp.Diff([]string{"MB", "MC", "MD"}, labels(c.Markets())); diff != "" {
		t.Errorf("Markets() not sorted by address (-want +got):\n%s", diff)
	}
	if _, ok := c.Lookup(addr(2)); !ok {
		t.Error("Expected Lookup to find market 2")
	}
	if _, ok := c.Lookup(addr(9)); ok {
		t.Error("Expected Lookup to miss market 9")
	}
}

func TestCatalog_RefreshDiff(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.set(nil, market(1), market(2))
	c := NewWithSources(nil, src)

	if err := c.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	t.Run("Add and remove", func(t *testing.T) {
		src.set(nil, market(2), market(3))
		diff, err := c.Refresh(ctx)
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if d := cmp.Diff([]string{"MD"}, labels(diff.Added)); d != "" {
			t.Errorf("Added mismatch:\n%s", d)
		}
		if d := cmp.Diff([]string{"MB"}, labels(diff.Removed)); d != "" {
			t.Errorf("Removed mismatch:\n%s", d)
		}
	})

	t.Run("No change", func(t *testing.T) {
		diff, err := c.Refresh(ctx)
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if !diff.Empty() {
			t.Errorf("Expected empty diff, got %+v", diff)
		}
	})

	t.Run("Changed market is replaced", func(t *testing.T) {
		changed := market(3)
		changed.BaseLotSize = 1000
		src.set(nil, market(2), changed)
		diff, err := c.Refresh(ctx)
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if len(diff.Added) != 1 || len(diff.Removed) != 1 || diff.Added[0].BaseLotSize != 1000 {
			t.Errorf("Expected one replaced market, got %+v", diff)
		}
	})

	t.Run("Failure keeps previous set", func(t *testing.T) {
		src.set(errors.New("db down"))
		if _, err := c.Refresh(ctx); err == nil {
			t.Fatal("Expected refresh error")
		}
		if c.Len() != 2 {
			t.Errorf("Expected previous 2 markets kept, got %d", c.Len())
		}
	})

	t.Run("Invalid market rejected", func(t *testing.T) {
		bad := market(4)
		bad.QuoteLotSize = 0
		src.set(nil, market(2), bad)
		_, err := c.Refresh(ctx)
		var ce *domain.ConfigError
		if !errors.As(err, &ce) {
			t.Errorf("Expected ConfigError, got %v", err)
		}
	})
}

func TestCatalog_EarlierSourceWins(t *testing.T) {
	first, second := &fakeSource{}, &fakeSource{}
	a := market(1)
	b := market(1)
	b.Name = "shadowed"
	first.set(nil, a)
	second.set(nil, b)

	c := NewWithSources(nil, first, second)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	m, _ := c.Lookup(a.Address)
	if m.Name != a.Name {
		t.Errorf("Expected %s, got %s", a.Name, m.Name)
	}
}

func TestStaticSource(t *testing.T) {
	src := NewStaticSource([]infra.MarketConfig{
		{Address: "9wFFyRfZBsuAha4YcuxcXLKwMxJR43S7fPfQLusDBzvT", EventQueue: "5KKsLVU6TcbVDK4BS6K1DGDxnh4Q9xjYJ8XaDCG5t8ht", BaseLotSize: 1, QuoteLotSize: 1},
		{Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"},
	})
	specs, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(specs) != 2 || !specs[0].Complete || specs[1].Complete {
		t.Errorf("Unexpected specs %+v", specs)
	}
}

// chainStub serves raw accounts from a map.
type chainStub struct {
	domain.ChainGateway
	accounts map[domain.Address][]byte
	fetches  int
}

func (s *chainStub) FetchAccount(_ context.Context, a domain.Address) ([]byte, error) {
	s.fetches++
	data, ok := s.accounts[a]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return data, nil
}

type memCache struct {
	markets map[domain.Address]domain.Market
}

func (c *memCache) GetMarket(a domain.Address) (*domain.Market, error) {
	m, ok := c.markets[a]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (c *memCache) CacheMarket(m domain.Market) error {
	c.markets[m.Address] = m
	return nil
}

func TestChainResolver(t *testing.T) {
	want := market(1)
	want.Name = ""
	chain := &chainStub{accounts: map[domain.Address][]byte{
		want.Address:   encodeMarket(want),
		want.BaseMint:  encodeMint(9),
		want.QuoteMint: encodeMint(6),
	}}
	cache := &memCache{markets: map[domain.Address]domain.Market{}}
	r := NewChainResolver(chain, cache)

	got, err := r.Resolve(context.Background(), want.Address)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d := cmp.Diff(want, got); d != "" {
		t.Errorf("Resolved market mismatch (-want +got):\n%s", d)
	}
	if _, ok := cache.markets[want.Address]; !ok {
		t.Error("Expected resolved market to be cached")
	}

	fetches := chain.fetches
	if _, err := r.Resolve(context.Background(), want.Address); err != nil {
		t.Fatalf("cached Resolve failed: %v", err)
	}
	if chain.fetches != fetches {
		t.Errorf("Expected cached resolve without fetches, got %d more", chain.fetches-fetches)
	}
}

func TestChainResolver_Errors(t *testing.T) {
	m := market(1)
	corrupt := encodeMarket(m)
	binary.LittleEndian.PutUint64(corrupt[offMarketFlags:], 0)

	tests := []struct {
		name     string
		accounts map[domain.Address][]byte
		check    func(error) bool
	}{
		{"missing market", map[domain.Address][]byte{}, func(err error) bool { return errors.Is(err, domain.ErrAccountNotFound) }},
		{"bad flags", map[domain.Address][]byte{m.Address: corrupt}, isMalformed},
		{"short account", map[domain.Address][]byte{m.Address: corrupt[:100]}, isMalformed},
		{"bad mint", map[domain.Address][]byte{m.Address: encodeMarket(m), m.BaseMint: {1, 2}}, isMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewChainResolver(&chainStub{accounts: tt.accounts}, nil)
			if _, err := r.Resolve(context.Background(), m.Address); !tt.check(err) {
				t.Errorf("Unexpected error %v", err)
			}
		})
	}
}

func TestCatalog_ResolvesIncompleteSpecs(t *testing.T) {
	full := market(1)
	full.Name = ""
	chain := &chainStub{accounts: map[domain.Address][]byte{
		full.Address:   encodeMarket(full),
		full.BaseMint:  encodeMint(9),
		full.QuoteMint: encodeMint(6),
	}}
	src := &fakeSource{specs: []Spec{{Market: domain.Market{Address: full.Address, Name: "SOL/USDC"}}}}

	c := NewWithSources(NewChainResolver(chain, nil), src)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	got, ok := c.Lookup(full.Address)
	if !ok || got.Name != "SOL/USDC" || got.EventQueue != full.EventQueue {
		t.Errorf("Unexpected resolved market %+v", got)
	}

	unresolvable := NewWithSources(nil, src)
	var ce *domain.ConfigError
	if err := unresolvable.Load(context.Background()); !errors.As(err, &ce) {
		t.Errorf("Expected ConfigError without resolver, got %v", err)
	}
}

func isMalformed(err error) bool {
	var me *domain.MalformedAccountError
	return errors.As(err, &me)
}

// encodeMarket is the inverse of decodeMarket, for simulators and tests.
func encodeMarket(m domain.Market) []byte {
	data := make([]byte, MarketAccountSize)
	copy(data, accountPrefix)
	copy(data[len(data)-7:], accountSuffix)
	binary.LittleEndian.PutUint64(data[offMarketFlags:], marketFlagsValid)
	copy(data[offOwnAddress:], m.Address[:])
	copy(data[offBaseMint:], m.BaseMint[:])
	copy(data[offQuoteMint:], m.QuoteMint[:])
	copy(data[offRequestQueue:], m.RequestQueue[:])
	copy(data[offEventQueue:], m.EventQueue[:])
	binary.LittleEndian.PutUint64(data[offBaseLotSize:], m.BaseLotSize)
	binary.LittleEndian.PutUint64(data[offQuoteLotSize:], m.QuoteLotSize)
	return data
}

func encodeMint(decimals uint8) []byte {
	data := make([]byte, MintAccountSize)
	data[offMintDecimals] = decimals
	data[offMintInitFlag] = 1
	return data
}
