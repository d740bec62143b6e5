package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"crank_go/internal/domain"
)

// Spec is a market as a Source knows it. Incomplete specs carry only an
// address and must be resolved on chain.
type Spec struct {
	Market   domain.Market
	Complete bool
}

// Source yields market specs. Sources are re-read on every Refresh.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]Spec, error)
}

// Resolver completes an address-only spec.
type Resolver interface {
	Resolve(ctx context.Context, addr domain.Address) (domain.Market, error)
}

// Diff is the result of a Refresh. A market whose parameters changed shows
// up in both lists.
type Diff struct {
	Added   []domain.Market
	Removed []domain.Market
}

// Empty reports whether the refresh changed nothing.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Catalog is the set of markets being cranked. Safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	markets map[domain.Address]domain.Market

	sources  []Source
	resolver Resolver
	logger   *slog.Logger
}

// New creates a fixed catalog. Refresh on it is a no-op.
func New(markets ...domain.Market) *Catalog {
	c := &Catalog{
		markets: make(map[domain.Address]domain.Market, len(markets)),
		logger:  slog.Default().With("module", "catalog"),
	}
	for _, m := range markets {
		c.markets[m.Address] = m
	}
	return c
}

// NewWithSources creates a catalog backed by sources. Call Load before use.
// resolver may be nil when every source yields complete specs.
func NewWithSources(resolver Resolver, sources ...Source) *Catalog {
	c := New()
	c.sources = sources
	c.resolver = resolver
	return c
}

// Load performs the initial read. Failure is fatal to the caller.
func (c *Catalog) Load(ctx context.Context) error {
	_, err := c.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("catalog load: %w", err)
	}
	return nil
}

// Markets returns a snapshot sorted by address.
func (c *Catalog) Markets() []domain.Market {
	c.mu.RLock()
	out := make([]domain.Market, 0, len(c.markets))
	for _, m := range c.markets {
		out = append(out, m)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Less(out[j].Address) })
	return out
}

// Lookup finds a market by address.
func (c *Catalog) Lookup(addr domain.Address) (domain.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markets[addr]
	return m, ok
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markets)
}

// Refresh re-reads every source, resolves incomplete specs and swaps the
// market set. On error the previous set is kept.
func (c *Catalog) Refresh(ctx context.Context) (Diff, error) {
	if len(c.sources) == 0 {
		return Diff{}, nil
	}

	next := make(map[domain.Address]domain.Market)
	for _, src := range c.sources {
		specs, err := src.Load(ctx)
		if err != nil {
			return Diff{}, fmt.Errorf("source %s: %w", src.Name(), err)
		}
		for _, spec := range specs {
			addr := spec.Market.Address
			if _, dup := next[addr]; dup {
				// earlier sources win
				continue
			}
			m := spec.Market
			if !spec.Complete {
				if c.resolver == nil {
					return Diff{}, &domain.ConfigError{Field: "markets", Err: fmt.Errorf("market %s is incomplete and no resolver is configured", addr)}
				}
				resolved, err := c.resolver.Resolve(ctx, addr)
				if err != nil {
					return Diff{}, fmt.Errorf("resolve %s: %w", addr, err)
				}
				m = merge(spec.Market, resolved)
			}
			if err := m.Validate(); err != nil {
				return Diff{}, fmt.Errorf("market %s: %w", m.Label(), err)
			}
			next[addr] = m
		}
	}

	c.mu.Lock()
	prev := c.markets
	c.markets = next
	c.mu.Unlock()

	diff := diffSets(prev, next)
	if !diff.Empty() {
		c.logger.Info("catalog changed", "added", len(diff.Added), "removed", len(diff.Removed), "total", len(next))
	}
	return diff, nil
}

// merge keeps operator-provided fields over resolved ones.
func merge(spec, resolved domain.Market) domain.Market {
	out := resolved
	if spec.Name != "" {
		out.Name = spec.Name
	}
	if !spec.BaseFeeReceivable.IsZero() {
		out.BaseFeeReceivable = spec.BaseFeeReceivable
	}
	if !spec.QuoteFeeReceivable.IsZero() {
		out.QuoteFeeReceivable = spec.QuoteFeeReceivable
	}
	return out
}

func diffSets(prev, next map[domain.Address]domain.Market) Diff {
	var d Diff
	for addr, old := range prev {
		m, ok := next[addr]
		if !ok || m != old {
			d.Removed = append(d.Removed, old)
		}
	}
	for addr, m := range next {
		old, ok := prev[addr]
		if !ok || m != old {
			d.Added = append(d.Added, m)
		}
	}
	byAddr := func(s []domain.Market) {
		sort.Slice(s, func(i, j int) bool { return s[i].Address.Less(s[j].Address) })
	}
	byAddr(d.Added)
	byAddr(d.Removed)
	return d
}
