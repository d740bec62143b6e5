package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"crank_go/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// MarketRecord caches a resolved market so restarts need no chain lookups.
type MarketRecord struct {
	Address            string `gorm:"primaryKey;type:varchar(48);not null"`
	Name               string `gorm:"type:varchar(64)"`
	EventQueue         string `gorm:"type:varchar(48);not null"`
	RequestQueue       string `gorm:"type:varchar(48)"`
	BaseMint           string `gorm:"type:varchar(48)"`
	QuoteMint          string `gorm:"type:varchar(48)"`
	BaseLotSize        uint64 `gorm:"not null"`
	QuoteLotSize       uint64 `gorm:"not null"`
	BaseDecimals       uint8
	QuoteDecimals      uint8
	BaseFeeReceivable  string `gorm:"type:varchar(48)"`
	QuoteFeeReceivable string `gorm:"type:varchar(48)"`
	Enabled            bool   `gorm:"not null;index"`
	UpdatedAt          time.Time
}

// CycleRecord is one journal row per crank cycle outcome.
type CycleRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"type:varchar(36);index"`
	Market    string `gorm:"type:varchar(64)"`
	Address   string `gorm:"type:varchar(48);index"`
	Kind      string `gorm:"type:varchar(24);index"`
	Events    int
	FirstSeq  uint64
	LastSeq   uint64
	Pending   int
	Attempts  int
	Retries   int
	Backoffs  string // comma separated milliseconds
	LatencyMS int64
	Signature string `gorm:"type:varchar(120)"`
	Degraded  bool
	Error     string
	At        time.Time `gorm:"index"`
}

// Storage persists the market cache and the cycle journal.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the SQLite database at path. An empty path
// uses the per-user data directory.
func NewStorage(path string) (*Storage, error) {
	dbPath := path
	if dbPath == "" {
		var err error
		dbPath, err = getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newWithDB(db)
}

func newWithDB(db *gorm.DB) (*Storage, error) {
	if err := db.AutoMigrate(&MarketRecord{}, &CycleRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "crank", "data", "crank.db"), nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Market Operations
// ======================================================================================

// UpsertMarket creates or updates an operator-managed market and enables it.
func (s *Storage) UpsertMarket(m domain.Market) error {
	rec := toRecord(m)
	rec.Enabled = true
	rec.UpdatedAt = time.Now()
	return s.db.Save(&rec).Error
}

// CacheMarket stores a market resolved from the chain. New rows are
// disabled; an existing row keeps its enabled flag.
func (s *Storage) CacheMarket(m domain.Market) error {
	rec := toRecord(m)
	rec.UpdatedAt = time.Now()
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "event_queue", "request_queue", "base_mint", "quote_mint",
			"base_lot_size", "quote_lot_size", "base_decimals", "quote_decimals",
			"base_fee_receivable", "quote_fee_receivable", "updated_at",
		}),
	}).Create(&rec).Error
}

// GetMarket retrieves a cached market by address.
func (s *Storage) GetMarket(addr domain.Address) (*domain.Market, error) {
	var rec MarketRecord
	err := s.db.First(&rec, "address = ?", addr.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	m, err := rec.Market()
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// EnabledMarkets lists every enabled cached market.
func (s *Storage) EnabledMarkets(ctx context.Context) ([]domain.Market, error) {
	var recs []MarketRecord
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("address").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Market, 0, len(recs))
	for _, r := range recs {
		m, err := r.Market()
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", r.Address, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// ListMarkets returns every stored market row, enabled or not.
func (s *Storage) ListMarkets(ctx context.Context) ([]MarketRecord, error) {
	var recs []MarketRecord
	err := s.db.WithContext(ctx).Order("name, address").Find(&recs).Error
	return recs, err
}

// SetEnabled toggles whether a cached market is cranked.
func (s *Storage) SetEnabled(addr domain.Address, enabled bool) error {
	res := s.db.Model(&MarketRecord{}).Where("address = ?", addr.String()).Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("market %s: %w", addr, gorm.ErrRecordNotFound)
	}
	return nil
}

// DeleteMarket deletes a market from the cache
func (s *Storage) DeleteMarket(addr domain.Address) error {
	return s.db.Where("address = ?", addr.String()).Delete(&MarketRecord{}).Error
}

// ======================================================================================
// Cycle Journal
// ======================================================================================

// Publish appends the outcome to the cycle journal. Idle cycles are not
// journaled.
func (s *Storage) Publish(ctx context.Context, o domain.CycleOutcome) error {
	if o.Kind == domain.OutcomeIdle {
		return nil
	}
	backoffs := make([]string, len(o.Backoffs))
	for i, b := range o.Backoffs {
		backoffs[i] = fmt.Sprint(b.Milliseconds())
	}
	rec := CycleRecord{
		RunID:     o.RunID,
		Market:    o.Market,
		Address:   o.Address,
		Kind:      string(o.Kind),
		Events:    o.Events,
		FirstSeq:  o.FirstSeq,
		LastSeq:   o.LastSeq,
		Pending:   o.Pending,
		Attempts:  o.Attempts,
		Retries:   o.Retries,
		Backoffs:  strings.Join(backoffs, ","),
		LatencyMS: o.Latency.Milliseconds(),
		Signature: o.Signature,
		Degraded:  o.Degraded,
		Error:     o.Err,
		At:        o.At,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// RecentCycles returns up to limit journal rows for a market address,
// newest first.
func (s *Storage) RecentCycles(addr domain.Address, limit int) ([]CycleRecord, error) {
	var recs []CycleRecord
	err := s.db.Where("address = ?", addr.String()).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: true}).
		Limit(limit).Find(&recs).Error
	return recs, err
}

// LastConfirmedSeq returns the highest last_seq confirmed for a market, used
// to seed the stale-read guard after a restart.
func (s *Storage) LastConfirmedSeq(addr domain.Address) (uint64, bool, error) {
	var rec CycleRecord
	err := s.db.Where("address = ? AND kind = ?", addr.String(), string(domain.OutcomeConfirmed)).
		Order("last_seq DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rec.LastSeq, true, nil
}

func toRecord(m domain.Market) MarketRecord {
	str := func(a domain.Address) string {
		if a.IsZero() {
			return ""
		}
		return a.String()
	}
	return MarketRecord{
		Address:            m.Address.String(),
		Name:               m.Name,
		EventQueue:         m.EventQueue.String(),
		RequestQueue:       str(m.RequestQueue),
		BaseMint:           str(m.BaseMint),
		QuoteMint:          str(m.QuoteMint),
		BaseLotSize:        m.BaseLotSize,
		QuoteLotSize:       m.QuoteLotSize,
		BaseDecimals:       m.BaseDecimals,
		QuoteDecimals:      m.QuoteDecimals,
		BaseFeeReceivable:  str(m.BaseFeeReceivable),
		QuoteFeeReceivable: str(m.QuoteFeeReceivable),
	}
}

// Market converts the row back to a domain market.
func (r MarketRecord) Market() (domain.Market, error) {
	m := domain.Market{
		Name:          r.Name,
		BaseLotSize:   r.BaseLotSize,
		QuoteLotSize:  r.QuoteLotSize,
		BaseDecimals:  r.BaseDecimals,
		QuoteDecimals: r.QuoteDecimals,
	}
	fields := []struct {
		in  string
		out *domain.Address
	}{
		{r.Address, &m.Address},
		{r.EventQueue, &m.EventQueue},
		{r.RequestQueue, &m.RequestQueue},
		{r.BaseMint, &m.BaseMint},
		{r.QuoteMint, &m.QuoteMint},
		{r.BaseFeeReceivable, &m.BaseFeeReceivable},
		{r.QuoteFeeReceivable, &m.QuoteFeeReceivable},
	}
	for _, f := range fields {
		if f.in == "" {
			continue
		}
		a, err := domain.ParseAddress(f.in)
		if err != nil {
			return domain.Market{}, err
		}
		*f.out = a
	}
	return m, nil
}
