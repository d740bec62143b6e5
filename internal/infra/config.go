package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"crank_go/internal/domain"
)

// MarketConfig describes one market to crank. When only Address is set and
// catalog.resolve_on_chain is enabled, the rest is read from the chain.
type MarketConfig struct {
	Name               string `yaml:"name"`
	Address            string `yaml:"address"`
	EventQueue         string `yaml:"event_queue"`
	RequestQueue       string `yaml:"request_queue"`
	BaseMint           string `yaml:"base_mint"`
	QuoteMint          string `yaml:"quote_mint"`
	BaseLotSize        uint64 `yaml:"base_lot_size"`
	QuoteLotSize       uint64 `yaml:"quote_lot_size"`
	BaseDecimals       uint8  `yaml:"base_decimals"`
	QuoteDecimals      uint8  `yaml:"quote_decimals"`
	BaseFeeReceivable  string `yaml:"base_fee_receivable"`
	QuoteFeeReceivable string `yaml:"quote_fee_receivable"`
}

// Complete reports whether the entry carries everything needed without
// resolving on chain.
func (m MarketConfig) Complete() bool {
	return m.EventQueue != "" && m.BaseLotSize > 0 && m.QuoteLotSize > 0
}

// ToMarket parses the entry's addresses.
func (m MarketConfig) ToMarket() (domain.Market, error) {
	out := domain.Market{
		Name:          m.Name,
		BaseLotSize:   m.BaseLotSize,
		QuoteLotSize:  m.QuoteLotSize,
		BaseDecimals:  m.BaseDecimals,
		QuoteDecimals: m.QuoteDecimals,
	}
	fields := []struct {
		name string
		in   string
		out  *domain.Address
	}{
		{"address", m.Address, &out.Address},
		{"event_queue", m.EventQueue, &out.EventQueue},
		{"request_queue", m.RequestQueue, &out.RequestQueue},
		{"base_mint", m.BaseMint, &out.BaseMint},
		{"quote_mint", m.QuoteMint, &out.QuoteMint},
		{"base_fee_receivable", m.BaseFeeReceivable, &out.BaseFeeReceivable},
		{"quote_fee_receivable", m.QuoteFeeReceivable, &out.QuoteFeeReceivable},
	}
	for _, f := range fields {
		if f.in == "" {
			continue
		}
		a, err := domain.ParseAddress(f.in)
		if err != nil {
			return domain.Market{}, &domain.ConfigError{Field: "markets." + f.name, Err: err}
		}
		*f.out = a
	}
	return out, nil
}

// Config holds every setting of the crank.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	RPC struct {
		HTTPURL      string `yaml:"http_url"`
		WSURL        string `yaml:"ws_url"`
		TimeoutMS    int    `yaml:"timeout_ms"`
		MaxIdleConns int    `yaml:"max_idle_conns"`
		Commitment   string `yaml:"commitment"`
	} `yaml:"rpc"`

	Wallet struct {
		KeypairPath string `yaml:"keypair_path"`
	} `yaml:"wallet"`

	Program struct {
		DexProgramID string `yaml:"dex_program_id"`
	} `yaml:"program"`

	Crank struct {
		PollIntervalMS        int   `yaml:"poll_interval_ms"`
		MaxBatchEvents        int   `yaml:"max_batch_events"`
		MaxBatchAccounts      int   `yaml:"max_batch_accounts"`
		ConfirmationTimeoutMS int   `yaml:"confirmation_timeout_ms"`
		ConfirmationPollMS    int   `yaml:"confirmation_poll_ms"`
		MaxRetries            *int  `yaml:"max_retries"`
		BackoffBaseMS         int   `yaml:"backoff_base_ms"`
		BackoffMaxMS          int   `yaml:"backoff_max_ms"`
		BackoffJitterMS       int   `yaml:"backoff_jitter_ms"`
		DegradedAfter         *int  `yaml:"degraded_after"`
		Simulate              bool  `yaml:"simulate"`
		DrainEagerly          *bool `yaml:"drain_eagerly"`
		SubscribeQueues       bool  `yaml:"subscribe_queues"`
		RateLimit             struct {
			Submissions int `yaml:"submissions"`
			IntervalMS  int `yaml:"interval_ms"`
			Burst       int `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"crank"`

	Catalog struct {
		RefreshIntervalMS int  `yaml:"refresh_interval_ms"`
		ResolveOnChain    bool `yaml:"resolve_on_chain"`
	} `yaml:"catalog"`

	Markets []MarketConfig `yaml:"markets"`

	Relay struct {
		Enabled        bool   `yaml:"enabled"`
		Program        string `yaml:"program"`
		Instance       string `yaml:"instance"`
		Vault          string `yaml:"vault"`
		VaultAuthority string `yaml:"vault_authority"`
		Registrar      string `yaml:"registrar"`
		TokenAccount   string `yaml:"token_account"`
		Entity         string `yaml:"entity"`
	} `yaml:"relay"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Sink struct {
		Kafka struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"sink"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
		Namespace  string `yaml:"namespace"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML, applies defaults and env overrides, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	// 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills conservative starting values. Batch limits must still
// be checked against the target program's transaction size.
func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "crank"
	}
	if c.RPC.TimeoutMS == 0 {
		c.RPC.TimeoutMS = 10_000
	}
	if c.RPC.MaxIdleConns == 0 {
		c.RPC.MaxIdleConns = 32
	}
	if c.RPC.Commitment == "" {
		c.RPC.Commitment = "confirmed"
	}
	cr := &c.Crank
	if cr.PollIntervalMS == 0 {
		cr.PollIntervalMS = 1_000
	}
	if cr.MaxBatchEvents == 0 {
		cr.MaxBatchEvents = 8
	}
	if cr.MaxBatchAccounts == 0 {
		cr.MaxBatchAccounts = 10
	}
	if cr.ConfirmationTimeoutMS == 0 {
		cr.ConfirmationTimeoutMS = 60_000
	}
	if cr.ConfirmationPollMS == 0 {
		cr.ConfirmationPollMS = 500
	}
	if cr.MaxRetries == nil {
		retries := 5
		cr.MaxRetries = &retries
	}
	if cr.BackoffBaseMS == 0 {
		cr.BackoffBaseMS = 250
	}
	if cr.BackoffMaxMS == 0 {
		cr.BackoffMaxMS = 8_000
	}
	if cr.DegradedAfter == nil {
		after := 3
		cr.DegradedAfter = &after
	}
	if cr.DrainEagerly == nil {
		drain := true
		cr.DrainEagerly = &drain
	}
	if cr.RateLimit.Submissions == 0 {
		cr.RateLimit.Submissions = 10
	}
	if cr.RateLimit.IntervalMS == 0 {
		cr.RateLimit.IntervalMS = 1_000
	}
	if cr.RateLimit.Burst == 0 {
		cr.RateLimit.Burst = cr.RateLimit.Submissions
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "crank"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.RPC.HTTPURL == "" || (!strings.HasPrefix(c.RPC.HTTPURL, "http://") && !strings.HasPrefix(c.RPC.HTTPURL, "https://")) {
		return &domain.ConfigError{Field: "rpc.http_url", Err: fmt.Errorf("invalid URL %q", c.RPC.HTTPURL)}
	}
	if c.RPC.WSURL != "" && !strings.HasPrefix(c.RPC.WSURL, "ws://") && !strings.HasPrefix(c.RPC.WSURL, "wss://") {
		return &domain.ConfigError{Field: "rpc.ws_url", Err: fmt.Errorf("invalid URL %q", c.RPC.WSURL)}
	}
	if c.Crank.SubscribeQueues && c.RPC.WSURL == "" {
		return &domain.ConfigError{Field: "crank.subscribe_queues", Err: errors.New("requires rpc.ws_url")}
	}
	if c.Wallet.KeypairPath == "" {
		return &domain.ConfigError{Field: "wallet.keypair_path", Err: errors.New("required")}
	}
	if _, err := domain.ParseAddress(c.Program.DexProgramID); err != nil {
		return &domain.ConfigError{Field: "program.dex_program_id", Err: err}
	}
	if len(c.Markets) == 0 && c.Storage.Path == "" {
		return &domain.ConfigError{Field: "markets", Err: errors.New("at least one market is required")}
	}

	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		if seen[m.Address] {
			return &domain.ConfigError{Field: fmt.Sprintf("markets[%d]", i), Err: fmt.Errorf("duplicate market %s", m.Address)}
		}
		seen[m.Address] = true
		if _, err := m.ToMarket(); err != nil {
			return err
		}
		if m.Address == "" {
			return &domain.ConfigError{Field: fmt.Sprintf("markets[%d].address", i), Err: errors.New("required")}
		}
		if !m.Complete() && !c.Catalog.ResolveOnChain {
			return &domain.ConfigError{Field: fmt.Sprintf("markets[%d]", i), Err: errors.New("event_queue and lot sizes required unless catalog.resolve_on_chain")}
		}
	}

	cr := c.Crank
	positive := []struct {
		field string
		v     int
	}{
		{"crank.poll_interval_ms", cr.PollIntervalMS},
		{"crank.max_batch_events", cr.MaxBatchEvents},
		{"crank.max_batch_accounts", cr.MaxBatchAccounts},
		{"crank.confirmation_timeout_ms", cr.ConfirmationTimeoutMS},
		{"crank.confirmation_poll_ms", cr.ConfirmationPollMS},
		{"crank.rate_limit.submissions", cr.RateLimit.Submissions},
		{"crank.rate_limit.interval_ms", cr.RateLimit.IntervalMS},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return &domain.ConfigError{Field: p.field, Err: fmt.Errorf("must be positive, got %d", p.v)}
		}
	}
	// zero is meaningful here: no retries, never degrade
	if cr.MaxRetries != nil && *cr.MaxRetries < 0 {
		return &domain.ConfigError{Field: "crank.max_retries", Err: fmt.Errorf("must not be negative, got %d", *cr.MaxRetries)}
	}
	if cr.DegradedAfter != nil && *cr.DegradedAfter < 0 {
		return &domain.ConfigError{Field: "crank.degraded_after", Err: fmt.Errorf("must not be negative, got %d", *cr.DegradedAfter)}
	}
	if cr.BackoffMaxMS < cr.BackoffBaseMS {
		return &domain.ConfigError{Field: "crank.backoff_max_ms", Err: errors.New("must not be below backoff_base_ms")}
	}
	if cr.MaxBatchEvents > 0xffff {
		return &domain.ConfigError{Field: "crank.max_batch_events", Err: errors.New("exceeds the u16 consume limit")}
	}

	if c.Relay.Enabled {
		for field, v := range map[string]string{
			"relay.program": c.Relay.Program, "relay.instance": c.Relay.Instance, "relay.vault": c.Relay.Vault,
			"relay.vault_authority": c.Relay.VaultAuthority, "relay.registrar": c.Relay.Registrar,
			"relay.token_account": c.Relay.TokenAccount, "relay.entity": c.Relay.Entity,
		} {
			if _, err := domain.ParseAddress(v); err != nil {
				return &domain.ConfigError{Field: field, Err: err}
			}
		}
	}

	if len(c.Sink.Kafka.Brokers) > 0 && c.Sink.Kafka.Topic == "" {
		return &domain.ConfigError{Field: "sink.kafka.topic", Err: errors.New("required when brokers are set")}
	}
	return nil
}

// Duration helpers.

func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPC.TimeoutMS) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Crank.PollIntervalMS) * time.Millisecond
}

func (c *Config) ConfirmationTimeout() time.Duration {
	return time.Duration(c.Crank.ConfirmationTimeoutMS) * time.Millisecond
}

func (c *Config) ConfirmationPoll() time.Duration {
	return time.Duration(c.Crank.ConfirmationPollMS) * time.Millisecond
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Catalog.RefreshIntervalMS) * time.Millisecond
}

// RateInterval is the window in which RateLimit.Submissions permits refill.
func (c *Config) RateInterval() time.Duration {
	return time.Duration(c.Crank.RateLimit.IntervalMS) * time.Millisecond
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if url := os.Getenv("CRANK_RPC_URL"); url != "" {
		cfg.RPC.HTTPURL = url
	}
	if url := os.Getenv("CRANK_WS_URL"); url != "" {
		cfg.RPC.WSURL = url
	}
	if path := os.Getenv("CRANK_KEYPAIR"); path != "" {
		cfg.Wallet.KeypairPath = path
	}
}
