package infra

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crank_go/internal/domain"
)

const testConfig = `
rpc:
  http_url: "http://127.0.0.1:8899"
  ws_url: "ws://127.0.0.1:8900"
wallet:
  keypair_path: "id.json"
program:
  dex_program_id: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
crank:
  max_batch_events: 5
  confirmation_timeout_ms: 30000
markets:
  - name: "SOL/USDC"
    address: "9wFFyRfZBsuAha4YcuxcXLKwMxJR43S7fPfQLusDBzvT"
    event_queue: "5KKsLVU6TcbVDK4BS6K1DGDxnh4Q9xjYJ8XaDCG5t8ht"
    base_lot_size: 100000000
    quote_lot_size: 100
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig))
	if err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}

	t.Run("Explicit values", func(t *testing.T) {
		if cfg.Crank.MaxBatchEvents != 5 {
			t.Errorf("Expected max_batch_events 5, got %d", cfg.Crank.MaxBatchEvents)
		}
		if cfg.ConfirmationTimeout() != 30*time.Second {
			t.Errorf("Expected 30s confirmation timeout, got %v", cfg.ConfirmationTimeout())
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		if cfg.Crank.MaxBatchAccounts != 10 {
			t.Errorf("Expected default max_batch_accounts 10, got %d", cfg.Crank.MaxBatchAccounts)
		}
		if cfg.PollInterval() != time.Second {
			t.Errorf("Expected 1s poll interval, got %v", cfg.PollInterval())
		}
		if *cfg.Crank.MaxRetries != 5 || *cfg.Crank.DegradedAfter != 3 {
			t.Errorf("Expected 5 retries and degraded after 3, got %d and %d", *cfg.Crank.MaxRetries, *cfg.Crank.DegradedAfter)
		}
		if cfg.Crank.DrainEagerly == nil || !*cfg.Crank.DrainEagerly {
			t.Error("Expected drain_eagerly to default to true")
		}
		if cfg.Crank.RateLimit.Burst != cfg.Crank.RateLimit.Submissions {
			t.Errorf("Expected burst to default to submissions, got %d", cfg.Crank.RateLimit.Burst)
		}
	})

	t.Run("Market conversion", func(t *testing.T) {
		m, err := cfg.Markets[0].ToMarket()
		if err != nil {
			t.Fatalf("Expected market, got %v", err)
		}
		if m.Address.String() != "9wFFyRfZBsuAha4YcuxcXLKwMxJR43S7fPfQLusDBzvT" {
			t.Errorf("Expected address round trip, got %s", m.Address)
		}
		if !m.BaseMint.IsZero() {
			t.Error("Expected unset base mint to stay zero")
		}
	})
}

func TestParseConfig_ExplicitZeroIsKept(t *testing.T) {
	raw := strings.Replace(testConfig, "  max_batch_events: 5\n",
		"  max_batch_events: 5\n  max_retries: 0\n  degraded_after: 0\n", 1)
	cfg, err := ParseConfig([]byte(raw))
	if err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}
	if *cfg.Crank.MaxRetries != 0 {
		t.Errorf("Expected max_retries 0 to mean no retries, got %d", *cfg.Crank.MaxRetries)
	}
	if *cfg.Crank.DegradedAfter != 0 {
		t.Errorf("Expected degraded_after 0 to be kept, got %d", *cfg.Crank.DegradedAfter)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"bad http url", func(c *Config) { c.RPC.HTTPURL = "ftp://x" }, "rpc.http_url"},
		{"bad ws url", func(c *Config) { c.RPC.WSURL = "http://x" }, "rpc.ws_url"},
		{"subscribe without ws", func(c *Config) { c.RPC.WSURL = ""; c.Crank.SubscribeQueues = true }, "crank.subscribe_queues"},
		{"missing keypair", func(c *Config) { c.Wallet.KeypairPath = "" }, "wallet.keypair_path"},
		{"bad program", func(c *Config) { c.Program.DexProgramID = "nope" }, "program.dex_program_id"},
		{"zero batch events", func(c *Config) { c.Crank.MaxBatchEvents = -1 }, "crank.max_batch_events"},
		{"negative retries", func(c *Config) { n := -1; c.Crank.MaxRetries = &n }, "crank.max_retries"},
		{"negative degraded after", func(c *Config) { n := -2; c.Crank.DegradedAfter = &n }, "crank.degraded_after"},
		{"backoff max below base", func(c *Config) { c.Crank.BackoffMaxMS = 1 }, "crank.backoff_max_ms"},
		{"incomplete market", func(c *Config) { c.Markets[0].EventQueue = "" }, "markets[0]"},
		{"duplicate market", func(c *Config) { c.Markets = append(c.Markets, c.Markets[0]) }, "markets[1]"},
		{"relay missing accounts", func(c *Config) { c.Relay.Enabled = true }, ""},
		{"kafka without topic", func(c *Config) { c.Sink.Kafka.Brokers = []string{"localhost:9092"} }, "sink.kafka.topic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(testConfig))
			if err != nil {
				t.Fatalf("Expected valid base config, got %v", err)
			}
			tt.edit(cfg)
			err = cfg.Validate()
			var ce *domain.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Expected ConfigError, got %v", err)
			}
			if tt.field != "" && ce.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, ce.Field)
			}
			if domain.IsRetriable(err) {
				t.Error("Config errors must not be retriable")
			}
		})
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CRANK_RPC_URL", "https://rpc.example.com")
	t.Setenv("CRANK_KEYPAIR", "/secrets/crank.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Expected config, got %v", err)
	}
	if cfg.RPC.HTTPURL != "https://rpc.example.com" {
		t.Errorf("Expected env RPC URL, got %s", cfg.RPC.HTTPURL)
	}
	if cfg.Wallet.KeypairPath != "/secrets/crank.json" {
		t.Errorf("Expected env keypair path, got %s", cfg.Wallet.KeypairPath)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected ErrNotExist, got %v", err)
	}
}
