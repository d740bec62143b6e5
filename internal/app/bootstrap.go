package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"crank_go/internal/batch"
	"crank_go/internal/catalog"
	"crank_go/internal/domain"
	"crank_go/internal/engine"
	"crank_go/internal/infra"
	"crank_go/internal/infra/rpc"
	"crank_go/internal/infra/sink"
	"crank_go/internal/infra/storage"
	"crank_go/internal/submit"
	"crank_go/internal/txn"
)

// Bootstrap wires every component of the crank from a config file.
type Bootstrap struct {
	Config      *infra.Config
	Storage     *storage.Storage
	Client      *rpc.Client
	Watcher     *rpc.AccountWatcher
	Catalog     *catalog.Catalog
	Reporter    *engine.Reporter
	Coordinator *engine.Coordinator

	metricsServer *http.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads config and builds the component graph. The catalog is
// loaded once here, so a bad market list fails startup.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	slog.Info("bootstrapping crank", "version", cfg.App.Version, "rpc", cfg.RPC.HTTPURL)

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	b.Storage = store

	payer, err := txn.LoadKeypair(cfg.Wallet.KeypairPath)
	if err != nil {
		return &domain.ConfigError{Field: "wallet.keypair_path", Err: err}
	}
	slog.Info("wallet loaded", "payer", payer.PublicKey().String())

	relay, err := relayFromConfig(cfg)
	if err != nil {
		return err
	}
	program := domain.MustParseAddress(cfg.Program.DexProgramID)
	builder := txn.NewBuilder(program, payer, relay)

	b.Client = rpc.NewClient(cfg)

	var resolver catalog.Resolver
	if cfg.Catalog.ResolveOnChain {
		resolver = catalog.NewChainResolver(b.Client, store)
	}
	b.Catalog = catalog.NewWithSources(resolver,
		catalog.NewStaticSource(cfg.Markets),
		catalog.NewStorageSource(store),
	)
	if err := b.Catalog.Load(ctx); err != nil {
		return err
	}
	slog.Info("market catalog loaded", "markets", b.Catalog.Len())

	metrics := infra.GlobalMetrics
	prom := infra.NopMetrics()
	if cfg.Metrics.ListenAddr != "" {
		prom = infra.PrometheusMetrics(cfg.Metrics.Namespace)
		b.metricsServer = newMetricsServer(cfg.Metrics.ListenAddr)
	}

	sinks := []domain.OutcomeSink{store}
	if len(cfg.Sink.Kafka.Brokers) > 0 {
		ks, err := sink.NewKafkaSink(cfg.Sink.Kafka.Brokers, cfg.Sink.Kafka.Topic, nil)
		if err != nil {
			return err
		}
		sinks = append(sinks, ks)
		slog.Info("kafka sink enabled", "topic", cfg.Sink.Kafka.Topic)
	}
	b.Reporter = engine.NewReporter(metrics, prom, sinks...)

	limiter := engine.NewLimiter(cfg.Crank.RateLimit.Submissions, cfg.RateInterval(), cfg.Crank.RateLimit.Burst)
	submitter := submit.New(b.Client, builder, limiter, submit.ConfigFrom(cfg))

	deps := engine.Deps{
		Catalog:   b.Catalog,
		Gateway:   b.Client,
		Submitter: submitter,
		Reporter:  b.Reporter,
		Metrics:   metrics,
		Heads:     store,
	}
	if cfg.Crank.SubscribeQueues {
		b.Watcher = rpc.NewAccountWatcher(cfg, metrics)
		deps.Watcher = b.Watcher
	}

	b.Coordinator = engine.NewCoordinator(engine.Config{
		Worker: engine.WorkerConfig{
			PollInterval:  cfg.PollInterval(),
			Limits:        batch.Limits{MaxEvents: cfg.Crank.MaxBatchEvents, MaxAccounts: cfg.Crank.MaxBatchAccounts},
			DegradedAfter: *cfg.Crank.DegradedAfter,
			DrainEagerly:  cfg.Crank.DrainEagerly == nil || *cfg.Crank.DrainEagerly,
		},
		RefreshInterval: cfg.RefreshInterval(),
	}, deps)
	return nil
}

// Run blocks until ctx is canceled and every in-flight transaction has
// resolved.
func (b *Bootstrap) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if b.Watcher != nil {
		if err := b.Watcher.Connect(gctx); err != nil {
			return err
		}
	}

	g.Go(func() error {
		return b.Coordinator.Run(gctx)
	})

	if srv := b.metricsServer; srv != nil {
		g.Go(func() error {
			slog.Info("metrics server started", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("crank running", "run_id", b.Coordinator.RunID(), "markets", b.Catalog.Len())
	return g.Wait()
}

// Close releases connections, sinks and storage.
func (b *Bootstrap) Close() error {
	if b.Watcher != nil {
		b.Watcher.Disconnect()
	}
	if b.Reporter != nil {
		// storage is one of the sinks
		return b.Reporter.Close()
	}
	if b.Storage != nil {
		return b.Storage.Close()
	}
	return nil
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// relayFromConfig builds the relay wrapper. Addresses were checked by
// Config.Validate.
func relayFromConfig(cfg *infra.Config) (*txn.Relay, error) {
	if !cfg.Relay.Enabled {
		return nil, nil
	}
	r := cfg.Relay
	relay := &txn.Relay{}
	for _, f := range []struct {
		name string
		val  string
		dst  *domain.Address
	}{
		{"relay.program", r.Program, &relay.Program},
		{"relay.instance", r.Instance, &relay.Instance},
		{"relay.vault", r.Vault, &relay.Vault},
		{"relay.vault_authority", r.VaultAuthority, &relay.VaultAuthority},
		{"relay.registrar", r.Registrar, &relay.Registrar},
		{"relay.token_account", r.TokenAccount, &relay.TokenAccount},
		{"relay.entity", r.Entity, &relay.Entity},
	} {
		a, err := domain.ParseAddress(f.val)
		if err != nil {
			return nil, &domain.ConfigError{Field: f.name, Err: err}
		}
		*f.dst = a
	}
	return relay, nil
}
