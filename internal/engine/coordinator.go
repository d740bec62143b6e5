package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"crank_go/internal/catalog"
	"crank_go/internal/domain"
	"crank_go/internal/infra"
)

// Watcher wakes a market's worker when its event queue changes.
type Watcher interface {
	Watch(addr domain.Address) <-chan struct{}
	Unwatch(addr domain.Address)
}

// HeadStore recalls the last consumed sequence per market across restarts.
type HeadStore interface {
	LastConfirmedSeq(addr domain.Address) (uint64, bool, error)
}

// Config holds coordinator settings.
type Config struct {
	Worker          WorkerConfig
	RefreshInterval time.Duration
	// ResultsBuffer sizes the channel between workers and the reporter.
	ResultsBuffer int
}

// Deps are the collaborators of a Coordinator. Watcher and Heads are
// optional.
type Deps struct {
	Catalog   *catalog.Catalog
	Gateway   domain.ChainGateway
	Submitter Submitter
	Reporter  *Reporter
	Metrics   *infra.Metrics
	Watcher   Watcher
	Heads     HeadStore
}

type workerHandle struct {
	eventQueue domain.Address
	cancel     context.CancelFunc
	done       chan struct{}
}

// Coordinator runs one worker per catalog market and routes their outcomes
// to the reporter.
type Coordinator struct {
	cfg    Config
	deps   Deps
	runID  string
	logger *slog.Logger

	mu      sync.Mutex
	workers map[domain.Address]*workerHandle
	results chan domain.CycleOutcome
}

// NewCoordinator creates a coordinator. Call Run to start it.
func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	if deps.Metrics == nil {
		deps.Metrics = &infra.Metrics{}
	}
	if deps.Reporter == nil {
		deps.Reporter = NewReporter(deps.Metrics, nil)
	}
	if cfg.ResultsBuffer <= 0 {
		cfg.ResultsBuffer = 64
	}
	runID := uuid.NewString()
	return &Coordinator{
		cfg:     cfg,
		deps:    deps,
		runID:   runID,
		logger:  slog.Default().With("module", "coordinator", "run_id", runID),
		workers: make(map[domain.Address]*workerHandle),
		results: make(chan domain.CycleOutcome, cfg.ResultsBuffer),
	}
}

// RunID identifies this coordinator's outcomes.
func (c *Coordinator) RunID() string {
	return c.runID
}

// Run starts workers for every market and blocks until ctx is canceled,
// every worker has exited and the reporter has drained.
func (c *Coordinator) Run(ctx context.Context) error {
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		c.deps.Reporter.run(c.results)
	}()

	markets := c.deps.Catalog.Markets()
	c.logger.Info("coordinator started", "markets", len(markets))
	for _, m := range markets {
		c.startWorker(ctx, m)
	}

	var refresh <-chan time.Time
	if c.cfg.RefreshInterval > 0 {
		ticker := time.NewTicker(c.cfg.RefreshInterval)
		defer ticker.Stop()
		refresh = ticker.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-refresh:
			c.refresh(ctx)
		}
	}

	c.logger.Info("coordinator stopping, waiting for in-flight transactions")
	c.mu.Lock()
	handles := make([]*workerHandle, 0, len(c.workers))
	for addr, h := range c.workers {
		h.cancel()
		handles = append(handles, h)
		delete(c.workers, addr)
	}
	c.mu.Unlock()
	for _, h := range handles {
		<-h.done
	}

	close(c.results)
	<-reporterDone
	c.logger.Info("coordinator stopped")
	return nil
}

// Workers returns the number of running workers.
func (c *Coordinator) Workers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}

func (c *Coordinator) refresh(ctx context.Context) {
	diff, err := c.deps.Catalog.Refresh(ctx)
	if err != nil {
		c.logger.Warn("catalog refresh failed, keeping current markets", "error", err)
		return
	}
	// Removals first so a changed market is restarted with its new spec.
	for _, m := range diff.Removed {
		c.stopWorker(m.Address)
	}
	for _, m := range diff.Added {
		c.startWorker(ctx, m)
	}
}

func (c *Coordinator) startWorker(ctx context.Context, m domain.Market) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.workers[m.Address]; ok {
		return
	}

	w := &worker{
		market:  m,
		gw:      c.deps.Gateway,
		sub:     c.deps.Submitter,
		cfg:     c.cfg.Worker,
		runID:   c.runID,
		results: c.results,
		metrics: c.deps.Metrics,
		logger:  slog.Default().With("module", "worker", "market", m.Label()),
	}
	if c.deps.Watcher != nil {
		w.wake = c.deps.Watcher.Watch(m.EventQueue)
	}
	if c.deps.Heads != nil {
		seq, ok, err := c.deps.Heads.LastConfirmedSeq(m.Address)
		if err != nil {
			w.logger.Warn("could not load last confirmed sequence", "error", err)
		} else if ok {
			w.state.HeadSeq = seq + 1
			w.state.Known = true
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	h := &workerHandle{eventQueue: m.EventQueue, cancel: cancel, done: make(chan struct{})}
	c.workers[m.Address] = h
	go func() {
		defer close(h.done)
		w.run(wctx)
	}()
	w.logger.Info("worker started", "event_queue", m.EventQueue.String())
}

// stopWorker cancels a worker and waits for its in-flight transaction.
func (c *Coordinator) stopWorker(addr domain.Address) {
	c.mu.Lock()
	h, ok := c.workers[addr]
	delete(c.workers, addr)
	c.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
	if c.deps.Watcher != nil {
		c.deps.Watcher.Unwatch(h.eventQueue)
	}
	c.logger.Info("worker stopped", "market", addr.String())
}
