package submit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"crank_go/internal/batch"
	"crank_go/internal/domain"
	"crank_go/internal/testutil"
	"crank_go/internal/txn"
)

type fixture struct {
	chain  *testutil.Chain
	market domain.Market
	batch  domain.Batch
	sub    *Submitter
}

func testConfig() Config {
	return Config{
		ConfirmationTimeout: 2 * time.Second,
		ConfirmPollInterval: time.Millisecond,
		MaxRetries:          3,
		BackoffBase:         time.Millisecond,
		BackoffMax:          4 * time.Millisecond,
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	m := testutil.Market(0)
	chain := testutil.NewChain()
	chain.AddQueue(m.EventQueue, 32)
	events := testutil.Fills(5, testutil.Owner(1), testutil.Owner(2))
	require.NoError(t, chain.Push(m.EventQueue, events...))
	for i := range events {
		events[i].Seq = uint64(i)
	}
	b, err := batch.Next(events, batch.Limits{MaxEvents: 10, MaxAccounts: 10})
	require.NoError(t, err)

	builder := txn.NewBuilder(testutil.ProgramID, testutil.Payer(), nil)
	sub := New(chain, builder, rate.NewLimiter(rate.Inf, 1), cfg)
	return &fixture{chain: chain, market: m, batch: b, sub: sub}
}

// recorder collects observer triggers.
type recorder struct {
	mu       sync.Mutex
	triggers []domain.Trigger
}

func (r *recorder) observe(t domain.Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, t)
}

func TestSubmit_Confirmed(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chain.PendingPolls = 2

	res, err := f.sub.Submit(context.Background(), f.market, f.batch, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, res.Retries)
	assert.False(t, res.Signature.IsZero())
	assert.Equal(t, []testutil.SeqRange{{First: 0, Last: 4}}, f.chain.Consumed(f.market.EventQueue))
}

func TestSubmit_ExpiredThenConfirmed(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chain.ScriptOutcomes(testutil.Expire, testutil.Expire, testutil.Expire)
	rec := &recorder{}

	res, err := f.sub.Submit(context.Background(), f.market, f.batch, rec.observe)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 3, res.Retries)
	require.Len(t, res.Backoffs, 3)
	for i := 1; i < len(res.Backoffs); i++ {
		assert.GreaterOrEqual(t, res.Backoffs[i], res.Backoffs[i-1], "backoff decreased at %d", i)
	}
	// exactly one success landed
	assert.Len(t, f.chain.Consumed(f.market.EventQueue), 1)

	want := []domain.Trigger{domain.TriggerSubmitted}
	for i := 0; i < 3; i++ {
		want = append(want, domain.TriggerTransient, domain.TriggerRetry, domain.TriggerSubmitted)
	}
	assert.Equal(t, want, rec.triggers)
}

func TestSubmit_RejectedIsNotRetried(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chain.RejectQueue(f.market.EventQueue)

	res, err := f.sub.Submit(context.Background(), f.market, f.batch, nil)
	var rejected *domain.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, 0, f.chain.Submissions())
	assert.Equal(t, domain.OutcomeRejected, domain.ClassifyError(err))
}

func TestSubmit_RejectedOnChain(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chain.ScriptOutcomes(testutil.Reject)

	res, err := f.sub.Submit(context.Background(), f.market, f.batch, nil)
	var rejected *domain.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, f.chain.Consumed(f.market.EventQueue))
}

func TestSubmit_SimulateRejects(t *testing.T) {
	cfg := testConfig()
	cfg.Simulate = true
	f := newFixture(t, cfg)
	f.chain.RejectQueue(f.market.EventQueue)

	res, err := f.sub.Submit(context.Background(), f.market, f.batch, nil)
	var rejected *domain.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 0, res.Attempts, "nothing should be submitted after a failed simulation")
}

func TestSubmit_NetworkRetriesExhausted(t *testing.T) {
	f := newFixture(t, testConfig())
	netErr := domain.NewNetworkError("sendTransaction", errors.New("connection reset"))
	f.chain.ScriptSubmitErrors(netErr, netErr, netErr, netErr)

	res, err := f.sub.Submit(context.Background(), f.market, f.batch, nil)
	require.ErrorIs(t, err, domain.ErrRetriesExhausted)
	assert.True(t, res.Exhausted)
	assert.Equal(t, 3, res.Retries)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, res.Backoffs)
	assert.Equal(t, domain.OutcomeNetworkError, domain.ClassifyError(err))
}

func TestSubmit_BlockhashFailureRecovers(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chain.ScriptBlockhashErrors(domain.NewNetworkError("getLatestBlockhash", errors.New("timeout")))

	res, err := f.sub.Submit(context.Background(), f.market, f.batch, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, 1, res.Attempts)
}

func TestSubmit_FatalNetworkError(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chain.ScriptSubmitErrors(domain.NewFatalNetworkError("sendTransaction", errors.New("400 bad request")))

	res, err := f.sub.Submit(context.Background(), f.market, f.batch, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrRetriesExhausted)
	assert.Equal(t, 0, res.Retries)
}

func TestSubmit_NoSubmissionAfterShutdown(t *testing.T) {
	t.Run("Canceled before start", func(t *testing.T) {
		f := newFixture(t, testConfig())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.sub.Submit(ctx, f.market, f.batch, nil)
		require.ErrorIs(t, err, domain.ErrShuttingDown)
		assert.Equal(t, 0, f.chain.Submissions())
	})

	t.Run("Canceled during backoff", func(t *testing.T) {
		cfg := testConfig()
		cfg.BackoffBase = time.Minute
		cfg.BackoffMax = time.Minute
		f := newFixture(t, cfg)
		f.chain.ScriptSubmitErrors(domain.NewNetworkError("sendTransaction", errors.New("reset")))

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		start := time.Now()
		_, err := f.sub.Submit(ctx, f.market, f.batch, nil)
		require.ErrorIs(t, err, domain.ErrShuttingDown)
		assert.Less(t, time.Since(start), 10*time.Second)
		assert.Equal(t, 0, f.chain.Submissions())
	})
}

func TestSubmit_ShutdownDuringConfirmingWaits(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chain.PendingPolls = 5
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.chain.OnSubmit = func(domain.Address) { cancel() }

	res, err := f.sub.Submit(ctx, f.market, f.batch, nil)
	require.NoError(t, err, "an in-flight transaction must still be confirmed")
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, f.chain.Consumed(f.market.EventQueue), 1)

	_, err = f.sub.Submit(ctx, f.market, f.batch, nil)
	require.ErrorIs(t, err, domain.ErrShuttingDown)
	assert.Equal(t, 1, f.chain.Submissions())
}

func TestSubmit_ShutdownAfterExpiryDoesNotResubmit(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chain.ScriptOutcomes(testutil.Expire)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.chain.OnSubmit = func(domain.Address) { cancel() }

	_, err := f.sub.Submit(ctx, f.market, f.batch, nil)
	require.ErrorIs(t, err, domain.ErrShuttingDown)
	assert.Equal(t, 1, f.chain.Submissions())
}

func TestSubmit_ConfirmationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmationTimeout = 30 * time.Millisecond
	f := newFixture(t, cfg)
	f.chain.ScriptOutcomes(testutil.Hang)

	res, err := f.sub.Submit(context.Background(), f.market, f.batch, nil)
	require.ErrorIs(t, err, domain.ErrConfirmationTimeout)
	assert.Equal(t, 1, res.Attempts, "timeout must not resubmit")
	assert.Equal(t, 0, res.Retries)
	assert.Equal(t, domain.OutcomeExpired, domain.ClassifyError(err))
}

func TestSubmit_LostReplyKeepsOneTransactionInFlight(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chain.PendingPolls = 2
	f.chain.ScriptLostReplies(domain.NewNetworkError("sendTransaction", errors.New("connection reset")))
	rec := &recorder{}

	res, err := f.sub.Submit(context.Background(), f.market, f.batch, rec.observe)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, res.Retries, "the accepted transaction must be confirmed, not rebuilt")
	assert.Equal(t, 1, f.chain.Submissions())
	assert.Equal(t, 1, f.chain.MaxInFlight(f.market.EventQueue))
	assert.Equal(t, []testutil.SeqRange{{First: 0, Last: 4}}, f.chain.Consumed(f.market.EventQueue))
	assert.Equal(t, []domain.Trigger{domain.TriggerSubmitted}, rec.triggers)
}

func TestSubmit_LostReplyThenExpiryRebuilds(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chain.ScriptLostReplies(domain.NewNetworkError("sendTransaction", errors.New("connection reset")))
	f.chain.ScriptOutcomes(testutil.Expire)

	res, err := f.sub.Submit(context.Background(), f.market, f.batch, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, 2, f.chain.Submissions())
	assert.Equal(t, 1, f.chain.MaxInFlight(f.market.EventQueue), "rebuild only after the first transaction expired")
	assert.Len(t, f.chain.Consumed(f.market.EventQueue), 1)
}

func TestSubmit_DroppedSendWaitsForExpiry(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chain.PendingPolls = 3
	f.chain.ScriptSubmitErrors(domain.NewNetworkError("sendTransaction", errors.New("connection reset")))
	rec := &recorder{}

	res, err := f.sub.Submit(context.Background(), f.market, f.batch, rec.observe)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, res.Retries)
	assert.Equal(t, 1, f.chain.Submissions())
	assert.Equal(t, []domain.Trigger{
		domain.TriggerSubmitted, domain.TriggerTransient, domain.TriggerRetry, domain.TriggerSubmitted,
	}, rec.triggers)
}
