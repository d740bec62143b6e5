// Package testutil provides a simulated chain for crank tests.
package testutil

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"crank_go/internal/domain"
	"crank_go/internal/queue"
	"crank_go/internal/txn"
)

// Outcome scripts how a submitted transaction resolves.
type Outcome uint8

const (
	Confirm Outcome = iota
	Expire
	Reject
	// Hang keeps the transaction pending forever.
	Hang
)

// SeqRange is an inclusive range of consumed sequence numbers.
type SeqRange struct {
	First, Last uint64
}

type queueState struct {
	capacity int
	head     uint64 // ring index
	seqNum   uint64
	pending  []domain.Event
	consumed []SeqRange
	stale    []byte // snapshot before the last consumption
	serveOld bool

	inFlight    int
	maxInFlight int
}

type pendingTx struct {
	queue   domain.Address
	owners  map[domain.Address]bool
	limit   int
	outcome Outcome
	polls   int
	done    bool
}

// Chain is an in-memory ChainGateway. Transactions are decoded from their
// wire form, so tests exercise the real builder end to end.
//
// Thread-safety: all methods are safe for concurrent use.
type Chain struct {
	mu     sync.Mutex
	queues map[domain.Address]*queueState
	txs    map[domain.Signature]*pendingTx

	nextHash    uint64
	submissions int
	// polls of signatures the chain never accepted
	unknown map[domain.Signature]int

	// Latency, if set, is slept inside every gateway call.
	Latency func() time.Duration
	// PendingPolls is how many confirmation polls report Pending before a
	// transaction resolves.
	PendingPolls int
	// OnSubmit, if set, runs after a transaction is accepted.
	OnSubmit func(eventQueue domain.Address)

	outcomes     []Outcome
	submitErrs   []error
	lostReplies  []error
	blockhashErr []error
	rejectQueues map[domain.Address]bool
}

var _ domain.ChainGateway = (*Chain)(nil)

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{
		queues:       make(map[domain.Address]*queueState),
		txs:          make(map[domain.Signature]*pendingTx),
		unknown:      make(map[domain.Signature]int),
		rejectQueues: make(map[domain.Address]bool),
	}
}

// AddQueue creates an event queue account.
func (c *Chain) AddQueue(addr domain.Address, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[addr] = &queueState{capacity: capacity}
}

// Push appends events, stamping sequence numbers.
func (c *Chain) Push(addr domain.Address, events ...domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[addr]
	if !ok {
		return fmt.Errorf("unknown queue %s", addr)
	}
	if len(q.pending)+len(events) > q.capacity {
		return fmt.Errorf("queue %s full", addr)
	}
	for _, ev := range events {
		ev.Seq = q.seqNum
		q.seqNum++
		q.pending = append(q.pending, ev)
	}
	return nil
}

// ScriptOutcomes queues outcomes for the next submissions. Unscripted
// submissions confirm.
func (c *Chain) ScriptOutcomes(outcomes ...Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcomes...)
}

// ScriptSubmitErrors makes the next SubmitTransaction calls fail. A nil
// entry lets that call through.
func (c *Chain) ScriptSubmitErrors(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErrs = append(c.submitErrs, errs...)
}

// ScriptLostReplies makes the next SubmitTransaction calls accept the
// transaction and then fail with the given errors, as when the node's reply
// is lost in transit.
func (c *Chain) ScriptLostReplies(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lostReplies = append(c.lostReplies, errs...)
}

// ScriptBlockhashErrors makes the next LatestBlockhash calls fail.
func (c *Chain) ScriptBlockhashErrors(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockhashErr = append(c.blockhashErr, errs...)
}

// RejectQueue makes every transaction touching the queue fail preflight.
func (c *Chain) RejectQueue(addr domain.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectQueues[addr] = true
}

// ServeStale makes the next FetchAccount of the queue return the snapshot
// taken before the last consumption.
func (c *Chain) ServeStale(addr domain.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[addr]; ok {
		q.serveOld = true
	}
}

// Consumed returns the ranges consumed from a queue, in landing order.
func (c *Chain) Consumed(addr domain.Address) []SeqRange {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[addr]
	if !ok {
		return nil
	}
	return append([]SeqRange(nil), q.consumed...)
}

// PendingCount returns the number of unconsumed events.
func (c *Chain) PendingCount(addr domain.Address) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[addr]; ok {
		return len(q.pending)
	}
	return 0
}

// MaxInFlight returns the most transactions ever unresolved at once for a
// queue.
func (c *Chain) MaxInFlight(addr domain.Address) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[addr]; ok {
		return q.maxInFlight
	}
	return 0
}

// Submissions counts accepted transactions.
func (c *Chain) Submissions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submissions
}

func (c *Chain) delay(ctx context.Context) error {
	if c.Latency == nil {
		return ctx.Err()
	}
	d := c.Latency()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Chain) FetchAccount(ctx context.Context, addr domain.Address) ([]byte, error) {
	if err := c.delay(ctx); err != nil {
		return nil, domain.NewNetworkError("getAccountInfo", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[addr]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	if q.serveOld && q.stale != nil {
		q.serveOld = false
		return q.stale, nil
	}
	return q.snapshot()
}

func (q *queueState) snapshot() ([]byte, error) {
	return queue.Encode(q.capacity, q.head, q.seqNum, q.pending)
}

func (c *Chain) LatestBlockhash(ctx context.Context) (domain.RecentBlockhash, error) {
	if err := c.delay(ctx); err != nil {
		return domain.RecentBlockhash{}, domain.NewNetworkError("getLatestBlockhash", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.blockhashErr) > 0 {
		err := c.blockhashErr[0]
		c.blockhashErr = c.blockhashErr[1:]
		if err != nil {
			return domain.RecentBlockhash{}, err
		}
	}
	c.nextHash++
	var h domain.Blockhash
	binary.LittleEndian.PutUint64(h[:], c.nextHash)
	return domain.RecentBlockhash{Hash: h, LastValidBlockHeight: c.nextHash + 150}, nil
}

func (c *Chain) SimulateTransaction(ctx context.Context, tx []byte) error {
	if err := c.delay(ctx); err != nil {
		return domain.NewNetworkError("simulateTransaction", err)
	}
	ptx, err := c.parse(tx)
	if err != nil {
		return &domain.RejectedError{Reason: err.Error()}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectQueues[ptx.queue] {
		return &domain.RejectedError{Reason: "custom program error: 0x1"}
	}
	return nil
}

func (c *Chain) SubmitTransaction(ctx context.Context, tx []byte) (domain.Signature, error) {
	if err := c.delay(ctx); err != nil {
		return domain.Signature{}, domain.NewNetworkError("sendTransaction", err)
	}
	ptx, err := c.parse(tx)
	if err != nil {
		return domain.Signature{}, &domain.RejectedError{Reason: err.Error()}
	}
	decoded, _ := txn.Decode(tx)
	sig := decoded.Signature()

	c.mu.Lock()
	if len(c.submitErrs) > 0 {
		err := c.submitErrs[0]
		c.submitErrs = c.submitErrs[1:]
		if err != nil {
			c.mu.Unlock()
			return domain.Signature{}, err
		}
	}
	if c.rejectQueues[ptx.queue] {
		c.mu.Unlock()
		return domain.Signature{}, &domain.RejectedError{Reason: "custom program error: 0x1"}
	}
	q, ok := c.queues[ptx.queue]
	if !ok {
		c.mu.Unlock()
		return domain.Signature{}, &domain.RejectedError{Reason: "unknown event queue"}
	}
	if _, seen := c.txs[sig]; seen {
		// resending identical bytes is a no-op
		c.mu.Unlock()
		return sig, nil
	}
	ptx.outcome = Confirm
	if len(c.outcomes) > 0 {
		ptx.outcome = c.outcomes[0]
		c.outcomes = c.outcomes[1:]
	}
	c.txs[sig] = ptx
	c.submissions++
	q.inFlight++
	if q.inFlight > q.maxInFlight {
		q.maxInFlight = q.inFlight
	}
	hook := c.OnSubmit
	var lost error
	if len(c.lostReplies) > 0 {
		lost = c.lostReplies[0]
		c.lostReplies = c.lostReplies[1:]
	}
	c.mu.Unlock()

	if hook != nil {
		hook(ptx.queue)
	}
	if lost != nil {
		return domain.Signature{}, lost
	}
	return sig, nil
}

func (c *Chain) GetConfirmation(ctx context.Context, sig domain.Signature, _ uint64) (domain.Confirmation, error) {
	if err := c.delay(ctx); err != nil {
		return domain.Confirmation{}, domain.NewNetworkError("getSignatureStatuses", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ptx, ok := c.txs[sig]
	if !ok {
		// never landed: pending until its blockhash would have expired
		if c.unknown[sig] < c.PendingPolls {
			c.unknown[sig]++
			return domain.Confirmation{Status: domain.StatusPending}, nil
		}
		return domain.Confirmation{Status: domain.StatusExpired}, nil
	}
	if ptx.outcome == Hang || ptx.polls < c.PendingPolls {
		ptx.polls++
		return domain.Confirmation{Status: domain.StatusPending}, nil
	}
	q := c.queues[ptx.queue]
	if !ptx.done {
		ptx.done = true
		q.inFlight--
		if ptx.outcome == Confirm {
			q.consume(ptx)
		}
	}
	switch ptx.outcome {
	case Expire:
		return domain.Confirmation{Status: domain.StatusExpired}, nil
	case Reject:
		return domain.Confirmation{Status: domain.StatusRejected, Reason: "InstructionError"}, nil
	default:
		return domain.Confirmation{Status: domain.StatusConfirmed}, nil
	}
}

// consume applies the program's rule: take events from the head while their
// owner was passed in, up to the limit.
func (q *queueState) consume(ptx *pendingTx) {
	n := 0
	for n < ptx.limit && n < len(q.pending) && ptx.owners[q.pending[n].Owner] {
		n++
	}
	if n == 0 {
		return
	}
	if snap, err := q.snapshot(); err == nil {
		q.stale = snap
	}
	q.consumed = append(q.consumed, SeqRange{First: q.pending[0].Seq, Last: q.pending[n-1].Seq})
	q.pending = append([]domain.Event(nil), q.pending[n:]...)
	q.head = (q.head + uint64(n)) % uint64(q.capacity)
}

// parse extracts the consume-events call from a wire transaction, looking
// through a relay wrapper if present.
func (c *Chain) parse(raw []byte) (*pendingTx, error) {
	tx, err := txn.Decode(raw)
	if err != nil {
		return nil, err
	}
	if len(tx.Message.Instructions) != 1 {
		return nil, fmt.Errorf("expected 1 instruction, got %d", len(tx.Message.Instructions))
	}
	ix := tx.Instruction(0)
	data := ix.Data
	if _, ok := txn.ConsumeLimit(data); !ok {
		inner, ok := (txn.Relay{}).Unwrap(data)
		if !ok {
			return nil, fmt.Errorf("not a consume-events instruction")
		}
		data = inner
	}
	limit, ok := txn.ConsumeLimit(data)
	if !ok {
		return nil, fmt.Errorf("not a consume-events instruction")
	}
	if len(ix.Accounts) < 4 {
		return nil, fmt.Errorf("too few accounts")
	}
	// inner accounts end with market, event queue and two fee accounts
	tail := len(ix.Accounts) - 4
	ptx := &pendingTx{
		queue:  ix.Accounts[tail+1].Address,
		owners: make(map[domain.Address]bool),
		limit:  int(limit),
	}
	for _, a := range ix.Accounts[:tail] {
		ptx.owners[a.Address] = true
	}
	return ptx, nil
}
