package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"crank_go/internal/domain"
	"crank_go/internal/infra"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// AccountWatcher subscribes to account changes over the node's websocket
// and wakes the owner of each watched account. Notifications only signal
// that something changed; the account is always re-fetched over HTTP.
type AccountWatcher struct {
	url        string
	commitment string
	metrics    *infra.Metrics
	logger     *slog.Logger

	conn    *websocket.Conn
	mu      sync.RWMutex // guards conn, watched, pending, subs
	writeMu sync.Mutex

	watched map[domain.Address]chan struct{}
	pending map[uint64]domain.Address // request id -> account
	subs    map[uint64]domain.Address // subscription id -> account
	nextID  uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAccountWatcher creates a watcher for the given websocket URL.
func NewAccountWatcher(cfg *infra.Config, metrics *infra.Metrics) *AccountWatcher {
	return newAccountWatcher(cfg.RPC.WSURL, cfg.RPC.Commitment, metrics)
}

func newAccountWatcher(url, commitment string, metrics *infra.Metrics) *AccountWatcher {
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	return &AccountWatcher{
		url:        url,
		commitment: commitment,
		metrics:    metrics,
		logger:     slog.Default().With("module", "account_watcher"),
		watched:    make(map[domain.Address]chan struct{}),
		pending:    make(map[uint64]domain.Address),
		subs:       make(map[uint64]domain.Address),
	}
}

// Watch registers addr and returns a channel that receives a value after
// the account changes. Wakes are coalesced: at most one is buffered.
func (w *AccountWatcher) Watch(addr domain.Address) <-chan struct{} {
	w.mu.Lock()
	ch, ok := w.watched[addr]
	if !ok {
		ch = make(chan struct{}, 1)
		w.watched[addr] = ch
	}
	connected := w.conn != nil
	w.mu.Unlock()

	if !ok && connected {
		if err := w.subscribe(addr); err != nil {
			w.logger.Warn("subscribe failed", "account", addr.String(), "error", err)
		}
	}
	return ch
}

// Unwatch drops addr. Its channel is not closed.
func (w *AccountWatcher) Unwatch(addr domain.Address) {
	w.mu.Lock()
	delete(w.watched, addr)
	var subID uint64
	found := false
	for id, a := range w.subs {
		if a == addr {
			subID, found = id, true
			delete(w.subs, id)
			break
		}
	}
	w.mu.Unlock()

	if found {
		w.send("accountUnsubscribe", []any{subID})
	}
}

// Connect starts the connection loop in the background.
func (w *AccountWatcher) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

func (w *AccountWatcher) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			w.logger.Warn("websocket connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			retryCount++
			select {
			case <-ctx.Done():
				return
			case <-time.After(infra.CalculateBackoff(retryCount)):
			}
			continue
		}

		retryCount = 0
		connCtx, stop := context.WithCancel(ctx)
		w.wg.Add(1)
		go w.pingLoop(connCtx)
		w.readLoop(ctx)
		stop()
	}
}

func (w *AccountWatcher) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	w.mu.Lock()
	w.conn = conn
	w.pending = make(map[uint64]domain.Address)
	w.subs = make(map[uint64]domain.Address)
	addrs := make([]domain.Address, 0, len(w.watched))
	for a := range w.watched {
		addrs = append(addrs, a)
	}
	w.mu.Unlock()
	w.metrics.IncrementConnections()

	for _, a := range addrs {
		if err := w.subscribe(a); err != nil {
			w.closeConnection()
			return err
		}
		// Anything may have changed while disconnected.
		w.wake(a)
	}
	w.logger.Info("websocket connected", "accounts", len(addrs))
	return nil
}

func (w *AccountWatcher) subscribe(addr domain.Address) error {
	id := w.send("accountSubscribe", []any{addr.String(), map[string]any{
		"encoding":   "base64",
		"commitment": w.commitment,
	}})
	if id == 0 {
		return errors.New("no connection")
	}
	w.mu.Lock()
	w.pending[id] = addr
	w.mu.Unlock()
	return nil
}

// send writes a request and returns its id, or 0 if it could not be sent.
func (w *AccountWatcher) send(method string, params []any) uint64 {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.mu.Unlock()

	b, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return 0
	}
	if err := w.threadSafeWrite(websocket.TextMessage, b); err != nil {
		return 0
	}
	return id
}

func (w *AccountWatcher) pingLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.threadSafeWrite(websocket.PingMessage, nil)
		}
	}
}

func (w *AccountWatcher) threadSafeWrite(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return errors.New("no conn")
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(msgType, data)
}

func (w *AccountWatcher) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			w.closeConnection()
			return
		}
		w.handleMessage(msg)
	}
}

type wsMessage struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Method string          `json:"method"`
	Params struct {
		Subscription uint64 `json:"subscription"`
	} `json:"params"`
}

func (w *AccountWatcher) handleMessage(msg []byte) {
	var m wsMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		w.logger.Debug("unparsable websocket message", "error", err)
		return
	}

	switch {
	case m.Method == "accountNotification":
		w.mu.RLock()
		addr, ok := w.subs[m.Params.Subscription]
		w.mu.RUnlock()
		if ok {
			w.wake(addr)
		}
	case m.ID != 0:
		w.mu.Lock()
		addr, ok := w.pending[m.ID]
		delete(w.pending, m.ID)
		if ok && m.Error == nil {
			var subID uint64
			if err := json.Unmarshal(m.Result, &subID); err == nil {
				if _, still := w.watched[addr]; still {
					w.subs[subID] = addr
				}
			}
		}
		w.mu.Unlock()
		if ok && m.Error != nil {
			w.logger.Warn("subscription rejected", "account", addr.String(), "error", m.Error)
		}
	}
}

func (w *AccountWatcher) wake(addr domain.Address) {
	w.mu.RLock()
	ch, ok := w.watched[addr]
	w.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (w *AccountWatcher) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
		w.metrics.DecrementConnections()
	}
}

// Disconnect stops the watcher and waits for its goroutines.
func (w *AccountWatcher) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}
