package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"crank_go/internal/domain"
	"crank_go/internal/infra"
)

// Client talks JSON-RPC 2.0 over HTTP to a chain node. It implements
// domain.ChainGateway and is safe for concurrent use.
type Client struct {
	url        string
	commitment string
	httpClient *http.Client
	nextID     atomic.Uint64
	logger     *slog.Logger
}

var _ domain.ChainGateway = (*Client)(nil)

// NewClient creates a new RPC client from the rpc config section.
func NewClient(cfg *infra.Config) *Client {
	return newClient(cfg.RPC.HTTPURL, cfg.RPC.Commitment, cfg.RPCTimeout(), cfg.RPC.MaxIdleConns)
}

func newClient(url, commitment string, timeout time.Duration, maxIdle int) *Client {
	if commitment == "" {
		commitment = "confirmed"
	}
	return &Client{
		url:        url,
		commitment: commitment,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        maxIdle,
				MaxIdleConnsPerHost: maxIdle,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: slog.Default().With("module", "rpc_client"),
	}
}

// FetchAccount returns the raw data of an account.
func (c *Client) FetchAccount(ctx context.Context, addr domain.Address) ([]byte, error) {
	var res accountInfoResult
	err := c.call(ctx, "getAccountInfo", &res, addr.String(), map[string]any{
		"encoding":   "base64",
		"commitment": c.commitment,
	})
	if err != nil {
		return nil, err
	}
	if res.Value == nil {
		return nil, fmt.Errorf("%s: %w", addr, domain.ErrAccountNotFound)
	}
	if len(res.Value.Data) != 2 || res.Value.Data[1] != "base64" {
		return nil, domain.NewFatalNetworkError("getAccountInfo", fmt.Errorf("unexpected data encoding %v", res.Value.Data))
	}
	data, err := base64.StdEncoding.DecodeString(res.Value.Data[0])
	if err != nil {
		return nil, domain.NewFatalNetworkError("getAccountInfo", err)
	}
	return data, nil
}

// LatestBlockhash returns a fresh blockhash and its expiry height.
func (c *Client) LatestBlockhash(ctx context.Context) (domain.RecentBlockhash, error) {
	var res latestBlockhashResult
	if err := c.call(ctx, "getLatestBlockhash", &res, map[string]any{"commitment": c.commitment}); err != nil {
		return domain.RecentBlockhash{}, err
	}
	h, err := domain.ParseBlockhash(res.Value.Blockhash)
	if err != nil {
		return domain.RecentBlockhash{}, domain.NewFatalNetworkError("getLatestBlockhash", err)
	}
	return domain.RecentBlockhash{Hash: h, LastValidBlockHeight: res.Value.LastValidBlockHeight}, nil
}

// SimulateTransaction runs the transaction against the node without
// landing it.
func (c *Client) SimulateTransaction(ctx context.Context, tx []byte) error {
	var res simulateResult
	err := c.call(ctx, "simulateTransaction", &res, base64.StdEncoding.EncodeToString(tx), map[string]any{
		"encoding":   "base64",
		"commitment": c.commitment,
		"sigVerify":  false,
	})
	if err != nil {
		return err
	}
	if txErrIsNull(res.Value.Err) {
		return nil
	}
	if txErrIsBlockhashNotFound(res.Value.Err) {
		return domain.ErrExpired
	}
	return &domain.RejectedError{Reason: string(res.Value.Err), Logs: res.Value.Logs}
}

// SubmitTransaction sends a signed transaction with preflight checks.
func (c *Client) SubmitTransaction(ctx context.Context, tx []byte) (domain.Signature, error) {
	var sigStr string
	err := c.call(ctx, "sendTransaction", &sigStr, base64.StdEncoding.EncodeToString(tx), map[string]any{
		"encoding":            "base64",
		"preflightCommitment": c.commitment,
	})
	if err != nil {
		return domain.Signature{}, err
	}
	sig, err := domain.ParseSignature(sigStr)
	if err != nil {
		return domain.Signature{}, domain.NewFatalNetworkError("sendTransaction", err)
	}
	return sig, nil
}

// GetConfirmation reports the status of a submitted transaction. A
// transaction with no status is expired once the block height passes
// lastValidBlockHeight.
func (c *Client) GetConfirmation(ctx context.Context, sig domain.Signature, lastValidBlockHeight uint64) (domain.Confirmation, error) {
	var res signatureStatusesResult
	err := c.call(ctx, "getSignatureStatuses", &res, []string{sig.String()}, map[string]any{
		"searchTransactionHistory": false,
	})
	if err != nil {
		return domain.Confirmation{}, err
	}

	if len(res.Value) == 1 && res.Value[0] != nil {
		st := res.Value[0]
		if !txErrIsNull(st.Err) {
			return domain.Confirmation{Status: domain.StatusRejected, Reason: string(st.Err)}, nil
		}
		if c.reached(st.ConfirmationStatus) {
			return domain.Confirmation{Status: domain.StatusConfirmed}, nil
		}
		return domain.Confirmation{Status: domain.StatusPending}, nil
	}

	var height uint64
	if err := c.call(ctx, "getBlockHeight", &height, map[string]any{"commitment": c.commitment}); err != nil {
		return domain.Confirmation{}, err
	}
	if height > lastValidBlockHeight {
		return domain.Confirmation{Status: domain.StatusExpired}, nil
	}
	return domain.Confirmation{Status: domain.StatusPending}, nil
}

// reached reports whether a confirmation status satisfies the configured
// commitment.
func (c *Client) reached(status string) bool {
	switch c.commitment {
	case "finalized":
		return status == "finalized"
	case "processed":
		return status != ""
	default:
		return status == "confirmed" || status == "finalized"
	}
}

// call performs one JSON-RPC request and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, out any, params ...any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return domain.NewFatalNetworkError(method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewNetworkError(method, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewNetworkError(method, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return domain.NewNetworkError(method, fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(bodyBytes)))
	case resp.StatusCode != http.StatusOK:
		return domain.NewFatalNetworkError(method, fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(bodyBytes)))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(bodyBytes, &rpcResp); err != nil {
		return domain.NewNetworkError(method, fmt.Errorf("failed to parse response: %w", err))
	}
	if rpcResp.Error != nil {
		return c.mapError(method, rpcResp.Error)
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return domain.NewFatalNetworkError(method, fmt.Errorf("failed to parse result: %w", err))
	}
	return nil
}

// mapError turns a JSON-RPC error object into the crank error taxonomy.
func (c *Client) mapError(method string, e *RPCError) error {
	switch e.Code {
	case CodeSendTransactionPreflightFailure:
		var data preflightData
		if len(e.Data) > 0 {
			_ = json.Unmarshal(e.Data, &data)
		}
		if txErrIsBlockhashNotFound(data.Err) {
			return domain.ErrExpired
		}
		reason := e.Message
		if !txErrIsNull(data.Err) {
			reason = string(data.Err)
		}
		return &domain.RejectedError{Reason: reason, Logs: data.Logs}
	case CodeNodeUnhealthy:
		return domain.NewNetworkError(method, e)
	}
	c.logger.Debug("rpc error", "method", method, "code", e.Code, "message", e.Message)
	if e.Code <= -32000 && e.Code >= -32099 {
		// server-defined errors are node-side conditions
		return domain.NewNetworkError(method, e)
	}
	return domain.NewFatalNetworkError(method, e)
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
