package rpc

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC error codes the crank reacts to.
const (
	CodeSendTransactionPreflightFailure = -32002
	CodeNodeUnhealthy                   = -32005
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (err *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d - %s", err.Code, err.Message)
}

// preflightData is the data payload of a failed sendTransaction preflight.
type preflightData struct {
	Err  json.RawMessage `json:"err"`
	Logs []string        `json:"logs"`
}

type contextResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
}

type accountInfoResult struct {
	contextResult
	Value *struct {
		Data       []string `json:"data"` // [payload, encoding]
		Owner      string   `json:"owner"`
		Lamports   uint64   `json:"lamports"`
		Executable bool     `json:"executable"`
	} `json:"value"`
}

type latestBlockhashResult struct {
	contextResult
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

type simulateResult struct {
	contextResult
	Value struct {
		Err  json.RawMessage `json:"err"`
		Logs []string        `json:"logs"`
	} `json:"value"`
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

type signatureStatusesResult struct {
	contextResult
	Value []*signatureStatus `json:"value"`
}

// txErrIsNull reports whether a transaction error field is absent or null.
func txErrIsNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// txErrIsBlockhashNotFound matches the "BlockhashNotFound" transaction error.
func txErrIsBlockhashNotFound(raw json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == "BlockhashNotFound"
}
