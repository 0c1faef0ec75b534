package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// RPCError is a JSON-RPC error object as a node sends it.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RPCNode is a JSON-RPC endpoint over httptest that answers each method from
// a table. Unknown methods get -32601.
type RPCNode struct {
	*httptest.Server

	mu      sync.Mutex
	results map[string]any
	errs    map[string]RPCError
	calls   map[string]int
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewRPCNode starts a node that is closed when t ends.
func NewRPCNode(t testing.TB) *RPCNode {
	t.Helper()
	n := &RPCNode{
		results: make(map[string]any),
		errs:    make(map[string]RPCError),
		calls:   make(map[string]int),
	}
	n.Server = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.Close)
	return n
}

// Result makes method succeed with v.
func (n *RPCNode) Result(method string, v any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.errs, method)
	n.results[method] = v
}

// Fail makes method answer with e.
func (n *RPCNode) Fail(method string, e RPCError) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.results, method)
	n.errs[method] = e
}

// Calls counts requests for method.
func (n *RPCNode) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *RPCNode) answer(req rpcRequest) rpcResponse {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.Method]++

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if e, ok := n.errs[req.Method]; ok {
		resp.Error = &e
		return resp
	}
	if v, ok := n.results[req.Method]; ok {
		resp.Result = v
		return resp
	}
	resp.Error = &RPCError{Code: -32601, Message: "the method " + req.Method + " does not exist/is not available"}
	return resp
}

func (n *RPCNode) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(n.answer(req))
}
