package chainprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PISAresearch/pisa-sub003/chain"
)

type jsonrpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
}

// newFakeRPCServer answers a fixed set of eth_* JSON-RPC calls, enough to
// exercise Dial and the provider methods that don't need a full block
// payload (the endpoint-derived signer and simple scalar RPCs).
func newFakeRPCServer(t *testing.T, results map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, ok := results[req.Method]
		require.True(t, ok, "unexpected method %s", req.Method)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}))
	}))
}

func TestDialDerivesChainIDSigner(t *testing.T) {
	srv := newFakeRPCServer(t, map[string]interface{}{
		"eth_chainId": "0x1",
	})
	defer srv.Close()

	p, err := Dial(context.Background(), Config{RPCURL: srv.URL})
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, uint64(1), p.ChainID())
}

func TestDialUsesDefaultPollIntervalWhenUnset(t *testing.T) {
	srv := newFakeRPCServer(t, map[string]interface{}{
		"eth_chainId": "0x5",
	})
	defer srv.Close()

	p, err := Dial(context.Background(), Config{RPCURL: srv.URL})
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, defaultPollInterval, p.pollEvery)
}

func TestGetBlockNumber(t *testing.T) {
	srv := newFakeRPCServer(t, map[string]interface{}{
		"eth_chainId":     "0x1",
		"eth_blockNumber": "0x2a",
	})
	defer srv.Close()

	p, err := Dial(context.Background(), Config{RPCURL: srv.URL})
	require.NoError(t, err)
	defer p.Close()

	n, err := p.GetBlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), n)
}

func TestGetTransactionCount(t *testing.T) {
	srv := newFakeRPCServer(t, map[string]interface{}{
		"eth_chainId":               "0x1",
		"eth_getTransactionCount":   "0x7",
	})
	defer srv.Close()

	p, err := Dial(context.Background(), Config{RPCURL: srv.URL})
	require.NoError(t, err)
	defer p.Close()

	n, err := p.GetTransactionCount(context.Background(), chain.Address{})
	require.NoError(t, err)
	require.Equal(t, uint64(7), n)
}

func TestSuggestGasPrice(t *testing.T) {
	srv := newFakeRPCServer(t, map[string]interface{}{
		"eth_chainId":  "0x1",
		"eth_gasPrice": "0x3b9aca00",
	})
	defer srv.Close()

	p, err := Dial(context.Background(), Config{RPCURL: srv.URL})
	require.NoError(t, err)
	defer p.Close()

	price, err := p.SuggestGasPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000_000), price)
}

func TestResetEventsBlockToZeroClearsCursor(t *testing.T) {
	p := &Provider{}
	p.lastPolled = 100
	require.NoError(t, p.ResetEventsBlock(context.Background(), 0))
	require.Equal(t, uint64(0), p.lastPolled)
}

func TestResetEventsBlockRewindsCursorToOneBeforeHeight(t *testing.T) {
	p := &Provider{}
	require.NoError(t, p.ResetEventsBlock(context.Background(), 50))
	require.Equal(t, uint64(49), p.lastPolled)
}
