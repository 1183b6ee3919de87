// Package chainprovider is the concrete chain.Provider this module ships,
// wrapping go-ethereum's ethclient/rpc the way lnd/chainntnfs's btcdnotify
// and neutrinonotify drivers wrap their own RPC clients behind the single
// ChainNotifier interface. Where the underlying transport doesn't support
// native subscriptions (a plain HTTP endpoint rather than a websocket one),
// it falls back to polling GetBlockNumber on an interval, exactly as
// chainntnfs's btcd driver does for non-websocket RPC backends.
package chainprovider

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/PISAresearch/pisa-sub003/chain"
	"github.com/PISAresearch/pisa-sub003/internal/errs"
	"github.com/PISAresearch/pisa-sub003/internal/log"
)

var logger = log.Disabled

// UseLogger wires this package's logger.
func UseLogger(l log.Logger) { logger = l }

// Err namespaces chainprovider failures.
var Err = errs.NewErrorType("chainprovider")

// defaultPollInterval is used when Config.PollInterval is zero.
const defaultPollInterval = 4 * time.Second

// Config carries the dial parameters for a Provider.
type Config struct {
	// RPCURL is any endpoint ethclient.DialContext accepts: ws(s):// for
	// native subscriptions, http(s):// to fall back to polling.
	RPCURL string
	// PollInterval governs the fallback poller's tick rate when RPCURL
	// doesn't support subscriptions. Defaults to 4s.
	PollInterval time.Duration
}

// Provider implements chain.Provider against a single JSON-RPC endpoint.
type Provider struct {
	rpcClient *rpc.Client
	client    *ethclient.Client
	signer    types.Signer
	pollEvery time.Duration

	mu         sync.Mutex
	lastPolled uint64
}

// Dial connects to cfg.RPCURL and derives the EIP-155 signer from the
// endpoint's reported chain id, the way ethclient-based tooling throughout
// the pack resolves a signer before decoding transaction senders.
func Dial(ctx context.Context, cfg Config) (*Provider, error) {
	rc, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errs.Errorf("dialing chain provider RPC endpoint: %v", err)
	}
	ec := ethclient.NewClient(rc)
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		rc.Close()
		return nil, errs.Errorf("fetching chain id: %v", err)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Provider{
		rpcClient: rc,
		client:    ec,
		signer:    types.LatestSignerForChainID(chainID),
		pollEvery: poll,
	}, nil
}

// Close releases the underlying RPC connection.
func (p *Provider) Close() { p.rpcClient.Close() }

// GetBlockNumber implements chain.Provider.
func (p *Provider) GetBlockNumber(ctx context.Context) (uint64, error) {
	n, err := p.client.BlockNumber(ctx)
	if err != nil {
		return 0, errs.Errorf("fetching block number: %v", err)
	}
	return n, nil
}

// GetBlock implements chain.Provider.
func (p *Provider) GetBlock(ctx context.Context, height uint64) (*chain.Block, error) {
	b, err := p.client.BlockByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		if err == ethereum.NotFound {
			return nil, chain.ErrBlockNotFound.Default()
		}
		return nil, errs.Errorf("fetching block by height: %v", err)
	}
	return p.convertBlock(ctx, b)
}

// GetBlockByHash implements chain.Provider.
func (p *Provider) GetBlockByHash(ctx context.Context, hash chain.Hash) (*chain.Block, error) {
	b, err := p.client.BlockByHash(ctx, hash)
	if err != nil {
		if err == ethereum.NotFound {
			return nil, chain.ErrBlockNotFound.Default()
		}
		return nil, errs.Errorf("fetching block by hash: %v", err)
	}
	return p.convertBlock(ctx, b)
}

func (p *Provider) convertBlock(ctx context.Context, b *types.Block) (*chain.Block, error) {
	logs, err := p.GetLogs(ctx, b.Hash())
	if err != nil {
		return nil, err
	}
	txs := make([]chain.Transaction, 0, len(b.Transactions()))
	for _, tx := range b.Transactions() {
		converted, err := p.convertTx(tx)
		if err != nil {
			return nil, err
		}
		txs = append(txs, converted)
	}
	return &chain.Block{
		Hash:         b.Hash(),
		Height:       b.NumberU64(),
		ParentHash:   b.ParentHash(),
		Logs:         logs,
		Transactions: txs,
	}, nil
}

func (p *Provider) convertTx(tx *types.Transaction) (chain.Transaction, error) {
	from, err := types.Sender(p.signer, tx)
	if err != nil {
		return chain.Transaction{}, errs.Errorf("recovering transaction sender: %v", err)
	}
	var to chain.Address
	if tx.To() != nil {
		to = *tx.To()
	}
	return chain.Transaction{
		Hash:     tx.Hash(),
		Nonce:    tx.Nonce(),
		From:     from,
		To:       to,
		ChainID:  tx.ChainId().Uint64(),
		Data:     tx.Data(),
		Value:    tx.Value().Uint64(),
		GasLimit: tx.Gas(),
		GasPrice: tx.GasPrice().Uint64(),
	}, nil
}

// GetLogs implements chain.Provider.
func (p *Provider) GetLogs(ctx context.Context, blockHash chain.Hash) ([]chain.Log, error) {
	raw, err := p.client.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: &blockHash})
	if err != nil {
		return nil, errs.Errorf("fetching block logs: %v", err)
	}
	out := make([]chain.Log, len(raw))
	for i, l := range raw {
		out[i] = chain.Log{Address: l.Address, Topics: l.Topics}
	}
	return out, nil
}

// SendTransaction implements chain.Provider.
func (p *Provider) SendTransaction(ctx context.Context, signedBytes []byte) (chain.Hash, error) {
	var tx types.Transaction
	if err := rlp.DecodeBytes(signedBytes, &tx); err != nil {
		return chain.Hash{}, errs.Errorf("decoding signed transaction: %v", err)
	}
	if err := p.client.SendTransaction(ctx, &tx); err != nil {
		return chain.Hash{}, errs.Errorf("broadcasting transaction: %v", err)
	}
	return tx.Hash(), nil
}

// SuggestGasPrice returns the endpoint's current suggested gas price, the
// seed value responder.GasEstimator implementations build their initial
// broadcast price from.
func (p *Provider) SuggestGasPrice(ctx context.Context) (uint64, error) {
	price, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return 0, errs.Errorf("fetching suggested gas price: %v", err)
	}
	return price.Uint64(), nil
}

// ChainID returns the chain id derived at Dial time.
func (p *Provider) ChainID() uint64 {
	return p.signer.ChainID().Uint64()
}

// GetTransactionCount implements chain.Provider.
func (p *Provider) GetTransactionCount(ctx context.Context, addr chain.Address) (uint64, error) {
	n, err := p.client.NonceAt(ctx, addr, nil)
	if err != nil {
		return 0, errs.Errorf("fetching transaction count: %v", err)
	}
	return n, nil
}

// SubscribeNewHeight implements chain.Provider. It prefers the endpoint's
// native head subscription and falls back to polling when the transport
// doesn't support one (e.g. a plain HTTP RPCURL).
func (p *Provider) SubscribeNewHeight(ctx context.Context, onHeight func(uint64)) (func(), error) {
	heads := make(chan *types.Header)
	sub, err := p.client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return p.pollNewHeight(ctx, onHeight), nil
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case h := <-heads:
				onHeight(h.Number.Uint64())
			case err := <-sub.Err():
				if err != nil {
					logger.Warnf("head subscription error: %v", err)
				}
				return
			case <-done:
				return
			}
		}
	}()
	return func() {
		sub.Unsubscribe()
		close(done)
	}, nil
}

func (p *Provider) pollNewHeight(ctx context.Context, onHeight func(uint64)) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := p.client.BlockNumber(ctx)
				if err != nil {
					logger.Warnf("polling block number: %v", err)
					continue
				}
				p.mu.Lock()
				last := p.lastPolled
				p.mu.Unlock()
				if n <= last {
					continue
				}
				for h := last + 1; h <= n; h++ {
					onHeight(h)
				}
				p.mu.Lock()
				p.lastPolled = n
				p.mu.Unlock()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// ResetEventsBlock implements chain.Provider, rewinding the polling
// fallback's cursor so the next tick redelivers from height onward. It is a
// no-op under native subscriptions, whose reorg handling is the provider's
// own responsibility.
func (p *Provider) ResetEventsBlock(ctx context.Context, height uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if height == 0 {
		p.lastPolled = 0
		return nil
	}
	p.lastPolled = height - 1
	return nil
}
