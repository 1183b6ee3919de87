// Package chain defines the ledger primitives the core operates on (§3) and
// the ChainProvider seam (§6) the block processor and multi-responder talk
// to. A chain.Provider is assumed, not implemented here, the way pktd's
// chainntnfs notifiers are built against a ChainConn/RPC client interface
// rather than a concrete backend.
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Hash identifies a block or transaction. Ethereum hashes are 32 bytes;
// reusing go-ethereum's common.Hash gives us constant-time comparisons and
// hex (de)serialization for free.
type Hash = common.Hash

// Address identifies an account or contract.
type Address = common.Address

// Log is a single EVM log entry, ordered within its parent block.
type Log struct {
	Address common.Address
	Topics  []Hash
}

// Transaction is the subset of an on-chain transaction's fields the core
// needs: enough to recognize the multi-responder's own broadcasts by
// (From, Nonce), and enough to replay it for gas-repricing.
type Transaction struct {
	Hash     Hash
	Nonce    uint64
	From     Address
	To       Address
	ChainID  uint64
	Data     []byte
	Value    uint64
	GasLimit uint64
	GasPrice uint64
}

// Block is the cache and reducer framework's unit of work (§3).
type Block struct {
	Hash         Hash
	Height       uint64
	ParentHash   Hash
	Logs         []Log
	Transactions []Transaction
}

// Provider is the external chain client the block processor and
// multi-responder depend on (§6). Implementations wrap a JSON-RPC/archive
// node client; chainprovider.Provider is this module's ethclient-backed one.
type Provider interface {
	// GetBlockNumber returns the provider's current chain-tip height.
	GetBlockNumber(ctx context.Context) (uint64, error)

	// GetBlock fetches the block at height. Lookups by hash go through
	// GetBlockByHash.
	GetBlock(ctx context.Context, height uint64) (*Block, error)

	// GetBlockByHash fetches a block by hash. Returns ErrBlockNotFound if
	// the provider has no such block (possibly because it was reorged
	// out and pruned upstream).
	GetBlockByHash(ctx context.Context, hash Hash) (*Block, error)

	// GetLogs returns the logs emitted within the named block.
	GetLogs(ctx context.Context, blockHash Hash) ([]Log, error)

	// SendTransaction broadcasts a signed, RLP-encoded transaction.
	SendTransaction(ctx context.Context, signedBytes []byte) (Hash, error)

	// GetTransactionCount returns the next nonce the provider would
	// accept from addr (its "confirmed" transaction count).
	GetTransactionCount(ctx context.Context, addr Address) (uint64, error)

	// SubscribeNewHeight registers a callback invoked with each new block
	// height the provider observes. ResetEventsBlock rewinds this
	// subscription's cursor, used to recover from a reorg the provider's
	// own notification stream missed.
	SubscribeNewHeight(ctx context.Context, onHeight func(uint64)) (unsubscribe func(), err error)
	ResetEventsBlock(ctx context.Context, height uint64) error
}

// MatchesFilter reports whether l was emitted by address and carries every
// topic in topics at its corresponding index (§4.5 "Log matching"),
// case-insensitively as addresses/hashes compare byte-for-byte regardless
// of hex casing once decoded.
func (l Log) MatchesFilter(address Address, topics []Hash) bool {
	if l.Address != address {
		return false
	}
	for i, want := range topics {
		if i >= len(l.Topics) || l.Topics[i] != want {
			return false
		}
	}
	return true
}
