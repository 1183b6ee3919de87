// Package responder implements the multi-responder (§4.6): a per-signer
// pool of in-flight transactions with nonce allocation, gas repricing,
// and confirmation accounting. It is grounded on lnd/sweep, which keeps
// exactly this shape of table — one entry per outpoint/nonce-equivalent,
// a fee (here: gas price) bumped on a schedule, broadcast with retries,
// and retired once confirmed — generalized from UTXO inputs to EVM
// account nonces, and on lnd/watchtower/wtserver for the idea of a
// single server-side signer shared across many customers' appointments.
package responder

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/PISAresearch/pisa-sub003/appointment"
	"github.com/PISAresearch/pisa-sub003/blockstore"
	"github.com/PISAresearch/pisa-sub003/chain"
	"github.com/PISAresearch/pisa-sub003/internal/errs"
	"github.com/PISAresearch/pisa-sub003/internal/log"
)

var logger = log.Disabled

// UseLogger wires this package's logger.
func UseLogger(l log.Logger) { logger = l }

// Err namespaces multi-responder failures.
var Err = errs.NewErrorType("responder")

// ErrBroadcastFailed signals a permanent broadcast failure after
// exhausting retries (§4.6 step 5).
var ErrBroadcastFailed = Err.CodeWithDetail("ErrBroadcastFailed", "transaction broadcast failed permanently")

// ComponentName identifies this reducer-framework component.
const ComponentName = "responder"

// Status is a pending transaction's lifecycle stage (§3 "Anchor state").
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusMined     Status = "MINED"
	StatusConfirmed Status = "CONFIRMED"
	StatusAbandoned Status = "ABANDONED"
)

// GasEstimator supplies an initial broadcast price and a strictly higher
// replacement price, an external collaborator per §1's "fee/payment-hash
// protocol ... named where the core consumes them, not specified".
type GasEstimator interface {
	EstimatePrice(ctx context.Context) (uint64, error)
	BumpPrice(prev uint64) uint64
}

// Signer builds and signs a raw transaction, an external collaborator
// per §1 ("the signing API used by the responder wallet").
type Signer interface {
	SignTransaction(ctx context.Context, tx chain.Transaction) (signed []byte, hash chain.Hash, err error)
}

// Config carries the multi-responder's tunables (§4.6, §5).
type Config struct {
	ChainID                   uint64
	ConfirmationsBeforeRetire uint64
	StaleBlocks               uint64
	MaxBroadcastRetries       int
	InitialBackoff            time.Duration
	MaxBackoff                time.Duration
}

// PendingTransaction is §3's "Pending-transaction table" row.
type PendingTransaction struct {
	Nonce           uint64
	Target          chain.Address
	Data            []byte
	GasLimit        uint64
	GasPrice        uint64
	Status          Status
	BroadcastHeight uint64
	MinedHeight     uint64
	AppointmentID   appointment.ID
	BlockObserved   uint64
}

// Responder is the multi-responder for a single (chain, signer) pair. It
// is both the reducer-framework Component tracking per-transaction
// status across heads, and the watcher.Responder a StartResponse action
// dispatches into.
type Responder struct {
	address   chain.Address
	provider  chain.Provider
	signer    Signer
	estimator GasEstimator
	cfg       Config
	bstore    *blockstore.Store

	mu        sync.Mutex // the one mutex per (chain, signer) of §5
	nextNonce uint64
	freeList  []uint64
	table     map[uint64]*PendingTransaction
	lastHead  uint64
}

// New creates a Responder seeded with startNonce, the signer's on-chain
// transaction count observed at startup (§4.6 "Inputs").
func New(address chain.Address, startNonce uint64, provider chain.Provider, signer Signer, estimator GasEstimator, cfg Config, bstore *blockstore.Store) (*Responder, error) {
	r := &Responder{
		address:   address,
		provider:  provider,
		signer:    signer,
		estimator: estimator,
		cfg:       cfg,
		bstore:    bstore,
		nextNonce: startNonce,
		table:     make(map[uint64]*PendingTransaction),
	}
	if err := r.loadTable(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Responder) Name() string { return ComponentName }

func nonceItemKey(n uint64) string { return "nonce:" + strconv.FormatUint(n, 10) }

func (r *Responder) loadTable() error {
	var zero chain.Hash
	for _, k := range r.bstore.EnumerateHeightCommitted(0) {
		v, ok, err := r.bstore.GetCommitted(zero, k, 0)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		pt, ok := v.(PendingTransaction)
		if !ok {
			continue
		}
		r.table[pt.Nonce] = &pt
		if pt.Nonce >= r.nextNonce {
			r.nextNonce = pt.Nonce + 1
		}
	}
	return nil
}

func (r *Responder) persist(pt *PendingTransaction) error {
	var zero chain.Hash
	b, err := r.bstore.Begin(5 * time.Second)
	if err != nil {
		return err
	}
	if err := b.Put(0, zero, nonceItemKey(pt.Nonce), toTagged(*pt)); err != nil {
		b.Abort()
		return err
	}
	return b.Commit()
}

// allocateNonce returns the lowest free nonce, preferring the recycled
// free-list over extending nextNonce, so that nonces released by a failed
// StartResponse are reused before new ones are minted. Retired
// (CONFIRMED) nonces never enter the free-list (§8 scenario 6).
func (r *Responder) allocateNonce() uint64 {
	if len(r.freeList) > 0 {
		sort.Slice(r.freeList, func(i, j int) bool { return r.freeList[i] < r.freeList[j] })
		n := r.freeList[0]
		r.freeList = r.freeList[1:]
		return n
	}
	n := r.nextNonce
	r.nextNonce++
	return n
}

// StartResponse implements §4.6's startResponse: allocate a nonce, price,
// sign, and broadcast, retrying transient failures with bounded back-off.
func (r *Responder) StartResponse(ctx context.Context, a appointment.Appointment, blockObserved uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.allocateNonce()

	price, err := r.estimator.EstimatePrice(ctx)
	if err != nil {
		r.freeList = append(r.freeList, n)
		return errs.E(err)
	}

	hash, broadcastHeight, err := r.broadcastWithRetry(ctx, n, a.ContractAddress, a.Calldata, a.GasLimit, price)
	if err != nil {
		r.freeList = append(r.freeList, n)
		return err
	}

	pt := &PendingTransaction{
		Nonce:           n,
		Target:          a.ContractAddress,
		Data:            a.Calldata,
		GasLimit:        a.GasLimit,
		GasPrice:        price,
		Status:          StatusPending,
		BroadcastHeight: broadcastHeight,
		AppointmentID:   a.ID,
		BlockObserved:   blockObserved,
	}
	_ = hash
	if err := r.persist(pt); err != nil {
		r.freeList = append(r.freeList, n)
		return err
	}
	r.table[n] = pt
	return nil
}

// broadcastWithRetry signs and sends tx(n, target, data, gasLimit, price),
// retrying transient failures with bounded exponential back-off (§4.6
// step 5, §5 "Timeouts").
func (r *Responder) broadcastWithRetry(ctx context.Context, n uint64, target chain.Address, data []byte, gasLimit, price uint64) (chain.Hash, uint64, error) {
	backoff := r.cfg.InitialBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	maxBackoff := r.cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	retries := r.cfg.MaxBroadcastRetries
	if retries <= 0 {
		retries = 5
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		tx := chain.Transaction{
			Nonce:    n,
			From:     r.address,
			To:       target,
			ChainID:  r.cfg.ChainID,
			Data:     data,
			GasLimit: gasLimit,
			GasPrice: price,
		}
		signed, _, err := r.signer.SignTransaction(ctx, tx)
		if err != nil {
			return chain.Hash{}, 0, errs.E(err)
		}
		hash, err := r.provider.SendTransaction(ctx, signed)
		if err == nil {
			head, herr := r.provider.GetBlockNumber(ctx)
			if herr != nil {
				head = r.lastHead
			}
			return hash, head, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return chain.Hash{}, 0, errs.E(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return chain.Hash{}, 0, ErrBroadcastFailed.New(lastErr.Error(), errs.E(lastErr))
}
