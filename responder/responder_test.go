package responder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/PISAresearch/pisa-sub003/appointment"
	"github.com/PISAresearch/pisa-sub003/blockstore"
	"github.com/PISAresearch/pisa-sub003/chain"
)

// mockProvider implements chain.Provider with just enough behavior to
// drive broadcastWithRetry: sendErrs supplies one error per SendTransaction
// call (nil meaning success), exhausted calls always succeed.
type mockProvider struct {
	sendErrs   []error
	sendCalls  int
	blockNum   uint64
}

func (m *mockProvider) GetBlockNumber(ctx context.Context) (uint64, error) { return m.blockNum, nil }
func (m *mockProvider) GetBlock(ctx context.Context, height uint64) (*chain.Block, error) {
	return nil, nil
}
func (m *mockProvider) GetBlockByHash(ctx context.Context, hash chain.Hash) (*chain.Block, error) {
	return nil, nil
}
func (m *mockProvider) GetLogs(ctx context.Context, blockHash chain.Hash) ([]chain.Log, error) {
	return nil, nil
}
func (m *mockProvider) SendTransaction(ctx context.Context, signedBytes []byte) (chain.Hash, error) {
	var err error
	if m.sendCalls < len(m.sendErrs) {
		err = m.sendErrs[m.sendCalls]
	}
	m.sendCalls++
	if err != nil {
		return chain.Hash{}, err
	}
	return chain.Hash{1}, nil
}
func (m *mockProvider) GetTransactionCount(ctx context.Context, addr chain.Address) (uint64, error) {
	return 0, nil
}
func (m *mockProvider) SubscribeNewHeight(ctx context.Context, onHeight func(uint64)) (func(), error) {
	return func() {}, nil
}
func (m *mockProvider) ResetEventsBlock(ctx context.Context, height uint64) error { return nil }

type mockSigner struct{}

func (mockSigner) SignTransaction(ctx context.Context, tx chain.Transaction) ([]byte, chain.Hash, error) {
	return []byte{0xAB}, chain.Hash{2}, nil
}

type mockEstimator struct{ price uint64 }

func (e mockEstimator) EstimatePrice(ctx context.Context) (uint64, error) { return e.price, nil }
func (mockEstimator) BumpPrice(prev uint64) uint64                       { return prev * 2 }

func openTestBlockstore(t *testing.T) *blockstore.Store {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := blockstore.NewRegistry()
	RegisterTypes(reg)
	RegisterActionTypes(reg)
	s, err := blockstore.Open(db, "responder", reg)
	require.NoError(t, err)
	return s
}

func testConfig() Config {
	return Config{
		ChainID:                   1,
		ConfirmationsBeforeRetire: 6,
		StaleBlocks:               10,
		MaxBroadcastRetries:       2,
		InitialBackoff:            time.Millisecond,
		MaxBackoff:                5 * time.Millisecond,
	}
}

func TestStartResponseAllocatesNonceAndPersists(t *testing.T) {
	bstore := openTestBlockstore(t)
	provider := &mockProvider{}
	r, err := New(chain.Address{1}, 5, provider, mockSigner{}, mockEstimator{price: 100}, testConfig(), bstore)
	require.NoError(t, err)

	a := appointment.Appointment{ID: appointment.ID{1}, ContractAddress: chain.Address{9}, GasLimit: 21000}
	require.NoError(t, r.StartResponse(context.Background(), a, 10))

	pt, ok := r.table[5]
	require.True(t, ok)
	require.Equal(t, StatusPending, pt.Status)
	require.Equal(t, uint64(100), pt.GasPrice)

	reopened, err := New(chain.Address{1}, 0, provider, mockSigner{}, mockEstimator{}, testConfig(), bstore)
	require.NoError(t, err)
	reloaded, ok := reopened.table[5]
	require.True(t, ok)
	require.Equal(t, StatusPending, reloaded.Status)
	require.Equal(t, uint64(6), reopened.nextNonce)
}

func TestStartResponseRetriesTransientBroadcastFailure(t *testing.T) {
	bstore := openTestBlockstore(t)
	provider := &mockProvider{sendErrs: []error{context.DeadlineExceeded, nil}}
	r, err := New(chain.Address{1}, 0, provider, mockSigner{}, mockEstimator{price: 1}, testConfig(), bstore)
	require.NoError(t, err)

	a := appointment.Appointment{ID: appointment.ID{1}, ContractAddress: chain.Address{9}}
	require.NoError(t, r.StartResponse(context.Background(), a, 0))
	require.Equal(t, 2, provider.sendCalls)
	require.Contains(t, r.table, uint64(0))
}

func TestStartResponseReturnsBroadcastFailedAfterExhaustingRetries(t *testing.T) {
	bstore := openTestBlockstore(t)
	provider := &mockProvider{sendErrs: []error{
		context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded,
	}}
	r, err := New(chain.Address{1}, 0, provider, mockSigner{}, mockEstimator{price: 1}, testConfig(), bstore)
	require.NoError(t, err)

	a := appointment.Appointment{ID: appointment.ID{1}, ContractAddress: chain.Address{9}}
	err = r.StartResponse(context.Background(), a, 0)
	require.Error(t, err)
	require.True(t, ErrBroadcastFailed.Is(err))

	require.Empty(t, r.table)
	require.Equal(t, []uint64{0}, r.freeList)
}

func TestDetectChangesEmitsRetireOnceConfirmationThresholdCrossed(t *testing.T) {
	bstore := openTestBlockstore(t)
	provider := &mockProvider{}
	r, err := New(chain.Address{1}, 0, provider, mockSigner{}, mockEstimator{price: 1}, testConfig(), bstore)
	require.NoError(t, err)

	block10 := chain.Block{Height: 10, Transactions: []chain.Transaction{{From: chain.Address{1}, Nonce: 0}}}
	require.NoError(t, r.StartResponse(context.Background(), appointment.Appointment{ID: appointment.ID{1}, ContractAddress: chain.Address{9}}, 0))
	prev, err := r.GetInitialState(block10)
	require.NoError(t, err)

	minedAt := chain.Block{Height: 16, Transactions: []chain.Transaction{{From: chain.Address{1}, Nonce: 0}}}
	next, err := r.Reduce(prev, minedAt)
	require.NoError(t, err)

	actions, err := r.DetectChanges(prev, next, minedAt)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, retireValue(0), actions[0])
}

func TestDetectChangesEmitsReissueWhenStale(t *testing.T) {
	bstore := openTestBlockstore(t)
	provider := &mockProvider{}
	r, err := New(chain.Address{1}, 0, provider, mockSigner{}, mockEstimator{price: 1}, testConfig(), bstore)
	require.NoError(t, err)

	require.NoError(t, r.StartResponse(context.Background(), appointment.Appointment{ID: appointment.ID{1}, ContractAddress: chain.Address{9}}, 0))
	prev, err := r.GetInitialState(chain.Block{Height: 0})
	require.NoError(t, err)

	staleHead := chain.Block{Height: 20}
	next, err := r.Reduce(prev, staleHead)
	require.NoError(t, err)

	actions, err := r.DetectChanges(prev, next, staleHead)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, reissueValue(0, 2), actions[0])
}

func TestApplyActionRetireIsIdempotent(t *testing.T) {
	bstore := openTestBlockstore(t)
	provider := &mockProvider{}
	r, err := New(chain.Address{1}, 0, provider, mockSigner{}, mockEstimator{price: 1}, testConfig(), bstore)
	require.NoError(t, err)
	require.NoError(t, r.StartResponse(context.Background(), appointment.Appointment{ID: appointment.ID{1}, ContractAddress: chain.Address{9}}, 0))

	require.NoError(t, r.ApplyAction(context.Background(), RetireAction{Nonce: 0}))
	require.Equal(t, StatusConfirmed, r.table[0].Status)
	require.NoError(t, r.ApplyAction(context.Background(), RetireAction{Nonce: 0}))
	require.Equal(t, StatusConfirmed, r.table[0].Status)
}

func TestApplyActionUnknownTypeErrors(t *testing.T) {
	bstore := openTestBlockstore(t)
	r, err := New(chain.Address{1}, 0, &mockProvider{}, mockSigner{}, mockEstimator{price: 1}, testConfig(), bstore)
	require.NoError(t, err)

	err = r.ApplyAction(context.Background(), "not-an-action")
	require.Error(t, err)
}

func TestAllocateNoncePrefersFreeListOverNextNonce(t *testing.T) {
	bstore := openTestBlockstore(t)
	r, err := New(chain.Address{1}, 3, &mockProvider{}, mockSigner{}, mockEstimator{price: 1}, testConfig(), bstore)
	require.NoError(t, err)
	r.freeList = []uint64{1, 0}

	require.Equal(t, uint64(0), r.allocateNonce())
	require.Equal(t, uint64(1), r.allocateNonce())
	require.Equal(t, uint64(3), r.allocateNonce())
}
