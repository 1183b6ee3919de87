package reducer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/PISAresearch/pisa-sub003/actionstore"
	"github.com/PISAresearch/pisa-sub003/blockcache"
	"github.com/PISAresearch/pisa-sub003/blockstore"
	"github.com/PISAresearch/pisa-sub003/chain"
)

// fakeComponent is a minimal Component whose state is just "how many
// times has Reduce/GetInitialState run", and which emits one action (the
// new state) whenever DetectChanges sees the state grow.
type fakeComponent struct {
	name string

	mu             sync.Mutex
	applied        []blockstore.Value
	applyErr       error
	detectedCalls  int
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) GetInitialState(block chain.Block) (blockstore.Value, error) {
	return uint64(1), nil
}

func (f *fakeComponent) Reduce(prev blockstore.Value, block chain.Block) (blockstore.Value, error) {
	p, _ := prev.(uint64)
	return p + 1, nil
}

func (f *fakeComponent) DetectChanges(prevEmitted, next blockstore.Value, head chain.Block) ([]blockstore.Value, error) {
	f.mu.Lock()
	f.detectedCalls++
	f.mu.Unlock()
	p, _ := prevEmitted.(uint64)
	n, _ := next.(uint64)
	if n > p {
		return []blockstore.Value{n}, nil
	}
	return nil, nil
}

func (f *fakeComponent) ApplyAction(ctx context.Context, action blockstore.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, action)
	return nil
}

func openTestFramework(t *testing.T) (*Framework, *blockcache.Cache) {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := blockstore.NewRegistry()
	actionstoreDB, err := blockstore.Open(db, "anchor", reg)
	require.NoError(t, err)

	actionsDB, err := bbolt.Open(filepath.Join(t.TempDir(), "actions.db"), 0600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { actionsDB.Close() })
	actionsStore, err := blockstore.Open(actionsDB, "actions", blockstore.NewRegistry())
	require.NoError(t, err)
	actions, err := actionstore.Open(actionsStore, 5*time.Second)
	require.NoError(t, err)

	f := New(actionstoreDB, actions)
	cache := blockcache.New(100)
	return f, cache
}

func block(height uint64, hash, parent byte) chain.Block {
	b := chain.Block{Height: height}
	b.Hash[0] = hash
	b.ParentHash[0] = parent
	return b
}

func TestOnNewBlockSeedsFromGetInitialStateAtGenesis(t *testing.T) {
	f, cache := openTestFramework(t)
	comp := &fakeComponent{name: "fake"}
	f.Register(comp)
	f.AttachCache(cache)

	g := block(1, 1, 0)
	_, err := cache.AddBlock(g)
	require.NoError(t, err)

	state, ok, err := f.store.GetCommitted(g.Hash, comp.Name()+stateKeySuffix, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), state)
}

func TestOnNewBlockReducesFromParentState(t *testing.T) {
	f, cache := openTestFramework(t)
	comp := &fakeComponent{name: "fake"}
	f.Register(comp)
	f.AttachCache(cache)

	g := block(1, 1, 0)
	child := block(2, 2, 1)
	_, err := cache.AddBlock(g)
	require.NoError(t, err)
	_, err = cache.AddBlock(child)
	require.NoError(t, err)

	state, ok, err := f.store.GetCommitted(child.Hash, comp.Name()+stateKeySuffix, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), state)
}

func TestOnNewHeadDetectsChangesAndAppliesActions(t *testing.T) {
	f, cache := openTestFramework(t)
	comp := &fakeComponent{name: "fake"}
	f.Register(comp)
	f.AttachCache(cache)

	g := block(1, 1, 0)
	child := block(2, 2, 1)
	_, err := cache.AddBlock(g)
	require.NoError(t, err)

	// The first new-head event establishes prevEmitted for g before child
	// is added, so onNewBlock(child) carries it forward from the parent.
	require.NoError(t, f.onNewHead(context.Background(), g))

	_, err = cache.AddBlock(child)
	require.NoError(t, err)

	require.NoError(t, f.onNewHead(context.Background(), child))

	require.Eventually(t, func() bool {
		comp.mu.Lock()
		defer comp.mu.Unlock()
		return len(comp.applied) == 1
	}, time.Second, time.Millisecond)

	comp.mu.Lock()
	require.Equal(t, []blockstore.Value{uint64(2)}, comp.applied)
	comp.mu.Unlock()
}

func TestOnNewHeadWithoutPriorBlockStateIsFatal(t *testing.T) {
	f, _ := openTestFramework(t)
	comp := &fakeComponent{name: "fake"}
	f.Register(comp)

	err := f.onNewHead(context.Background(), block(1, 1, 0))
	require.Error(t, err)
	require.True(t, ErrMissingState.Is(err))
}

func TestApplyOutstandingRetriesOnFailureWithoutRemovingAction(t *testing.T) {
	f, _ := openTestFramework(t)
	comp := &fakeComponent{name: "fake", applyErr: context.DeadlineExceeded}

	entries, err := f.actions.StoreActions(comp.Name(), []blockstore.Value{uint64(42)})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f.applyOutstanding(context.Background(), comp)

	require.Eventually(t, func() bool {
		comp.mu.Lock()
		defer comp.mu.Unlock()
		return len(comp.applied) == 0
	}, time.Second, time.Millisecond)

	remaining := f.actions.GetActions(comp.Name())
	require.Len(t, remaining, 1)
}

func TestApplyOutstandingRemovesActionOnSuccess(t *testing.T) {
	f, _ := openTestFramework(t)
	comp := &fakeComponent{name: "fake"}

	_, err := f.actions.StoreActions(comp.Name(), []blockstore.Value{uint64(42)})
	require.NoError(t, err)

	f.applyOutstanding(context.Background(), comp)

	require.Eventually(t, func() bool {
		return len(f.actions.GetActions(comp.Name())) == 0
	}, time.Second, time.Millisecond)
}
