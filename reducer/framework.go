// Package reducer implements the reducer framework (§4.4): per-component
// anchor-state computation driven off the block cache's "new block" and
// the block processor's "new head" events, coordinated by one global
// mutex so that, for any given head, the full fan-out over components
// finishes before the next event starts (§5). It is grounded on
// lnd/watchtower/lookout, which drives exactly this "new block in, derive
// per-breach-hint state, detect a matching justice transaction, emit an
// action" pipeline for the teacher's own watchtower.
package reducer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PISAresearch/pisa-sub003/actionstore"
	"github.com/PISAresearch/pisa-sub003/blockcache"
	"github.com/PISAresearch/pisa-sub003/blockprocessor"
	"github.com/PISAresearch/pisa-sub003/blockstore"
	"github.com/PISAresearch/pisa-sub003/chain"
	"github.com/PISAresearch/pisa-sub003/internal/errs"
	"github.com/PISAresearch/pisa-sub003/internal/log"
)

var logger = log.Disabled

// UseLogger wires this package's logger.
func UseLogger(l log.Logger) { logger = l }

// Err namespaces reducer-framework failures.
var Err = errs.NewErrorType("reducer")

// ErrMissingState is the §7 "Application invariant" fatal error: a "new
// head" handler found no anchor state for the head, which the preceding
// "new block" handler must always have computed first.
var ErrMissingState = Err.CodeWithDetail("ErrMissingState", "missing anchor state for head; new-block handler must run first")

const (
	stateKeySuffix       = ":state"
	prevEmittedKeySuffix = ":prevEmittedState"

	// batchTimeoutDefault bounds how long a new-block/new-head handler
	// waits for the anchor-state store's single open-batch slot. The
	// global reducer-framework mutex already keeps these handlers from
	// contending with each other, so this only guards against the
	// store being busy with an unrelated batch (§5 "Timeouts").
	batchTimeoutDefault = 5 * time.Second
)

// Component is one reducer-framework registrant (§4.4). State and Action
// values must be shapes blockstore.Encode understands (so the component's
// own package registers any Tagged record types it introduces with the
// shared blockstore.Registry before the store is opened).
type Component interface {
	// Name uniquely identifies this component; it namespaces its anchor
	// state and action-store entries.
	Name() string

	// GetInitialState derives a from-scratch anchor state for block,
	// used when no parent state is available (cache floor, or first
	// block ever seen).
	GetInitialState(block chain.Block) (blockstore.Value, error)

	// Reduce derives block's anchor state from its parent's.
	Reduce(prev blockstore.Value, block chain.Block) (blockstore.Value, error)

	// DetectChanges compares the state last emitted from to the state
	// at the new head and returns the actions that transition implies.
	// head carries the new head's height, which components compare
	// confirmation counts against (e.g. currentHead - blockObserved).
	DetectChanges(prevEmitted, next blockstore.Value, head chain.Block) ([]blockstore.Value, error)

	// ApplyAction performs action's side effect. Must be idempotent:
	// a failed ApplyAction leaves the action in the store for retry.
	ApplyAction(ctx context.Context, action blockstore.Value) error
}

// Framework owns the global coordinating mutex and drives every
// registered Component's reactions to cache and processor events.
type Framework struct {
	store   *blockstore.Store
	actions *actionstore.Store

	mu         sync.Mutex // the one global reducer-framework mutex (§5)
	components []Component
}

// New creates a Framework persisting anchor state in store and actions in
// actions.
func New(store *blockstore.Store, actions *actionstore.Store) *Framework {
	return &Framework{store: store, actions: actions}
}

// Register adds a component. Must be called before wiring the framework
// to a blockcache.Cache/blockprocessor.Processor's events.
func (f *Framework) Register(c Component) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.components = append(f.components, c)
}

// AttachCache subscribes the framework to the cache's "new block" event.
func (f *Framework) AttachCache(cache *blockcache.Cache) {
	cache.OnNewBlock(func(b chain.Block) {
		if err := f.onNewBlock(cache, b); err != nil {
			logger.Critf("reducer: new-block handler failed: %v", err)
		}
	})
}

// AttachProcessor subscribes the framework to the processor's "new head"
// event.
func (f *Framework) AttachProcessor(ctx context.Context, proc *blockprocessor.Processor) {
	proc.OnNewHead(func(ctx context.Context, h chain.Block) {
		if err := f.onNewHead(ctx, h); err != nil {
			logger.Critf("reducer: new-head handler failed: %v", err)
		}
	})
}

// onNewBlock implements §4.4's "On the cache's new block" algorithm.
func (f *Framework) onNewBlock(cache *blockcache.Cache, b chain.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	batch, err := f.store.Begin(batchTimeoutDefault)
	if err != nil {
		return err
	}

	parent, haveParent := cache.GetBlock(b.ParentHash)

	for _, c := range f.components {
		prevAnchor, seeded, err := f.loadPrevAnchor(batch, c, parent, haveParent)
		if err != nil {
			batch.Abort()
			return err
		}

		var newState blockstore.Value
		if seeded {
			newState, err = c.Reduce(prevAnchor, b)
		} else {
			newState, err = c.GetInitialState(b)
		}
		if err != nil {
			batch.Abort()
			return err
		}

		if err := batch.Put(0, b.Hash, c.Name()+stateKeySuffix, newState); err != nil {
			batch.Abort()
			return err
		}

		if haveParent {
			prevEmitted, ok, err := batch.Get(parent.Hash, c.Name()+prevEmittedKeySuffix, 0)
			if err != nil {
				batch.Abort()
				return err
			}
			if ok {
				if err := batch.Put(0, b.Hash, c.Name()+prevEmittedKeySuffix, prevEmitted); err != nil {
					batch.Abort()
					return err
				}
			}
		}
	}

	return batch.Commit()
}

func (f *Framework) loadPrevAnchor(batch *blockstore.Batch, c Component, parent chain.Block, haveParent bool) (blockstore.Value, bool, error) {
	if haveParent {
		v, ok, err := batch.Get(parent.Hash, c.Name()+stateKeySuffix, 0)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return v, true, nil
		}
		state, err := c.GetInitialState(parent)
		if err != nil {
			return nil, false, err
		}
		return state, true, nil
	}
	return nil, false, nil
}

// onNewHead implements §4.4's "On the block processor's new head"
// algorithm.
func (f *Framework) onNewHead(ctx context.Context, h chain.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	batch, err := f.store.Begin(batchTimeoutDefault)
	if err != nil {
		return err
	}

	type toApply struct {
		c Component
	}
	var pending []toApply

	for _, c := range f.components {
		state, ok, err := batch.Get(h.Hash, c.Name()+stateKeySuffix, 0)
		if err != nil {
			batch.Abort()
			return err
		}
		if !ok {
			batch.Abort()
			return ErrMissingState.New(c.Name(), nil)
		}

		prevEmitted, hadPrevEmitted, err := batch.Get(h.Hash, c.Name()+prevEmittedKeySuffix, 0)
		if err != nil {
			batch.Abort()
			return err
		}

		if err := batch.Put(0, h.Hash, c.Name()+prevEmittedKeySuffix, state); err != nil {
			batch.Abort()
			return err
		}

		if hadPrevEmitted {
			actions, err := c.DetectChanges(prevEmitted, state, h)
			if err != nil {
				batch.Abort()
				return err
			}
			if len(actions) > 0 {
				if _, err := f.actions.StoreActions(c.Name(), actions); err != nil {
					batch.Abort()
					return err
				}
			}
		}

		pending = append(pending, toApply{c: c})
	}

	if err := batch.Commit(); err != nil {
		return err
	}

	// Applying outstanding actions is a side effect against the outside
	// world (the multi-responder, the appointment store); it happens
	// after the batch computing/recording this head's state has
	// committed, and is not itself part of that batch.
	for _, p := range pending {
		f.applyOutstanding(ctx, p.c)
	}
	return nil
}

// maxConcurrentApply bounds how many ApplyAction calls for one component
// run at once, so a backlog of retried actions can't spawn an unbounded
// goroutine burst.
const maxConcurrentApply = 8

func (f *Framework) applyOutstanding(ctx context.Context, c Component) {
	var g errgroup.Group
	g.SetLimit(maxConcurrentApply)
	for _, entry := range f.actions.GetActions(c.Name()) {
		entry := entry
		g.Go(func() error {
			if err := c.ApplyAction(ctx, entry.Action); err != nil {
				logger.Warnf("reducer: %s: applyAction failed, will retry: %v", c.Name(), err)
				return nil
			}
			if err := f.actions.RemoveAction(c.Name(), entry.ID); err != nil {
				logger.Errorf("reducer: %s: failed to remove completed action: %v", c.Name(), err)
			}
			return nil
		})
	}
}
