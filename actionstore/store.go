// Package actionstore implements the action store (§4.7): a durable set
// of pending side-effects (unordered: entries are not kept or returned in
// insertion order), one set per reducer-framework component
// name, each entry keyed by a freshly minted UUID. It is grounded on
// lnd/watchtower/wtdb's persisted-task tables, which the same way keep an
// in-memory view backed by a durable store and reconcile it at startup.
package actionstore

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PISAresearch/pisa-sub003/blockstore"
	"github.com/PISAresearch/pisa-sub003/chain"
	"github.com/PISAresearch/pisa-sub003/internal/errs"
	"github.com/PISAresearch/pisa-sub003/internal/log"
)

var logger = log.Disabled

// UseLogger wires this package's logger.
func UseLogger(l log.Logger) { logger = l }

// Err namespaces action-store failures.
var Err = errs.NewErrorType("actionstore")

// zeroHash is the placeholder block-hash component of every action-store
// key: actions are not indexed by block, only by component name, so they
// live at height 0 under the zero hash within their own store namespace
// (§6 "Persisted layout": action-store/).
var zeroHash chain.Hash

// Entry pairs a persisted action with the UUID it was assigned on storage.
type Entry struct {
	ID     uuid.UUID
	Action blockstore.Value
}

// Store is the durable, per-component action set. It keeps no insertion
// order; see GetActions.
type Store struct {
	bstore  *blockstore.Store
	timeout time.Duration

	mu          sync.Mutex
	byComponent map[string]map[uuid.UUID]blockstore.Value
}

func itemKey(name string, id uuid.UUID) string {
	return name + ":" + id.String()
}

func splitItemKey(k string) (name string, id uuid.UUID, ok bool) {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == ':' {
			parsed, err := uuid.Parse(k[i+1:])
			if err != nil {
				return "", uuid.UUID{}, false
			}
			return k[:i], parsed, true
		}
	}
	return "", uuid.UUID{}, false
}

// Open loads the current in-memory view from bstore's committed state.
func Open(bstore *blockstore.Store, timeout time.Duration) (*Store, error) {
	s := &Store{
		bstore:      bstore,
		timeout:     timeout,
		byComponent: make(map[string]map[uuid.UUID]blockstore.Value),
	}
	for _, k := range bstore.EnumerateHeightCommitted(0) {
		name, id, ok := splitItemKey(k)
		if !ok {
			logger.Warnf("actionstore: skipping malformed key %q", k)
			continue
		}
		v, found, err := bstore.GetCommitted(zeroHash, k, 0)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		set, ok := s.byComponent[name]
		if !ok {
			set = make(map[uuid.UUID]blockstore.Value)
			s.byComponent[name] = set
		}
		set[id] = v
	}
	return s, nil
}

// StoreActions persists each action under a freshly minted UUID and
// returns the assigned (id, action) pairs in the order given (§4.7
// "storeActions").
func (s *Store) StoreActions(name string, actions []blockstore.Value) ([]Entry, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.bstore.Begin(s.timeout)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(actions))
	for _, a := range actions {
		id := uuid.New()
		if err := b.Put(0, zeroHash, itemKey(name, id), a); err != nil {
			b.Abort()
			return nil, err
		}
		entries = append(entries, Entry{ID: id, Action: a})
	}
	if err := b.Commit(); err != nil {
		return nil, err
	}

	set, ok := s.byComponent[name]
	if !ok {
		set = make(map[uuid.UUID]blockstore.Value)
		s.byComponent[name] = set
	}
	for _, e := range entries {
		set[e.ID] = e.Action
	}
	return entries, nil
}

// GetActions returns the current in-memory set of outstanding actions for
// name, in no particular order (§4.7 "getActions").
func (s *Store) GetActions(name string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.byComponent[name]
	out := make([]Entry, 0, len(set))
	for id, a := range set {
		out = append(out, Entry{ID: id, Action: a})
	}
	return out
}

// RemoveAction deletes the persisted entry and its in-memory counterpart
// (§4.7 "removeAction"). Removing an already-absent entry is a no-op, so
// that a retried applyAction success doesn't fail on its second call.
func (s *Store) RemoveAction(name string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.byComponent[name]; ok {
		if _, present := set[id]; !present {
			return nil
		}
	} else {
		return nil
	}

	b, err := s.bstore.Begin(s.timeout)
	if err != nil {
		return err
	}
	if err := b.Delete(0, zeroHash, itemKey(name, id)); err != nil {
		b.Abort()
		return err
	}
	if err := b.Commit(); err != nil {
		return err
	}

	delete(s.byComponent[name], id)
	return nil
}
