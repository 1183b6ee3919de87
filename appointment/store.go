package appointment

import (
	"sync"
	"time"

	"github.com/PISAresearch/pisa-sub003/blockstore"
	"github.com/PISAresearch/pisa-sub003/chain"
	"github.com/PISAresearch/pisa-sub003/internal/errs"
	"github.com/PISAresearch/pisa-sub003/internal/log"
)

var logger = log.Disabled

// UseLogger wires this package's logger.
func UseLogger(l log.Logger) { logger = l }

// Err namespaces appointment-store failures.
var Err = errs.NewErrorType("appointment")

// ErrStaleNonce signals a replacement attempt whose nonce does not
// strictly exceed the stored appointment's (§3 "mutated only by
// replacement ... strictly greater nonce").
var ErrStaleNonce = Err.CodeWithDetail("ErrStaleNonce", "replacement nonce not greater than stored appointment")

var zeroHash chain.Hash

func primaryKey(customer chain.Address, id ID) string {
	return "by-customer:" + string(customer[:]) + ":" + string(id[:])
}

func indexKey(id ID) string {
	return "by-id:" + string(id[:])
}

// Store is the durable appointment map + id index of §4.8.
type Store struct {
	bstore  *blockstore.Store
	timeout time.Duration

	mu        sync.Mutex
	byCustKey map[string]Appointment // primaryKey -> appointment
	byID      map[ID]Appointment
}

// Open loads the current set of appointments from bstore's committed
// state.
func Open(bstore *blockstore.Store, timeout time.Duration) (*Store, error) {
	s := &Store{
		bstore:    bstore,
		timeout:   timeout,
		byCustKey: make(map[string]Appointment),
		byID:      make(map[ID]Appointment),
	}
	for _, k := range bstore.EnumerateHeightCommitted(0) {
		v, ok, err := bstore.GetCommitted(zeroHash, k, 0)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		a, ok := v.(Appointment)
		if !ok {
			logger.Warnf("appointment store: skipping non-appointment value at key %q", k)
			continue
		}
		s.index(a)
	}
	return s, nil
}

func (s *Store) index(a Appointment) {
	s.byCustKey[primaryKey(a.CustomerAddress, a.ID)] = a
	s.byID[a.ID] = a
}

func (s *Store) unindex(a Appointment) {
	delete(s.byCustKey, primaryKey(a.CustomerAddress, a.ID))
	delete(s.byID, a.ID)
}

// Accept stores a, replacing any prior appointment for (CustomerAddress,
// ID) only if a.Nonce is strictly greater (§4.8). Replacement is an
// atomic delete-and-put within one batch.
func (s *Store) Accept(a Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := primaryKey(a.CustomerAddress, a.ID)
	if prior, ok := s.byCustKey[key]; ok && a.Nonce <= prior.Nonce {
		return ErrStaleNonce.Default()
	}

	b, err := s.bstore.Begin(s.timeout)
	if err != nil {
		return err
	}
	encoded := toTagged(a)
	if err := b.Put(0, zeroHash, key, encoded); err != nil {
		b.Abort()
		return err
	}
	if err := b.Put(0, zeroHash, indexKey(a.ID), encoded); err != nil {
		b.Abort()
		return err
	}
	if err := b.Commit(); err != nil {
		return err
	}

	s.index(a)
	return nil
}

// Remove deletes the appointment identified by id, if any (§4.5
// "applyAction(RemoveAppointment) deletes from the appointment store").
func (s *Store) Remove(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return nil
	}

	b, err := s.bstore.Begin(s.timeout)
	if err != nil {
		return err
	}
	if err := b.Delete(0, zeroHash, primaryKey(a.CustomerAddress, a.ID)); err != nil {
		b.Abort()
		return err
	}
	if err := b.Delete(0, zeroHash, indexKey(a.ID)); err != nil {
		b.Abort()
		return err
	}
	if err := b.Commit(); err != nil {
		return err
	}

	s.unindex(a)
	return nil
}

// Get returns the appointment identified by id.
func (s *Store) Get(id ID) (Appointment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	return a, ok
}

// ByCustomer returns every appointment currently held for customer.
func (s *Store) ByCustomer(customer chain.Address) []Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Appointment, 0)
	for _, a := range s.byCustKey {
		if a.CustomerAddress == customer {
			out = append(out, a)
		}
	}
	return out
}

// All returns every appointment currently held, for the watcher's anchor
// state computation.
func (s *Store) All() []Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Appointment, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, a)
	}
	return out
}
