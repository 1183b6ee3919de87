// Package blockstore implements the block-item store (§4.1): a
// transactional, height-indexed key-value layer over bbolt, the same
// embedded-KV engine the teacher's lnd/channeldb/kvdb and
// pktwallet/walletdb/bdb wrap. Keys are namespaced the way pktd's wtdb
// buckets are: one top-level bucket per caller-chosen namespace (so the
// block-item store, action store, and appointment store can share one
// bbolt file per §6 "Persisted layout"), with item keys inside composed as
// {height}:{blockHash}:{itemKey} exactly as §4.1 specifies.
package blockstore

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/PISAresearch/pisa-sub003/chain"
	"github.com/PISAresearch/pisa-sub003/internal/errs"
	"github.com/PISAresearch/pisa-sub003/internal/log"
)

var logger = log.Disabled

// UseLogger wires this package's logger, following the teacher's
// per-package UseLogger convention (e.g. lnd/channeldb's log.go).
func UseLogger(l log.Logger) { logger = l }

// ErrBatchTimeout signals that a caller waited longer than its supplied
// bound for the store's single open-batch slot (§5 "Timeouts").
var ErrBatchTimeout = Err.CodeWithDetail("ErrBatchTimeout", "timed out waiting to open a batch")

// ErrBatchAlreadyOpen names the "a batch is already open" condition. No
// function in this package returns it: Begin waits for the open-batch
// slot and fails with ErrBatchTimeout instead.
var ErrBatchAlreadyOpen = Err.CodeWithDetail("ErrBatchAlreadyOpen", "a batch is already open on this store")

// ErrPutOutsideBatch signals a Put/Delete attempted without an open batch
// (§4.1 "All puts performed outside a batch fail").
var ErrPutOutsideBatch = Err.CodeWithDetail("ErrPutOutsideBatch", "put attempted outside an open batch")

// itemRef identifies one (blockHash, itemKey) pair, used by the in-memory
// per-height index.
type itemRef struct {
	hash    chain.Hash
	itemKey string
}

// Store is one bbolt-backed namespace of the block-item store. Each
// namespace (block-item-store, action-store, appointment-store,
// block-processor — §6 — plus the reducer's anchor-state and the
// responder's pending-transaction namespaces) gets its own top-level bucket but shares the
// underlying *bbolt.DB file and its single-writer discipline.
type Store struct {
	db     *bbolt.DB
	bucket []byte
	reg    *Registry

	// ticket serializes batch opening into a fair (FIFO) queue: Go
	// channel sends/receives are serviced in the order goroutines
	// blocked on them, which is the "fair queue" §4.1 asks for.
	ticket chan struct{}

	mu        sync.Mutex // guards the in-memory index below
	index     map[uint64]map[itemRef]struct{}
	openBatch *Batch
}

// Open creates or opens a Store namespace backed by db, ensuring its
// top-level bucket exists.
func Open(db *bbolt.DB, namespace string, reg *Registry) (*Store, error) {
	bucket := []byte(namespace)
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, errs.E(err)
	}
	s := &Store{
		db:     db,
		bucket: bucket,
		reg:    reg,
		ticket: make(chan struct{}, 1),
		index:  make(map[uint64]map[itemRef]struct{}),
	}
	s.ticket <- struct{}{}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			height, hash, itemKey, ok := splitKey(k)
			if !ok {
				return nil
			}
			s.indexAdd(height, hash, itemKey)
			return nil
		})
	})
}

func (s *Store) indexAdd(height uint64, hash chain.Hash, itemKey string) {
	set, ok := s.index[height]
	if !ok {
		set = make(map[itemRef]struct{})
		s.index[height] = set
	}
	set[itemRef{hash: hash, itemKey: itemKey}] = struct{}{}
}

func makeKey(height uint64, hash chain.Hash, itemKey string) []byte {
	key := make([]byte, 8+len(hash)+len(itemKey))
	binary.BigEndian.PutUint64(key[:8], height)
	copy(key[8:8+len(hash)], hash[:])
	copy(key[8+len(hash):], itemKey)
	return key
}

func splitKey(k []byte) (height uint64, hash chain.Hash, itemKey string, ok bool) {
	if len(k) < 8+len(chain.Hash{}) {
		return 0, chain.Hash{}, "", false
	}
	height = binary.BigEndian.Uint64(k[:8])
	copy(hash[:], k[8:8+len(chain.Hash{})])
	itemKey = string(k[8+len(chain.Hash{}):])
	return height, hash, itemKey, true
}

// Begin opens a batch, waiting up to timeout for any in-flight batch (on
// this Store) to commit or abort. Only one batch may be open per Store at
// a time (§4.1, §5).
func (s *Store) Begin(timeout time.Duration) (*Batch, error) {
	select {
	case <-s.ticket:
	case <-time.After(timeout):
		return nil, ErrBatchTimeout.Default()
	}
	tx, err := s.db.Begin(true)
	if err != nil {
		s.ticket <- struct{}{}
		return nil, errs.E(err)
	}
	b := &Batch{
		store:   s,
		tx:      tx,
		bucket:  tx.Bucket(s.bucket),
		staging: make(map[uint64]map[itemRef]struct{}),
		deleted: make(map[uint64]bool),
	}
	s.mu.Lock()
	s.openBatch = b
	s.mu.Unlock()
	return b, nil
}

// Batch is one open read/write transaction against a Store's bucket.
type Batch struct {
	store   *Store
	tx      *bbolt.Tx
	bucket  *bbolt.Bucket
	done    bool
	staging map[uint64]map[itemRef]struct{} // pending index additions
	removed map[uint64]map[itemRef]struct{} // pending single-item index removals
	deleted map[uint64]bool                 // heights fully deleted this batch
}

// Put writes value under (height, hash, itemKey). Fails if the batch has
// already been committed or aborted.
func (b *Batch) Put(height uint64, hash chain.Hash, itemKey string, value Value) error {
	if b.done {
		return ErrPutOutsideBatch.Default()
	}
	encoded, err := Encode(value)
	if err != nil {
		return errs.E(err)
	}
	if err := b.bucket.Put(makeKey(height, hash, itemKey), encoded); err != nil {
		return errs.E(err)
	}
	set, ok := b.staging[height]
	if !ok {
		set = make(map[itemRef]struct{})
		b.staging[height] = set
	}
	set[itemRef{hash: hash, itemKey: itemKey}] = struct{}{}
	return nil
}

// Delete removes a single (hash, itemKey) item at height, used by the
// action store to retire a completed action (§4.7 "removeAction").
func (b *Batch) Delete(height uint64, hash chain.Hash, itemKey string) error {
	if b.done {
		return ErrPutOutsideBatch.Default()
	}
	if err := b.bucket.Delete(makeKey(height, hash, itemKey)); err != nil {
		return errs.E(err)
	}
	ref := itemRef{hash: hash, itemKey: itemKey}
	if set, ok := b.staging[height]; ok {
		delete(set, ref)
	}
	if b.removed == nil {
		b.removed = make(map[uint64]map[itemRef]struct{})
	}
	set, ok := b.removed[height]
	if !ok {
		set = make(map[itemRef]struct{})
		b.removed[height] = set
	}
	set[ref] = struct{}{}
	return nil
}

// DeleteHeight deletes every item stored at exactly height (§4.1 "delete
// all items at a height"), used by cache pruning (§4.2).
func (b *Batch) DeleteHeight(height uint64) error {
	if b.done {
		return ErrPutOutsideBatch.Default()
	}
	c := b.bucket.Cursor()
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, height)
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		if err := b.bucket.Delete(k); err != nil {
			return errs.E(err)
		}
	}
	b.deleted[height] = true
	delete(b.staging, height)
	return nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Get reads one item by (hash, itemKey), scanning within the open batch's
// transaction snapshot. An absent key returns (nil, false, nil) — §7
// "read of missing key returns an explicit absent value".
func (b *Batch) Get(hash chain.Hash, itemKey string, height uint64) (Value, bool, error) {
	raw := b.bucket.Get(makeKey(height, hash, itemKey))
	if raw == nil {
		return nil, false, nil
	}
	v, err := Decode(raw, b.store.reg)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// EnumerateHeight returns every (hash, itemKey) stored at height, per the
// in-memory index so no bucket scan is needed for the committed portion;
// any items staged in this batch but not yet committed are included too.
func (b *Batch) EnumerateHeight(height uint64) []string {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	seen := make(map[itemRef]struct{})
	if !b.deleted[height] {
		for ref := range b.store.index[height] {
			if _, gone := b.removed[height][ref]; gone {
				continue
			}
			seen[ref] = struct{}{}
		}
	}
	for ref := range b.staging[height] {
		seen[ref] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for ref := range seen {
		keys = append(keys, ref.itemKey)
	}
	return keys
}

// Commit makes every write in this batch atomically visible to readers.
func (b *Batch) Commit() error {
	if b.done {
		return ErrPutOutsideBatch.Default()
	}
	b.done = true
	if err := b.tx.Commit(); err != nil {
		b.release()
		return errs.E(err)
	}
	b.store.mu.Lock()
	for height := range b.deleted {
		delete(b.store.index, height)
	}
	for height, refs := range b.removed {
		set, ok := b.store.index[height]
		if !ok {
			continue
		}
		for ref := range refs {
			delete(set, ref)
		}
		if len(set) == 0 {
			delete(b.store.index, height)
		}
	}
	for height, refs := range b.staging {
		set, ok := b.store.index[height]
		if !ok {
			set = make(map[itemRef]struct{})
			b.store.index[height] = set
		}
		for ref := range refs {
			set[ref] = struct{}{}
		}
	}
	b.store.mu.Unlock()
	b.release()
	return nil
}

// Abort discards every write in this batch; none become visible.
func (b *Batch) Abort() error {
	if b.done {
		return nil
	}
	b.done = true
	err := b.tx.Rollback()
	b.release()
	if err != nil {
		return errs.E(err)
	}
	return nil
}

func (b *Batch) release() {
	b.store.mu.Lock()
	if b.store.openBatch == b {
		b.store.openBatch = nil
	}
	b.store.mu.Unlock()
	b.store.ticket <- struct{}{}
}

// GetCommitted reads an item outside of any batch, against the store's
// last-committed state — used by readers (e.g. the reducer framework
// loading §4.4's "<name>:state") that don't need to mutate.
func (s *Store) GetCommitted(hash chain.Hash, itemKey string, height uint64) (Value, bool, error) {
	var (
		v   Value
		ok  bool
		err error
	)
	verr := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		raw := b.Get(makeKey(height, hash, itemKey))
		if raw == nil {
			return nil
		}
		ok = true
		v, err = Decode(raw, s.reg)
		return err
	})
	if verr != nil {
		return nil, false, errs.E(verr)
	}
	return v, ok, err
}

// EnumerateHeightCommitted returns every itemKey stored at height as of the
// last commit, without requiring an open batch — used by components that
// need a read-only startup scan (e.g. the action store reloading its
// in-memory set).
func (s *Store) EnumerateHeightCommitted(height uint64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.index[height]))
	for ref := range s.index[height] {
		keys = append(keys, ref.itemKey)
	}
	return keys
}

// MinHeight reports the lowest height currently represented in this
// Store's namespace, or (0, false) if it's empty.
func (s *Store) MinHeight() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.index) == 0 {
		return 0, false
	}
	min := ^uint64(0)
	for h := range s.index {
		if h < min {
			min = h
		}
	}
	return min, true
}

func (s *Store) String() string {
	return fmt.Sprintf("blockstore.Store{bucket=%q}", s.bucket)
}
