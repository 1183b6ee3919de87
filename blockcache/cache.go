// Package blockcache implements the in-memory chain of recently-seen
// blocks and the detached/attached discipline of §4.2, grounded on pktd's
// blockchain package (its block index tracks exactly this kind of
// attached-vs-orphan bookkeeping across reorgs) and on
// lnd/chainntnfs/height_hint_cache.go's height-keyed persistence idiom.
package blockcache

import (
	"sync"
	"time"

	"github.com/PISAresearch/pisa-sub003/blockstore"
	"github.com/PISAresearch/pisa-sub003/chain"
	"github.com/PISAresearch/pisa-sub003/internal/errs"
	"github.com/PISAresearch/pisa-sub003/internal/log"
)

// itemBlock and itemAttached are the block-item store keys persisted per
// cached block (§4.1/§4.2: "persist block and attached=true in one batch").
const (
	itemBlock    = "block"
	itemAttached = "attached"

	// defaultBatchTimeout bounds how long AddBlock waits to open its
	// persistence batch (§5 "Timeouts... e.g. 1 second").
	defaultBatchTimeout = time.Second
)

var logger = log.Disabled

// UseLogger wires this package's logger.
func UseLogger(l log.Logger) { logger = l }

// Err namespaces block-cache failures.
var Err = errs.NewErrorType("blockcache")

// ErrHeadNotSet is the programming error §4.2 calls out: "reading head
// before it is set is a programming error."
var ErrHeadNotSet = Err.CodeWithDetail("ErrHeadNotSet", "head read before setHead was ever called")

// ErrUnknownHead signals setHead named a hash the cache doesn't hold.
var ErrUnknownHead = Err.CodeWithDetail("ErrUnknownHead", "setHead: hash not present in cache")

// AddResult is the outcome of AddBlock (§4.2).
type AddResult int

const (
	Added AddResult = iota
	AddedDetached
	NotAddedAlreadyExisted
	NotAddedAlreadyExistedDetached
	NotAddedBlockNumberTooLow
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "Added"
	case AddedDetached:
		return "AddedDetached"
	case NotAddedAlreadyExisted:
		return "NotAddedAlreadyExisted"
	case NotAddedAlreadyExistedDetached:
		return "NotAddedAlreadyExistedDetached"
	case NotAddedBlockNumberTooLow:
		return "NotAddedBlockNumberTooLow"
	default:
		return "Unknown"
	}
}

// entry is one cached block plus its attached/detached bit.
type entry struct {
	block    chain.Block
	attached bool
}

// NewBlockListener is invoked, in subscription order, each time a block
// transitions to attached (§4.2 event "new block").
type NewBlockListener func(b chain.Block)

// Cache is the detached/attached block cache of §4.2. All mutating
// methods are serialized by one mutex (§5 "One mutex per block cache").
type Cache struct {
	maxDepthV uint64

	mu          sync.Mutex
	byHash      map[chain.Hash]*entry
	byHeight    map[uint64]map[chain.Hash]*entry
	minHeightV  uint64
	maxHeightV  uint64
	pruneHeight uint64
	empty       bool
	headHash    chain.Hash
	headSet     bool

	listenersMu sync.Mutex
	listeners   []NewBlockListener

	store        *blockstore.Store
	batchTimeout time.Duration
}

// New creates an empty, purely in-memory Cache retaining at most maxDepth
// blocks below its observed maximum attached height (§3 "Cache
// invariants"). Use NewPersistent to back it with a block-item store.
func New(maxDepth uint64) *Cache {
	return &Cache{
		maxDepthV: maxDepth,
		byHash:    make(map[chain.Hash]*entry),
		byHeight:  make(map[uint64]map[chain.Hash]*entry),
		empty:     true,
	}
}

// NewPersistent creates a Cache whose block/attached bookkeeping is
// durably mirrored into store (§4.1) so that a crash mid-reorg resumes
// from a well-defined state.
func NewPersistent(maxDepth uint64, store *blockstore.Store) *Cache {
	c := New(maxDepth)
	c.store = store
	c.batchTimeout = defaultBatchTimeout
	return c
}

// MaxDepth returns the configured retention depth.
func (c *Cache) MaxDepth() uint64 { return c.maxDepthV }

// OnNewBlock subscribes to the "new block" event. Listeners are invoked
// synchronously, in registration order, from within AddBlock.
func (c *Cache) OnNewBlock(l NewBlockListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Cache) emitNewBlock(b chain.Block) {
	c.listenersMu.Lock()
	ls := append([]NewBlockListener(nil), c.listeners...)
	c.listenersMu.Unlock()
	for _, l := range ls {
		l(b)
	}
}

// MinHeight is the lowest height the cache currently retains.
func (c *Cache) MinHeight() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minHeightV
}

// MaxHeight is the highest attached height ever observed.
func (c *Cache) MaxHeight() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxHeightV
}

// SetHead records hash as the cache's current tip. hash must already be
// present (attached) in the cache.
func (c *Cache) SetHead(hash chain.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byHash[hash]
	if !ok || !e.attached {
		return ErrUnknownHead.Default()
	}
	c.headHash = hash
	c.headSet = true
	return nil
}

// Head returns the current tip block. Calling this before SetHead has
// ever succeeded is a programming error (§4.2).
func (c *Cache) Head() chain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.headSet {
		panic(ErrHeadNotSet.Default())
	}
	return c.byHash[c.headHash].block
}

// GetBlock returns an attached block by hash.
func (c *Cache) GetBlock(hash chain.Hash) (chain.Block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byHash[hash]
	if !ok || !e.attached {
		return chain.Block{}, false
	}
	return e.block, true
}

// HasBlock reports whether hash is cached, optionally including detached
// (orphaned) blocks.
func (c *Cache) HasBlock(hash chain.Hash, includeDetached bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byHash[hash]
	if !ok {
		return false
	}
	return e.attached || includeDetached
}

// GetBlocksAtHeight returns every attached block cached at height (there
// can be more than one briefly, across a reorg boundary).
func (c *Cache) GetBlocksAtHeight(height uint64) []chain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []chain.Block
	for _, e := range c.byHeight[height] {
		if e.attached {
			out = append(out, e.block)
		}
	}
	return out
}

// Ancestry returns a lazy sequence starting at hash and following parent
// links, stopping when a parent is not cached (§4.2).
func (c *Cache) Ancestry(hash chain.Hash) func() (chain.Block, bool) {
	next := hash
	started := false
	return func() (chain.Block, bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !started {
			started = true
		}
		e, ok := c.byHash[next]
		if !ok {
			return chain.Block{}, false
		}
		next = e.block.ParentHash
		return e.block, true
	}
}

// FindAncestor walks hash's ancestry, stopping at the first block
// satisfying predicate, never looking below minHeight. Returns false if
// no such ancestor is found before the chain runs out or minHeight is
// passed.
func (c *Cache) FindAncestor(hash chain.Hash, minHeight uint64, predicate func(chain.Block) bool) (chain.Block, bool) {
	it := c.Ancestry(hash)
	for {
		b, ok := it()
		if !ok {
			return chain.Block{}, false
		}
		if predicate(b) {
			return b, true
		}
		if b.Height <= minHeight {
			return chain.Block{}, false
		}
	}
}

// AddBlock implements the §4.2 algorithm. A non-nil error indicates the
// persistence batch failed (§7 "Store: write failure is fatal") — callers
// should treat it the way the block processor treats any unrecognized
// error: stop the service, don't retry silently.
func (c *Cache) AddBlock(b chain.Block) (AddResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.byHash[b.Hash]; ok {
		if e.attached {
			return NotAddedAlreadyExisted, nil
		}
		return NotAddedAlreadyExistedDetached, nil
	}
	if !c.empty && b.Height < c.minHeightV {
		return NotAddedBlockNumberTooLow, nil
	}

	var batch *blockstore.Batch
	if c.store != nil {
		var err error
		batch, err = c.store.Begin(c.batchTimeout)
		if err != nil {
			return 0, err
		}
	}
	commit := func() error {
		if batch == nil {
			return nil
		}
		return batch.Commit()
	}
	abort := func() {
		if batch != nil {
			batch.Abort()
		}
	}

	if c.empty {
		c.pruneHeight = b.Height
		c.minHeightV = b.Height
		c.empty = false
	}

	attachable := c.isAttachable(b)
	e := &entry{block: b, attached: attachable}
	c.insert(e)

	if err := c.persistBlock(batch, e); err != nil {
		abort()
		return 0, err
	}

	if !attachable {
		if err := commit(); err != nil {
			return 0, err
		}
		return AddedDetached, nil
	}

	toEmit, err := c.promote(batch, b)
	if err != nil {
		abort()
		return 0, err
	}
	if err := commit(); err != nil {
		return 0, err
	}
	for _, eb := range toEmit {
		c.emitNewBlockLocked(eb)
	}
	return Added, nil
}

func (c *Cache) persistBlock(batch *blockstore.Batch, e *entry) error {
	if batch == nil {
		return nil
	}
	if err := batch.Put(e.block.Height, e.block.Hash, itemBlock, encodeBlock(e.block)); err != nil {
		return err
	}
	return batch.Put(e.block.Height, e.block.Hash, itemAttached, e.attached)
}

func (c *Cache) isAttachable(b chain.Block) bool {
	if len(c.byHash) == 0 {
		return true
	}
	if b.Height == c.minHeightV {
		return true
	}
	if parent, ok := c.byHash[b.ParentHash]; ok && parent.attached {
		return true
	}
	return false
}

func (c *Cache) insert(e *entry) {
	c.byHash[e.block.Hash] = e
	set, ok := c.byHeight[e.block.Height]
	if !ok {
		set = make(map[chain.Hash]*entry)
		c.byHeight[e.block.Height] = set
	}
	set[e.block.Hash] = e
}

// promote marks b (already inserted attached) visible, then walks forward
// promoting any detached children whose parent just became attached,
// repeating until no more promotions occur (§4.2 step 5). It returns the
// blocks that became attached, in the order "new block" should fire for
// them, and persists the attached flips and any resulting pruning into
// batch (nil if the cache is purely in-memory).
func (c *Cache) promote(batch *blockstore.Batch, b chain.Block) ([]chain.Block, error) {
	toEmit := []chain.Block{b}

	if b.Height > c.maxHeightV {
		c.maxHeightV = b.Height
		if err := c.pruneBelowLocked(batch, newMinHeight(c.maxHeightV, c.maxDepthV, c.pruneHeight)); err != nil {
			return nil, err
		}
	}

	for {
		promotedAny := false
		for height, set := range c.byHeight {
			if height <= c.minHeightV {
				continue
			}
			for _, e := range set {
				if e.attached {
					continue
				}
				parent, ok := c.byHash[e.block.ParentHash]
				if !ok || !parent.attached {
					continue
				}
				e.attached = true
				promotedAny = true
				toEmit = append(toEmit, e.block)
				if batch != nil {
					if err := batch.Put(e.block.Height, e.block.Hash, itemAttached, true); err != nil {
						return nil, err
					}
				}
				if e.block.Height > c.maxHeightV {
					c.maxHeightV = e.block.Height
					if err := c.pruneBelowLocked(batch, newMinHeight(c.maxHeightV, c.maxDepthV, c.pruneHeight)); err != nil {
						return nil, err
					}
				}
			}
		}
		if !promotedAny {
			return toEmit, nil
		}
	}
}

func newMinHeight(maxHeight, maxDepth, pruneHeight uint64) uint64 {
	floor := pruneHeight
	if maxHeight > maxDepth && maxHeight-maxDepth > floor {
		floor = maxHeight - maxDepth
	}
	return floor
}

// emitNewBlockLocked releases the lock for the duration of listener
// callbacks so a listener (e.g. the reducer framework, which itself opens
// a store batch) never has to worry about re-entering the cache's own
// mutex; callers must re-acquire afterward if they continue mutating.
func (c *Cache) emitNewBlockLocked(b chain.Block) {
	c.mu.Unlock()
	c.emitNewBlock(b)
	c.mu.Lock()
}

// pruneBelowLocked deletes every height strictly below newMin, both from
// the in-memory index and, if batch is non-nil, from the block-item store
// (§4.2 "Pruning deletes every item at every height strictly less than
// minHeight").
func (c *Cache) pruneBelowLocked(batch *blockstore.Batch, newMin uint64) error {
	if newMin <= c.minHeightV {
		return nil
	}
	for h := c.minHeightV; h < newMin; h++ {
		for hash := range c.byHeight[h] {
			delete(c.byHash, hash)
		}
		delete(c.byHeight, h)
		if batch != nil {
			if err := batch.DeleteHeight(h); err != nil {
				return err
			}
		}
	}
	c.minHeightV = newMin
	return nil
}

// encodeBlock turns a chain.Block into a blockstore.Tagged record.
func encodeBlock(b chain.Block) blockstore.Tagged {
	logs := make(blockstore.List, 0, len(b.Logs))
	for _, l := range b.Logs {
		topics := make(blockstore.List, 0, len(l.Topics))
		for _, t := range l.Topics {
			topics = append(topics, t.Bytes())
		}
		logs = append(logs, blockstore.Mapping{
			"address": l.Address.Bytes(),
			"topics":  topics,
		})
	}
	txs := make(blockstore.List, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		txs = append(txs, blockstore.Mapping{
			"hash":     tx.Hash.Bytes(),
			"nonce":    tx.Nonce,
			"from":     tx.From.Bytes(),
			"to":       tx.To.Bytes(),
			"chainId":  tx.ChainID,
			"data":     tx.Data,
			"value":    tx.Value,
			"gasLimit": tx.GasLimit,
			"gasPrice": tx.GasPrice,
		})
	}
	return blockstore.Tagged{
		Tag: "block",
		Fields: blockstore.Mapping{
			"hash":   b.Hash.Bytes(),
			"height": b.Height,
			"parent": b.ParentHash.Bytes(),
			"logs":   logs,
			"txs":    txs,
		},
	}
}
