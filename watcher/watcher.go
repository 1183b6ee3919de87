// Package watcher implements the watcher component (§4.5): the reducer
// that tracks, per appointment, whether its trigger condition has been
// observed, and emits StartResponse/RemoveAppointment actions as
// confirmation thresholds are crossed. It is grounded on
// lnd/watchtower/lookout, whose breach-hint reducer does the same
// "per-state-item, per-block, has-the-trigger-fired-yet" bookkeeping for
// the teacher's own watchtower, generalized here from a single breach
// condition to an arbitrary per-appointment log filter.
package watcher

import (
	"context"

	"github.com/PISAresearch/pisa-sub003/appointment"
	"github.com/PISAresearch/pisa-sub003/blockcache"
	"github.com/PISAresearch/pisa-sub003/blockstore"
	"github.com/PISAresearch/pisa-sub003/chain"
	"github.com/PISAresearch/pisa-sub003/internal/errs"
	"github.com/PISAresearch/pisa-sub003/internal/log"
)

var logger = log.Disabled

// UseLogger wires this package's logger.
func UseLogger(l log.Logger) { logger = l }

// Err namespaces watcher failures.
var Err = errs.NewErrorType("watcher")

// ComponentName identifies this reducer-framework component.
const ComponentName = "watcher"

const (
	statusWatching = "WATCHING"
	statusObserved = "OBSERVED"

	// blockHeightKey stamps the height of the block a state Mapping was
	// computed for, so that when it later surfaces as a head's
	// prevEmittedState, DetectChanges can recover what "currentHead" was
	// at the time it was emitted (§4.5's crossing checks compare the
	// confirmation count at the previous emission to the count now).
	blockHeightKey = "_blockHeight"
)

// Responder is the seam the watcher dispatches a triggered appointment
// through; the multi-responder implements it.
type Responder interface {
	StartResponse(ctx context.Context, a appointment.Appointment, blockObserved uint64) error
}

// Config carries the confirmation thresholds of §4.5.
type Config struct {
	ConfirmationsBeforeResponse uint64
	ConfirmationsBeforeRemoval  uint64
}

// Component is the watcher's reducer-framework registrant.
type Component struct {
	cfg          Config
	appointments *appointment.Store
	responder    Responder
	cache        *blockcache.Cache
}

// New creates the watcher component. cache supplies ancestry lookups for
// getInitialState; it is the same cache the reducer framework is
// attached to.
func New(cfg Config, appointments *appointment.Store, responder Responder, cache *blockcache.Cache) *Component {
	return &Component{cfg: cfg, appointments: appointments, responder: responder, cache: cache}
}

func (c *Component) Name() string { return ComponentName }

func idKey(id appointment.ID) string { return string(id[:]) }

// perAppointmentState returns this appointment's slot within an anchor
// state Mapping, defaulting to WATCHING if absent (a brand-new
// appointment accepted after the parent block was reduced has no prior
// entry, and is treated as freshly watching as of this block — §4.5
// "If WATCHING, inspect only block").
func perAppointmentState(state blockstore.Value, id appointment.ID) blockstore.Mapping {
	m, ok := state.(blockstore.Mapping)
	if !ok {
		return blockstore.Mapping{"status": statusWatching}
	}
	entry, ok := m[idKey(id)].(blockstore.Mapping)
	if !ok {
		return blockstore.Mapping{"status": statusWatching}
	}
	return entry
}

// GetInitialState computes WATCHING/OBSERVED from scratch for every
// currently-accepted appointment whose window contains block, walking
// ancestry back to max(a.StartBlock, minHeight) for a matching log
// (§4.5 "getInitialState").
func (c *Component) GetInitialState(block chain.Block) (blockstore.Value, error) {
	out := blockstore.Mapping{}
	for _, a := range c.appointments.All() {
		if !(a.StartBlock <= block.Height && block.Height < a.EndBlock) {
			continue
		}
		out[idKey(a.ID)] = scanForTrigger(a, block, c.cache)
	}
	out[blockHeightKey] = block.Height
	return out, nil
}

func scanForTrigger(a appointment.Appointment, block chain.Block, cache *blockcache.Cache) blockstore.Mapping {
	// A relay appointment has no pre-/post-condition to wait for: it
	// dispatches unconditionally as soon as its window opens (§6
	// "Modes"), so the first block the watcher ever sees inside that
	// window is itself the trigger. Filter()'s zero-address/empty-topics
	// sentinel is only meaningful for event mode's log matching below.
	if a.Mode == appointment.ModeRelay {
		return blockstore.Mapping{"status": statusObserved, "blockObserved": block.Height}
	}

	addr, topics := a.Filter()
	floor := a.StartBlock

	if blockMatches(block, addr, topics) {
		return blockstore.Mapping{"status": statusObserved, "blockObserved": block.Height}
	}
	if cache == nil || block.Height <= floor {
		return blockstore.Mapping{"status": statusWatching}
	}

	next := cache.Ancestry(block.ParentHash)
	for {
		b, ok := next()
		if !ok {
			break
		}
		if blockMatches(b, addr, topics) {
			return blockstore.Mapping{"status": statusObserved, "blockObserved": b.Height}
		}
		if b.Height <= floor {
			break
		}
	}
	return blockstore.Mapping{"status": statusWatching}
}

func blockMatches(b chain.Block, addr chain.Address, topics []chain.Hash) bool {
	for _, l := range b.Logs {
		if l.MatchesFilter(addr, topics) {
			return true
		}
	}
	return false
}

// Reduce advances prev to block: OBSERVED is monotonic (never reverts),
// WATCHING transitions to OBSERVED only if block itself (not its
// ancestry) carries a matching log (§4.5 "reduce").
func (c *Component) Reduce(prev blockstore.Value, block chain.Block) (blockstore.Value, error) {
	out := blockstore.Mapping{}
	for _, a := range c.appointments.All() {
		if !(a.StartBlock <= block.Height && block.Height < a.EndBlock) {
			continue
		}
		entry := perAppointmentState(prev, a.ID)
		if entry["status"] == statusObserved {
			out[idKey(a.ID)] = entry
			continue
		}
		if a.Mode == appointment.ModeRelay {
			out[idKey(a.ID)] = blockstore.Mapping{"status": statusObserved, "blockObserved": block.Height}
			continue
		}
		addr, topics := a.Filter()
		if blockMatches(block, addr, topics) {
			out[idKey(a.ID)] = blockstore.Mapping{"status": statusObserved, "blockObserved": block.Height}
			continue
		}
		out[idKey(a.ID)] = blockstore.Mapping{"status": statusWatching}
	}
	out[blockHeightKey] = block.Height
	return out, nil
}
