package watcher

import (
	"context"

	"github.com/PISAresearch/pisa-sub003/appointment"
	"github.com/PISAresearch/pisa-sub003/blockstore"
	"github.com/PISAresearch/pisa-sub003/chain"
)

const (
	tagStartResponse     = "watcher-start-response"
	tagRemoveAppointment = "watcher-remove-appointment"
)

// StartResponseAction is §4.5's StartResponse{appointment, blockObserved}.
type StartResponseAction struct {
	Appointment   appointment.Appointment
	BlockObserved uint64
}

// RemoveAppointmentAction is §4.5's RemoveAppointment{id}.
type RemoveAppointmentAction struct {
	ID appointment.ID
}

// RegisterTypes installs this package's action Tagged-record decoders,
// alongside appointment.RegisterTypes which it depends on (a
// StartResponseAction embeds a full Appointment).
func RegisterTypes(reg *blockstore.Registry) {
	reg.Register(tagStartResponse, decodeStartResponse)
	reg.Register(tagRemoveAppointment, decodeRemoveAppointment)
}

func startResponseValue(a appointment.Appointment, blockObserved uint64) blockstore.Value {
	return blockstore.Tagged{
		Tag: tagStartResponse,
		Fields: blockstore.Mapping{
			"appointment":   appointment.ToValue(a),
			"blockObserved": blockObserved,
		},
	}
}

func removeAppointmentValue(id appointment.ID) blockstore.Value {
	return blockstore.Tagged{
		Tag:    tagRemoveAppointment,
		Fields: blockstore.Mapping{"id": id[:]},
	}
}

func decodeStartResponse(f blockstore.Mapping) (interface{}, error) {
	var out StartResponseAction
	if v, ok := f["appointment"]; ok {
		out.Appointment, _ = appointment.FromValue(v)
	}
	out.BlockObserved, _ = f["blockObserved"].(uint64)
	return out, nil
}

func decodeRemoveAppointment(f blockstore.Mapping) (interface{}, error) {
	var out RemoveAppointmentAction
	if b, ok := f["id"].([]byte); ok {
		copy(out.ID[:], b)
	}
	return out, nil
}

// DetectChanges implements §4.5's three emission rules, comparing the
// confirmation count at the previous emitted head (recovered from
// prevEmitted's stamped height) to the count at head.
func (c *Component) DetectChanges(prevEmitted, next blockstore.Value, head chain.Block) ([]blockstore.Value, error) {
	prevMapping, _ := prevEmitted.(blockstore.Mapping)
	prevHead, _ := prevMapping[blockHeightKey].(uint64)

	var actions []blockstore.Value
	for _, a := range c.appointments.All() {
		nextEntry := perAppointmentState(next, a.ID)
		prevEntry := perAppointmentState(prevEmitted, a.ID)

		if nextEntry["status"] == statusObserved {
			blockObserved, _ := nextEntry["blockObserved"].(uint64)
			conf := head.Height - blockObserved + 1

			wasRespondedTo := false
			wasRemoved := false
			if prevEntry["status"] == statusObserved {
				prevBlockObserved, _ := prevEntry["blockObserved"].(uint64)
				prevConf := prevHead - prevBlockObserved + 1
				wasRespondedTo = prevConf >= c.cfg.ConfirmationsBeforeResponse
				wasRemoved = prevConf >= c.cfg.ConfirmationsBeforeRemoval
			}

			if conf >= c.cfg.ConfirmationsBeforeResponse && !wasRespondedTo {
				actions = append(actions, startResponseValue(a, blockObserved))
			}
			if conf >= c.cfg.ConfirmationsBeforeRemoval && !wasRemoved {
				actions = append(actions, removeAppointmentValue(a.ID))
			}
			continue
		}

		// WATCHING: expiry cleanup (§8 scenario 3).
		removalHeight := a.EndBlock + c.cfg.ConfirmationsBeforeRemoval
		if head.Height >= removalHeight && prevHead < removalHeight {
			actions = append(actions, removeAppointmentValue(a.ID))
		}
	}
	return actions, nil
}

// ApplyAction dispatches a StartResponse to the responder or deletes a
// removed appointment, per §4.5. Both must be idempotent: a repeat
// StartResponse for an already-allocated nonce, or a repeat delete of an
// already-absent appointment, must not error.
func (c *Component) ApplyAction(ctx context.Context, action blockstore.Value) error {
	switch a := action.(type) {
	case StartResponseAction:
		return c.responder.StartResponse(ctx, a.Appointment, a.BlockObserved)
	case RemoveAppointmentAction:
		return c.appointments.Remove(a.ID)
	case blockstore.Tagged:
		// Actions stored during this run are still in the wire shape
		// DetectChanges emitted; decode them the way the registry would.
		switch a.Tag {
		case tagStartResponse:
			d, _ := decodeStartResponse(a.Fields)
			return c.ApplyAction(ctx, d)
		case tagRemoveAppointment:
			d, _ := decodeRemoveAppointment(a.Fields)
			return c.ApplyAction(ctx, d)
		}
		return Err.CodeWithDetail("ErrUnknownAction", "watcher received an action of unknown type").Default()
	default:
		return Err.CodeWithDetail("ErrUnknownAction", "watcher received an action of unknown type").Default()
	}
}
