package responder

import (
	"github.com/PISAresearch/pisa-sub003/blockstore"
)

const tag = "pending-transaction"

// RegisterTypes installs this package's Tagged-record deserializer into
// reg, so the responder's own persisted namespace and any anchor state
// that embeds a PendingTransaction can round-trip through the block-item
// store's codec.
func RegisterTypes(reg *blockstore.Registry) {
	reg.Register(tag, decodePendingTransaction)
}

func toTagged(pt PendingTransaction) blockstore.Tagged {
	return blockstore.Tagged{
		Tag: tag,
		Fields: blockstore.Mapping{
			"nonce":           pt.Nonce,
			"target":          pt.Target[:],
			"data":            pt.Data,
			"gasLimit":        pt.GasLimit,
			"gasPrice":        pt.GasPrice,
			"status":          string(pt.Status),
			"broadcastHeight": pt.BroadcastHeight,
			"minedHeight":     pt.MinedHeight,
			"appointmentId":   pt.AppointmentID[:],
			"blockObserved":   pt.BlockObserved,
		},
	}
}

func decodePendingTransaction(f blockstore.Mapping) (interface{}, error) {
	var pt PendingTransaction
	pt.Nonce, _ = f["nonce"].(uint64)
	if b, ok := f["target"].([]byte); ok {
		copy(pt.Target[:], b)
	}
	pt.Data, _ = f["data"].([]byte)
	pt.GasLimit, _ = f["gasLimit"].(uint64)
	pt.GasPrice, _ = f["gasPrice"].(uint64)
	if s, ok := f["status"].(string); ok {
		pt.Status = Status(s)
	}
	pt.BroadcastHeight, _ = f["broadcastHeight"].(uint64)
	pt.MinedHeight, _ = f["minedHeight"].(uint64)
	if b, ok := f["appointmentId"].([]byte); ok {
		copy(pt.AppointmentID[:], b)
	}
	pt.BlockObserved, _ = f["blockObserved"].(uint64)
	return pt, nil
}
