package appointment

import (
	"github.com/PISAresearch/pisa-sub003/blockstore"
	"github.com/PISAresearch/pisa-sub003/chain"
)

const tag = "appointment"

// RegisterTypes installs this package's Tagged-record deserializer into
// reg, mirroring blockcache.RegisterTypes: callers must do this once,
// before opening the appointment store, for every registry the store's
// blockstore.Store shares.
func RegisterTypes(reg *blockstore.Registry) {
	reg.Register(tag, decodeAppointment)
}

func hashesToList(hs []chain.Hash) blockstore.List {
	l := make(blockstore.List, len(hs))
	for i, h := range hs {
		l[i] = h[:]
	}
	return l
}

func listToHashes(v blockstore.Value) []chain.Hash {
	l, ok := v.(blockstore.List)
	if !ok {
		return nil
	}
	out := make([]chain.Hash, 0, len(l))
	for _, item := range l {
		b, _ := item.([]byte)
		var h chain.Hash
		copy(h[:], b)
		out = append(out, h)
	}
	return out
}

// ToValue serializes a into the wire shape blockstore.Encode understands,
// for components (e.g. the watcher's StartResponse action) that embed a
// whole Appointment inside their own Tagged records.
func ToValue(a Appointment) blockstore.Value { return toTagged(a) }

// FromValue reconstructs an Appointment previously produced by ToValue.
// It accepts both the Tagged record ToValue returns and the Appointment
// the registry's deserializer yields when that record is read back.
func FromValue(v blockstore.Value) (Appointment, bool) {
	if t, ok := v.(blockstore.Tagged); ok && t.Tag == tag {
		d, _ := decodeAppointment(t.Fields)
		return d.(Appointment), true
	}
	a, ok := v.(Appointment)
	return a, ok
}

// toTagged serializes a into the wire shape Encode understands.
func toTagged(a Appointment) blockstore.Tagged {
	return blockstore.Tagged{
		Tag: tag,
		Fields: blockstore.Mapping{
			"customer":        a.CustomerAddress[:],
			"id":              a.ID[:],
			"nonce":           a.Nonce,
			"startBlock":      a.StartBlock,
			"endBlock":        a.EndBlock,
			"contract":        a.ContractAddress[:],
			"calldata":        a.Calldata,
			"gasLimit":        a.GasLimit,
			"challengePeriod": a.ChallengePeriod,
			"refund":          a.Refund,
			"preCondition":    a.PreCondition,
			"postCondition":   a.PostCondition,
			"paymentHash":     a.PaymentHash[:],
			"mode":            uint64(a.Mode),
			"eventAddress":    a.EventAddress[:],
			"topics":          hashesToList(a.Topics),
			"customerSig":     a.CustomerSig,
		},
	}
}

func decodeAppointment(f blockstore.Mapping) (interface{}, error) {
	var a Appointment
	if b, ok := f["customer"].([]byte); ok {
		copy(a.CustomerAddress[:], b)
	}
	if b, ok := f["id"].([]byte); ok {
		copy(a.ID[:], b)
	}
	a.Nonce, _ = f["nonce"].(uint64)
	a.StartBlock, _ = f["startBlock"].(uint64)
	a.EndBlock, _ = f["endBlock"].(uint64)
	if b, ok := f["contract"].([]byte); ok {
		copy(a.ContractAddress[:], b)
	}
	a.Calldata, _ = f["calldata"].([]byte)
	a.GasLimit, _ = f["gasLimit"].(uint64)
	a.ChallengePeriod, _ = f["challengePeriod"].(uint64)
	a.Refund, _ = f["refund"].(uint64)
	a.PreCondition, _ = f["preCondition"].([]byte)
	a.PostCondition, _ = f["postCondition"].([]byte)
	if b, ok := f["paymentHash"].([]byte); ok {
		copy(a.PaymentHash[:], b)
	}
	if m, ok := f["mode"].(uint64); ok {
		a.Mode = Mode(m)
	}
	if b, ok := f["eventAddress"].([]byte); ok {
		copy(a.EventAddress[:], b)
	}
	a.Topics = listToHashes(f["topics"])
	a.CustomerSig, _ = f["customerSig"].([]byte)
	return a, nil
}
