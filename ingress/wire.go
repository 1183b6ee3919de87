// Package ingress is the HTTP surface (§4.9, §6 "HTTP surface"): a
// go-chi router accepting signed appointment requests and serving a
// customer's accepted appointments back. It is named "interface only"
// in the spec (an external collaborator) but implemented here as a
// concrete, swappable reference surface, grounded on pktwallet/rpc's
// handler-table-plus-JSON-codec shape and routed with go-chi the way
// the rest of the pack's HTTP services (e.g. the erigon JSON-RPC layer)
// do.
package ingress

import (
	"encoding/hex"
	"encoding/json"

	"github.com/PISAresearch/pisa-sub003/appointment"
	"github.com/PISAresearch/pisa-sub003/chain"
)

// appointmentWire is the JSON wire shape for an Appointment: byte fields
// are hex-encoded for readability instead of Go's default base64/array
// encodings.
type appointmentWire struct {
	CustomerAddress string   `json:"customerAddress"`
	ID              string   `json:"id"`
	Nonce           uint64   `json:"nonce"`
	StartBlock      uint64   `json:"startBlock"`
	EndBlock        uint64   `json:"endBlock"`
	ContractAddress string   `json:"contractAddress"`
	Calldata        string   `json:"calldata"`
	GasLimit        uint64   `json:"gasLimit"`
	ChallengePeriod uint64   `json:"challengePeriod"`
	Refund          uint64   `json:"refund"`
	PreCondition    string   `json:"preCondition"`
	PostCondition   string   `json:"postCondition"`
	PaymentHash     string   `json:"paymentHash"`
	Mode            uint8    `json:"mode"`
	EventAddress    string   `json:"eventAddress"`
	Topics          []string `json:"topics"`
	CustomerSig     string   `json:"customerSig"`
}

func hexEncode(b []byte) string { return "0x" + hex.EncodeToString(b) }

func hexDecode(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

func toWire(a appointment.Appointment) appointmentWire {
	topics := make([]string, len(a.Topics))
	for i, t := range a.Topics {
		topics[i] = hexEncode(t[:])
	}
	return appointmentWire{
		CustomerAddress: hexEncode(a.CustomerAddress[:]),
		ID:              hexEncode(a.ID[:]),
		Nonce:           a.Nonce,
		StartBlock:      a.StartBlock,
		EndBlock:        a.EndBlock,
		ContractAddress: hexEncode(a.ContractAddress[:]),
		Calldata:        hexEncode(a.Calldata),
		GasLimit:        a.GasLimit,
		ChallengePeriod: a.ChallengePeriod,
		Refund:          a.Refund,
		PreCondition:    hexEncode(a.PreCondition),
		PostCondition:   hexEncode(a.PostCondition),
		PaymentHash:     hexEncode(a.PaymentHash[:]),
		Mode:            uint8(a.Mode),
		EventAddress:    hexEncode(a.EventAddress[:]),
		Topics:          topics,
		CustomerSig:     hexEncode(a.CustomerSig),
	}
}

func fromWire(w appointmentWire) (appointment.Appointment, error) {
	var a appointment.Appointment
	if b, err := hexDecode(w.CustomerAddress); err == nil {
		copy(a.CustomerAddress[:], b)
	} else {
		return a, err
	}
	if b, err := hexDecode(w.ID); err == nil {
		copy(a.ID[:], b)
	} else {
		return a, err
	}
	a.Nonce = w.Nonce
	a.StartBlock = w.StartBlock
	a.EndBlock = w.EndBlock
	if b, err := hexDecode(w.ContractAddress); err == nil {
		copy(a.ContractAddress[:], b)
	} else {
		return a, err
	}
	if b, err := hexDecode(w.Calldata); err == nil {
		a.Calldata = b
	} else {
		return a, err
	}
	a.GasLimit = w.GasLimit
	a.ChallengePeriod = w.ChallengePeriod
	a.Refund = w.Refund
	if b, err := hexDecode(w.PreCondition); err == nil {
		a.PreCondition = b
	} else {
		return a, err
	}
	if b, err := hexDecode(w.PostCondition); err == nil {
		a.PostCondition = b
	} else {
		return a, err
	}
	if b, err := hexDecode(w.PaymentHash); err == nil {
		copy(a.PaymentHash[:], b)
	} else {
		return a, err
	}
	a.Mode = appointment.Mode(w.Mode)
	if b, err := hexDecode(w.EventAddress); err == nil {
		copy(a.EventAddress[:], b)
	} else {
		return a, err
	}
	a.Topics = make([]chain.Hash, len(w.Topics))
	for i, t := range w.Topics {
		b, err := hexDecode(t)
		if err != nil {
			return a, err
		}
		copy(a.Topics[i][:], b)
	}
	if b, err := hexDecode(w.CustomerSig); err == nil {
		a.CustomerSig = b
	} else {
		return a, err
	}
	return a, nil
}

// receipt is §4.9's "{appointment, watcherSignature, watcherAddress}".
type receipt struct {
	Appointment      appointmentWire `json:"appointment"`
	WatcherSignature string          `json:"watcherSignature"`
	WatcherAddress   string          `json:"watcherAddress"`
}

func marshalAppointments(as []appointment.Appointment) ([]byte, error) {
	wire := make([]appointmentWire, len(as))
	for i, a := range as {
		wire[i] = toWire(a)
	}
	return json.Marshal(wire)
}
