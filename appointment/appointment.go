// Package appointment defines the appointment data model (§3) and its
// durable store (§4.8). The store is grounded on
// lnd/watchtower/wtdb/client_db.go's per-session breach-hint index: a
// primary map keyed by the customer-facing identity plus a secondary
// index for the watcher's own lookups, both updated atomically on
// acceptance or removal.
package appointment

import (
	"github.com/PISAresearch/pisa-sub003/chain"
)

// Mode distinguishes a relay appointment from an event-triggered one
// (§6 "Modes").
type Mode uint8

const (
	// ModeRelay dispatches calldata unconditionally within the block
	// window, with no pre-/post-condition.
	ModeRelay Mode = 0
	// ModeEvent dispatches when a matching log is observed.
	ModeEvent Mode = 1
)

func (m Mode) String() string {
	if m == ModeRelay {
		return "relay"
	}
	return "event"
}

// ID is a customer-chosen 32-byte appointment identifier.
type ID [32]byte

// Appointment is the immutable, customer-signed record described in §3.
// Replacement (same CustomerAddress+ID, strictly greater Nonce) produces
// a new Appointment value; it is never mutated in place.
type Appointment struct {
	CustomerAddress chain.Address
	ID              ID
	Nonce           uint64
	StartBlock      uint64
	EndBlock        uint64
	ContractAddress chain.Address
	Calldata        []byte
	GasLimit        uint64
	ChallengePeriod uint64
	Refund          uint64
	PreCondition    []byte
	PostCondition   []byte
	PaymentHash     [32]byte
	Mode            Mode
	EventAddress    chain.Address
	Topics          []chain.Hash
	CustomerSig     []byte
}

// backupEndBlockOffset and the other backup-shorthand constants implement
// §6's "Backup shorthand": a backup is an appointment whose fields follow
// a fixed template so that a customer can use the watchtower as a plain
// encrypted-blob backup service without a real dispatch condition.
const (
	backupEndBlockOffset  = 60000
	backupChallengePeriod = 200
	backupGasLimit        = 0
)

// IsBackup reports whether a matches the backup-shorthand template.
func (a Appointment) IsBackup() bool {
	return a.ContractAddress == a.EventAddress &&
		a.EventAddress == a.CustomerAddress &&
		a.EndBlock == a.StartBlock+backupEndBlockOffset &&
		a.GasLimit == backupGasLimit &&
		a.ChallengePeriod == backupChallengePeriod &&
		len(a.Topics) == 0
}

// Filter returns the (address, topics) log filter this appointment
// watches for in event mode. Relay mode has no log condition at all —
// it dispatches unconditionally once its window opens (§6 "Modes") — so
// callers must check Mode before relying on this filter; it returns the
// zero-address/empty-topics placeholder for a relay appointment only for
// callers that still need a well-typed (address, topics) pair.
func (a Appointment) Filter() (chain.Address, []chain.Hash) {
	if a.Mode == ModeRelay {
		return chain.Address{}, nil
	}
	return a.EventAddress, a.Topics
}
