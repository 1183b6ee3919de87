// Package digest computes and verifies the appointment digest (§6): the
// Keccak-256 hash both the customer and the tower sign over, binding a
// SignedAppointmentRequest to a receipt. It is grounded on
// go-ethereum's accounts/abi package for the tuple ABI-encoding and
// crypto package for Keccak-256/ECDSA — the one domain dependency the
// teacher itself doesn't carry, since pktd never speaks EVM ABI.
package digest

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/PISAresearch/pisa-sub003/appointment"
	"github.com/PISAresearch/pisa-sub003/chain"
	"github.com/PISAresearch/pisa-sub003/internal/errs"
)

// Err namespaces digest failures.
var Err = errs.NewErrorType("digest")

const maxTopics = 4

var digestArguments abi.Arguments

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic("digest: " + err.Error())
	}
	return typ
}

func init() {
	digestArguments = abi.Arguments{
		{Type: mustType("address")},   // contractAddress
		{Type: mustType("address")},   // customerAddress
		{Type: mustType("uint64")},    // startBlock
		{Type: mustType("uint64")},    // endBlock
		{Type: mustType("uint64")},    // challengePeriod
		{Type: mustType("bytes32")},   // id
		{Type: mustType("uint64")},    // nonce
		{Type: mustType("bytes")},     // data
		{Type: mustType("uint64")},    // refund
		{Type: mustType("uint64")},    // gasLimit
		{Type: mustType("uint8")},     // mode
		{Type: mustType("address")},   // eventAddress
		{Type: mustType("bytes")},     // encodedTopics
		{Type: mustType("bytes")},     // preCondition
		{Type: mustType("bytes")},     // postCondition
		{Type: mustType("bytes32")},   // paymentHash
		{Type: mustType("address")},   // towerContractAddress
	}
}

// EncodeTopics ABI-encodes (bool[4] present, bytes32[4] topic), with
// missing slots zeroed, per §6 "encodedTopics".
func EncodeTopics(topics []chain.Hash) ([]byte, error) {
	if len(topics) > maxTopics {
		return nil, Err.CodeWithDetail("ErrTooManyTopics", "at most 4 topics are supported").Default()
	}
	present := [maxTopics]bool{}
	var values [maxTopics][32]byte
	for i, t := range topics {
		present[i] = true
		values[i] = t
	}
	boolArrayType := mustType("bool[4]")
	bytesArrayType := mustType("bytes32[4]")
	args := abi.Arguments{{Type: boolArrayType}, {Type: bytesArrayType}}
	return args.Pack(present, values)
}

// Compute derives the appointment digest for a, binding it to
// towerContract (§6 "Appointment digest").
func Compute(a appointment.Appointment, towerContract chain.Address) ([]byte, error) {
	encodedTopics, err := EncodeTopics(a.Topics)
	if err != nil {
		return nil, err
	}
	packed, err := digestArguments.Pack(
		a.ContractAddress,
		a.CustomerAddress,
		a.StartBlock,
		a.EndBlock,
		a.ChallengePeriod,
		[32]byte(a.ID),
		a.Nonce,
		a.Calldata,
		a.Refund,
		a.GasLimit,
		uint8(a.Mode),
		a.EventAddress,
		encodedTopics,
		a.PreCondition,
		a.PostCondition,
		a.PaymentHash,
		towerContract,
	)
	if err != nil {
		return nil, errs.Errorf("packing appointment digest arguments: %v", err)
	}
	return crypto.Keccak256(packed), nil
}

// personalMessageHash prehashes digest with the Ethereum personal-message
// prefix, per §6 "prehashed with the Ethereum personal-message prefix".
func personalMessageHash(digest []byte) []byte {
	prefix := []byte("\x19Ethereum Signed Message:\n32")
	return crypto.Keccak256(append(prefix, digest...))
}

// VerifyCustomerSignature checks that sig recovers to a's customer
// address over digest's personal-message hash.
func VerifyCustomerSignature(a appointment.Appointment, digestHash, sig []byte) (bool, error) {
	if len(sig) != 65 {
		return false, Err.CodeWithDetail("ErrMalformedSignature", "signature must be 65 bytes").Default()
	}
	hash := personalMessageHash(digestHash)
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return false, errs.Errorf("recovering customer signature: %v", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return recovered == a.CustomerAddress, nil
}

// SignAsTower signs digestHash with the tower's private key, producing
// the watcherSignature returned in a receipt (§4.9 "Issues a receipt").
func SignAsTower(digestHash []byte, towerKey *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digestHash, towerKey)
	if err != nil {
		return nil, errs.Errorf("signing appointment digest as tower: %v", err)
	}
	return sig, nil
}
