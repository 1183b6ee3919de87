package digest

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/PISAresearch/pisa-sub003/appointment"
	"github.com/PISAresearch/pisa-sub003/chain"
)

func sampleAppointment() appointment.Appointment {
	return appointment.Appointment{
		CustomerAddress: chain.Address{1},
		ID:              appointment.ID{2},
		Nonce:           1,
		StartBlock:      100,
		EndBlock:        200,
		ContractAddress: chain.Address{3},
		Calldata:        []byte{0xde, 0xad, 0xbe, 0xef},
		GasLimit:        21000,
		ChallengePeriod: 10,
		Refund:          0,
		PaymentHash:     [32]byte{4},
		Mode:            appointment.ModeEvent,
		EventAddress:    chain.Address{5},
		Topics:          []chain.Hash{{6}, {7}},
	}
}

func TestComputeDeterministic(t *testing.T) {
	a := sampleAppointment()
	tower := chain.Address{9}

	d1, err := Compute(a, tower)
	require.NoError(t, err)
	d2, err := Compute(a, tower)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
	require.Len(t, d1, 32)
}

func TestComputeChangesWithTowerContract(t *testing.T) {
	a := sampleAppointment()
	d1, err := Compute(a, chain.Address{9})
	require.NoError(t, err)
	d2, err := Compute(a, chain.Address{10})
	require.NoError(t, err)
	require.NotEqual(t, d1, d2)
}

func TestComputeChangesWithNonce(t *testing.T) {
	a := sampleAppointment()
	tower := chain.Address{9}
	d1, err := Compute(a, tower)
	require.NoError(t, err)

	a.Nonce = 2
	d2, err := Compute(a, tower)
	require.NoError(t, err)
	require.NotEqual(t, d1, d2)
}

func TestEncodeTopicsRejectsTooMany(t *testing.T) {
	_, err := EncodeTopics([]chain.Hash{{1}, {2}, {3}, {4}, {5}})
	require.Error(t, err)
}

func TestCustomerAndTowerSignaturesRecoverCorrectly(t *testing.T) {
	customerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	towerKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	a := sampleAppointment()
	a.CustomerAddress = crypto.PubkeyToAddress(customerKey.PublicKey)
	tower := chain.Address{42}

	digestHash, err := Compute(a, tower)
	require.NoError(t, err)

	customerSig, err := SignAsTower(personalMessageHash(digestHash), customerKey)
	require.NoError(t, err)

	ok, err := VerifyCustomerSignature(a, digestHash, customerSig)
	require.NoError(t, err)
	require.True(t, ok)

	towerSig, err := SignAsTower(digestHash, towerKey)
	require.NoError(t, err)
	require.Len(t, towerSig, 65)

	wrongSig, err := SignAsTower(personalMessageHash(digestHash), towerKey)
	require.NoError(t, err)
	ok, err = VerifyCustomerSignature(a, digestHash, wrongSig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyCustomerSignatureRejectsMalformed(t *testing.T) {
	a := sampleAppointment()
	_, err := VerifyCustomerSignature(a, make([]byte, 32), []byte{1, 2, 3})
	require.Error(t, err)
}
