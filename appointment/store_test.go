package appointment

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/PISAresearch/pisa-sub003/blockstore"
	"github.com/PISAresearch/pisa-sub003/chain"
)

func openTestStore(t *testing.T) (*Store, *blockstore.Store) {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := blockstore.NewRegistry()
	RegisterTypes(reg)
	bstore, err := blockstore.Open(db, "appointments", reg)
	require.NoError(t, err)
	s, err := Open(bstore, 5*time.Second)
	require.NoError(t, err)
	return s, bstore
}

func sampleAppointment(customer chain.Address, id ID, nonce uint64) Appointment {
	return Appointment{
		CustomerAddress: customer,
		ID:              id,
		Nonce:           nonce,
		StartBlock:      10,
		EndBlock:        20,
		ContractAddress: chain.Address{1},
		Calldata:        []byte{0xAA, 0xBB},
		GasLimit:        21000,
		ChallengePeriod: 5,
		Refund:          0,
		PreCondition:    []byte{0xCC},
		PostCondition:   []byte{0xDD},
		PaymentHash:     [32]byte{7},
		Mode:            ModeEvent,
		EventAddress:    chain.Address{2},
		Topics:          []chain.Hash{{3}},
		CustomerSig:     []byte{0xEE, 0xFF},
	}
}

func TestAcceptAndGet(t *testing.T) {
	s, _ := openTestStore(t)
	customer := chain.Address{9}
	id := ID{1}
	a := sampleAppointment(customer, id, 1)

	require.NoError(t, s.Accept(a))

	got, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, a, got)
}

func TestAcceptRejectsStaleNonce(t *testing.T) {
	s, _ := openTestStore(t)
	customer := chain.Address{9}
	id := ID{1}

	require.NoError(t, s.Accept(sampleAppointment(customer, id, 5)))
	err := s.Accept(sampleAppointment(customer, id, 5))
	require.Error(t, err)
	require.True(t, ErrStaleNonce.Is(err))

	err = s.Accept(sampleAppointment(customer, id, 3))
	require.Error(t, err)
	require.True(t, ErrStaleNonce.Is(err))
}

func TestAcceptAllowsStrictlyGreaterNonceReplacement(t *testing.T) {
	s, _ := openTestStore(t)
	customer := chain.Address{9}
	id := ID{1}

	require.NoError(t, s.Accept(sampleAppointment(customer, id, 1)))
	replacement := sampleAppointment(customer, id, 2)
	replacement.EndBlock = 999
	require.NoError(t, s.Accept(replacement))

	got, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, uint64(999), got.EndBlock)
	require.Equal(t, uint64(2), got.Nonce)
}

func TestRemove(t *testing.T) {
	s, _ := openTestStore(t)
	customer := chain.Address{9}
	id := ID{1}
	require.NoError(t, s.Accept(sampleAppointment(customer, id, 1)))

	require.NoError(t, s.Remove(id))
	_, ok := s.Get(id)
	require.False(t, ok)

	require.Empty(t, s.ByCustomer(customer))
}

func TestRemoveUnknownIDIsNoop(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Remove(ID{42}))
}

func TestByCustomerAndAll(t *testing.T) {
	s, _ := openTestStore(t)
	custA := chain.Address{1}
	custB := chain.Address{2}

	require.NoError(t, s.Accept(sampleAppointment(custA, ID{1}, 1)))
	require.NoError(t, s.Accept(sampleAppointment(custA, ID{2}, 1)))
	require.NoError(t, s.Accept(sampleAppointment(custB, ID{3}, 1)))

	require.Len(t, s.ByCustomer(custA), 2)
	require.Len(t, s.ByCustomer(custB), 1)
	require.Len(t, s.All(), 3)
}

func TestIsBackup(t *testing.T) {
	backup := Appointment{
		ContractAddress: chain.Address{1},
		EventAddress:    chain.Address{1},
		CustomerAddress: chain.Address{1},
		StartBlock:      100,
		EndBlock:        100 + backupEndBlockOffset,
		GasLimit:        backupGasLimit,
		ChallengePeriod: backupChallengePeriod,
	}
	require.True(t, backup.IsBackup())

	notBackup := backup
	notBackup.GasLimit = 21000
	require.False(t, notBackup.IsBackup())
}

func TestOpenReloadsFromStore(t *testing.T) {
	s, bstore := openTestStore(t)
	customer := chain.Address{9}
	id := ID{1}
	a := sampleAppointment(customer, id, 1)
	require.NoError(t, s.Accept(a))

	reopened, err := Open(bstore, 5*time.Second)
	require.NoError(t, err)
	got, ok := reopened.Get(id)
	require.True(t, ok)
	require.Equal(t, a, got)
}
