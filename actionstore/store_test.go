package actionstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/PISAresearch/pisa-sub003/blockstore"
)

func openTestStore(t *testing.T) (*Store, *blockstore.Store) {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bstore, err := blockstore.Open(db, "actions", blockstore.NewRegistry())
	require.NoError(t, err)
	s, err := Open(bstore, 5*time.Second)
	require.NoError(t, err)
	return s, bstore
}

func TestStoreActionsAndGetActions(t *testing.T) {
	s, _ := openTestStore(t)

	entries, err := s.StoreActions("watcher", []blockstore.Value{uint64(1), uint64(2)})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	got := s.GetActions("watcher")
	require.Len(t, got, 2)

	require.Empty(t, s.GetActions("responder"))
}

func TestStoreActionsEmptyIsNoop(t *testing.T) {
	s, _ := openTestStore(t)
	entries, err := s.StoreActions("watcher", nil)
	require.NoError(t, err)
	require.Nil(t, entries)
	require.Empty(t, s.GetActions("watcher"))
}

func TestRemoveAction(t *testing.T) {
	s, _ := openTestStore(t)
	entries, err := s.StoreActions("watcher", []blockstore.Value{uint64(1)})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, s.RemoveAction("watcher", entries[0].ID))
	require.Empty(t, s.GetActions("watcher"))

	// Removing again is a no-op, not an error, so a retried applyAction
	// success doesn't fail on its second call.
	require.NoError(t, s.RemoveAction("watcher", entries[0].ID))
}

func TestRemoveActionUnknownComponentIsNoop(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.RemoveAction("nonexistent", uuid.New()))
}

func TestOpenReloadsFromStore(t *testing.T) {
	s, bstore := openTestStore(t)
	_, err := s.StoreActions("watcher", []blockstore.Value{uint64(7)})
	require.NoError(t, err)

	reopened, err := Open(bstore, 5*time.Second)
	require.NoError(t, err)
	got := reopened.GetActions("watcher")
	require.Len(t, got, 1)
	require.Equal(t, uint64(7), got[0].Action)
}
