package statestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scm.db")
	store, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func putBatch(t *testing.T, store *Store, mutations ...Mutation) {
	t.Helper()
	batch := &Batch{Mutations: mutations}
	data, err := batch.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.ApplyBatch(0, data))
}

func TestStorePutGetDelete(t *testing.T) {
	store, _ := setupStore(t)

	rec := &DeletedBlocksTransaction{
		TxID:        1,
		ContainerID: 42,
		LocalIDs:    []int64{10, 11, 12},
	}
	putBatch(t, store, Mutation{Op: OpPutTransaction, Transaction: rec})

	got, err := store.GetTransaction(1)
	require.NoError(t, err)
	require.Equal(t, rec.ContainerID, got.ContainerID)
	require.Equal(t, rec.LocalIDs, got.LocalIDs)
	require.Equal(t, int32(0), got.Count)

	_, err = store.GetTransaction(2)
	require.ErrorIs(t, err, ErrNotFound)

	putBatch(t, store, Mutation{Op: OpDeleteTransaction, TxID: 1})
	_, err = store.GetTransaction(1)
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent transaction is a no-op.
	putBatch(t, store, Mutation{Op: OpDeleteTransaction, TxID: 1})
}

func TestStoreDuplicatePutIsInvariantViolation(t *testing.T) {
	store, _ := setupStore(t)

	rec := &DeletedBlocksTransaction{TxID: 7, ContainerID: 1, LocalIDs: []int64{1}}
	putBatch(t, store, Mutation{Op: OpPutTransaction, Transaction: rec})

	batch := &Batch{Mutations: []Mutation{{Op: OpPutTransaction, Transaction: rec}}}
	data, err := batch.Marshal()
	require.NoError(t, err)
	err = store.ApplyBatch(0, data)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestStoreScanOrderAndEarlyStop(t *testing.T) {
	store, _ := setupStore(t)

	// Insert out of order; the cursor must return ascending txIDs.
	for _, id := range []int64{5, 1, 9, 3, 7} {
		putBatch(t, store, Mutation{Op: OpPutTransaction, Transaction: &DeletedBlocksTransaction{
			TxID: id, ContainerID: 1, LocalIDs: []int64{id},
		}})
	}

	var seen []int64
	err := store.ForEachTransactionFrom(3, func(rec *DeletedBlocksTransaction) (bool, error) {
		seen = append(seen, rec.TxID)
		return len(seen) < 3, nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{3, 5, 7}, seen)
}

func TestStoreWatermarkMonotonic(t *testing.T) {
	store, _ := setupStore(t)

	value, err := store.GetDeleteWatermark(42)
	require.NoError(t, err)
	require.Equal(t, int64(0), value)

	putBatch(t, store, Mutation{Op: OpAdvanceWatermark, ContainerID: 42, Value: 10})
	value, err = store.GetDeleteWatermark(42)
	require.NoError(t, err)
	require.Equal(t, int64(10), value)

	for _, regress := range []int64{10, 9} {
		batch := &Batch{Mutations: []Mutation{{Op: OpAdvanceWatermark, ContainerID: 42, Value: regress}}}
		data, err := batch.Marshal()
		require.NoError(t, err)
		require.ErrorIs(t, store.ApplyBatch(0, data), ErrInvariantViolation)
	}

	// The rejected advances must not have moved the watermark.
	value, err = store.GetDeleteWatermark(42)
	require.NoError(t, err)
	require.Equal(t, int64(10), value)
}

func TestStoreViolationDoesNotBlockRestOfBatch(t *testing.T) {
	store, _ := setupStore(t)
	putBatch(t, store, Mutation{Op: OpAdvanceWatermark, ContainerID: 1, Value: 5})

	batch := &Batch{Mutations: []Mutation{
		{Op: OpAdvanceWatermark, ContainerID: 1, Value: 3}, // violation
		{Op: OpPutTransaction, Transaction: &DeletedBlocksTransaction{TxID: 20, ContainerID: 2, LocalIDs: []int64{1}}},
	}}
	data, err := batch.Marshal()
	require.NoError(t, err)
	require.ErrorIs(t, store.ApplyBatch(0, data), ErrInvariantViolation)

	// One container's violation must not block another container's write.
	_, err = store.GetTransaction(20)
	require.NoError(t, err)
	value, err := store.GetDeleteWatermark(1)
	require.NoError(t, err)
	require.Equal(t, int64(5), value)
}

func TestStoreAppliedIndexSkipsReplay(t *testing.T) {
	store, _ := setupStore(t)

	batch := &Batch{Mutations: []Mutation{{Op: OpAdvanceSequence, Value: 1000}}}
	data, err := batch.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.ApplyBatch(3, data))

	ceiling, err := store.SequenceCeiling()
	require.NoError(t, err)
	require.Equal(t, int64(1000), ceiling)

	// Replaying the same index must not apply (the advance would be a
	// violation otherwise).
	require.NoError(t, store.ApplyBatch(3, data))

	index, err := store.AppliedIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), index)
}

func TestStorePersistenceAcrossReopen(t *testing.T) {
	store, path := setupStore(t)

	putBatch(t, store,
		Mutation{Op: OpPutTransaction, Transaction: &DeletedBlocksTransaction{TxID: 1, ContainerID: 9, LocalIDs: []int64{1, 2}}},
		Mutation{Op: OpAdvanceWatermark, ContainerID: 9, Value: 1},
		Mutation{Op: OpAdvanceSequence, Value: 500},
	)
	require.NoError(t, store.Close())

	reopened, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.GetTransaction(1)
	require.NoError(t, err)
	require.Equal(t, int64(9), rec.ContainerID)

	value, err := reopened.GetDeleteWatermark(9)
	require.NoError(t, err)
	require.Equal(t, int64(1), value)

	ceiling, err := reopened.SequenceCeiling()
	require.NoError(t, err)
	require.Equal(t, int64(500), ceiling)
}

func TestStoreSnapshotRestoreRoundTrip(t *testing.T) {
	store, _ := setupStore(t)
	putBatch(t, store,
		Mutation{Op: OpPutTransaction, Transaction: &DeletedBlocksTransaction{TxID: 1, ContainerID: 9, LocalIDs: []int64{1}, AckedNodes: []string{"dn-1"}}},
		Mutation{Op: OpPutTransaction, Transaction: &DeletedBlocksTransaction{TxID: 2, ContainerID: 10, LocalIDs: []int64{2, 3}, Count: -1}},
		Mutation{Op: OpAdvanceWatermark, ContainerID: 9, Value: 7},
		Mutation{Op: OpAdvanceSequence, Value: 2000},
	)

	snap, err := store.SnapshotState()
	require.NoError(t, err)
	require.Len(t, snap.Transactions, 2)

	other, _ := setupStore(t)
	require.NoError(t, other.RestoreState(snap))

	rec, err := other.GetTransaction(2)
	require.NoError(t, err)
	require.True(t, rec.Failed())

	value, err := other.GetDeleteWatermark(9)
	require.NoError(t, err)
	require.Equal(t, int64(7), value)

	ceiling, err := other.SequenceCeiling()
	require.NoError(t, err)
	require.Equal(t, int64(2000), ceiling)
}
