package deletionlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/statestore"
)

func setupBuffer(t *testing.T) (*TransactionBuffer, *stubApplier, *statestore.Store) {
	t.Helper()
	store, err := statestore.Open(filepath.Join(t.TempDir(), "scm.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	applier := &stubApplier{store: store, leader: true}
	return NewTransactionBuffer(applier, 0, zap.NewNop()), applier, store
}

func TestBufferCollapsesUpdatesIntoStagedPut(t *testing.T) {
	buffer, applier, store := setupBuffer(t)

	rec := &statestore.DeletedBlocksTransaction{TxID: 1, ContainerID: 2, LocalIDs: []int64{1}}
	buffer.StagePutTransaction(rec)
	updated := rec.Clone()
	updated.AckedNodes = []string{"dn-1"}
	buffer.StageUpdateTransaction(updated)

	// The update folds into the pending insert: one mutation, carrying
	// the latest contents. A bare update would violate the store's
	// update-of-existing invariant.
	require.Equal(t, 1, buffer.Len())
	require.NoError(t, buffer.Flush(context.Background()))
	require.Equal(t, 1, applier.applied)

	got, err := store.GetTransaction(1)
	require.NoError(t, err)
	require.Equal(t, []string{"dn-1"}, got.AckedNodes)
}

func TestBufferWatermarkKeepsHighestStagedValue(t *testing.T) {
	buffer, _, store := setupBuffer(t)

	buffer.StageAdvanceWatermark(5, 10)
	buffer.StageAdvanceWatermark(5, 7)
	buffer.StageAdvanceWatermark(5, 12)
	require.Equal(t, 1, buffer.Len())

	require.NoError(t, buffer.Flush(context.Background()))
	value, err := store.GetDeleteWatermark(5)
	require.NoError(t, err)
	require.Equal(t, int64(12), value)
}

func TestBufferStagedTransactionReadThrough(t *testing.T) {
	buffer, _, _ := setupBuffer(t)

	rec, deleted := buffer.StagedTransaction(1)
	require.Nil(t, rec)
	require.False(t, deleted)

	buffer.StagePutTransaction(&statestore.DeletedBlocksTransaction{TxID: 1, ContainerID: 2, LocalIDs: []int64{9}})
	rec, deleted = buffer.StagedTransaction(1)
	require.False(t, deleted)
	require.Equal(t, []int64{9}, rec.LocalIDs)

	// The returned record is a copy; mutating it must not leak back into
	// the staged mutation.
	rec.LocalIDs[0] = 42
	rec, _ = buffer.StagedTransaction(1)
	require.Equal(t, []int64{9}, rec.LocalIDs)

	buffer.StageDeleteTransaction(1)
	rec, deleted = buffer.StagedTransaction(1)
	require.Nil(t, rec)
	require.True(t, deleted)
}

func TestBufferFlushEmptyIsNoOp(t *testing.T) {
	buffer, applier, _ := setupBuffer(t)
	applier.setLeader(false)
	// An empty flush succeeds even without leadership.
	require.NoError(t, buffer.Flush(context.Background()))
	require.Equal(t, 0, applier.applied)
}

func TestBufferFlushNotLeaderDiscards(t *testing.T) {
	buffer, applier, store := setupBuffer(t)
	buffer.StagePutTransaction(&statestore.DeletedBlocksTransaction{TxID: 1, ContainerID: 2, LocalIDs: []int64{1}})

	applier.setLeader(false)
	require.ErrorIs(t, buffer.Flush(context.Background()), ErrNotLeader)
	require.Equal(t, 0, buffer.Len())

	applier.setLeader(true)
	require.NoError(t, buffer.Flush(context.Background()))
	count, err := store.TransactionCount()
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestBufferFlushIOErrorKeepsStagedForRetry(t *testing.T) {
	buffer, applier, store := setupBuffer(t)
	buffer.StagePutTransaction(&statestore.DeletedBlocksTransaction{TxID: 1, ContainerID: 2, LocalIDs: []int64{1}})

	applier.setApplyErr(errors.New("disk full"))
	require.ErrorIs(t, buffer.Flush(context.Background()), ErrIO)
	require.Equal(t, 1, buffer.Len())

	// A transient failure is retryable; the next flush lands the batch.
	applier.setApplyErr(nil)
	require.NoError(t, buffer.Flush(context.Background()))
	require.Equal(t, 0, buffer.Len())
	_, err := store.GetTransaction(1)
	require.NoError(t, err)
}

func TestBufferSizeLimitTriggersFlush(t *testing.T) {
	store, err := statestore.Open(filepath.Join(t.TempDir(), "scm.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	applier := &stubApplier{store: store, leader: true}
	buffer := NewTransactionBuffer(applier, 2, zap.NewNop())

	buffer.StagePutTransaction(&statestore.DeletedBlocksTransaction{TxID: 1, ContainerID: 1, LocalIDs: []int64{1}})
	require.NoError(t, buffer.maybeAutoFlush(context.Background()))
	require.Equal(t, 1, buffer.Len())

	buffer.StagePutTransaction(&statestore.DeletedBlocksTransaction{TxID: 2, ContainerID: 1, LocalIDs: []int64{2}})
	require.NoError(t, buffer.maybeAutoFlush(context.Background()))
	require.Equal(t, 0, buffer.Len())

	count, err := store.TransactionCount()
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
