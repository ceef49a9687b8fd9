// Package deletionlog implements the SCM's deleted block transaction log:
// the replicated state machine that durably tracks which blocks must be
// deleted from which containers, drives the deletion to completion across
// every replica, and survives failover without losing or double-counting
// transactions.
package deletionlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/statestore"
)

// ReplicaDirectory resolves the current replica set of a container. The
// second return is false when the container is unknown to the directory
// (reclaimed or never registered), which is different from a known
// container that momentarily has zero resolvable replicas.
type ReplicaDirectory interface {
	ReplicasOf(containerID int64) (replicas []string, found bool)
}

// DeleteBlockResult is one datanode's report for one transaction.
type DeleteBlockResult struct {
	ContainerID int64 `json:"container_id"`
	TxID        int64 `json:"tx_id"`
	Success     bool  `json:"success"`
}

// containerState is the in-memory bookkeeping for one container: which of
// its transactions are still in the store, and which committed out of
// order and are waiting for a lower transaction before the watermark may
// advance.
type containerState struct {
	mu        sync.Mutex
	live      txIDSet
	committed txIDSet
}

// DeletedBlockLog coordinates block deletion transactions. All durable
// mutation is staged through the transaction buffer, so the leader gate on
// flush is the single point preventing a demoted leader from persisting
// stale decisions.
type DeletedBlockLog struct {
	logger    *zap.Logger
	store     *statestore.Store
	buffer    *TransactionBuffer
	sequence  *SequenceAllocator
	directory ReplicaDirectory
	metrics   Metrics
	maxRetry  int32

	mu         sync.RWMutex
	containers map[int64]*containerState

	pendingCount atomic.Int64
	failedCount  atomic.Int64
}

// NewDeletedBlockLog opens the log over the given store, rebuilding the
// in-memory container bookkeeping from a full scan. No reconciliation
// against the watermarks is needed: watermark advances and transaction
// removals flush together atomically, so a crash between them cannot
// happen.
func NewDeletedBlockLog(
	store *statestore.Store,
	buffer *TransactionBuffer,
	sequence *SequenceAllocator,
	directory ReplicaDirectory,
	metrics Metrics,
	maxRetry int32,
	logger *zap.Logger,
) (*DeletedBlockLog, error) {
	l := &DeletedBlockLog{
		logger:     logger,
		store:      store,
		buffer:     buffer,
		sequence:   sequence,
		directory:  directory,
		metrics:    metrics,
		maxRetry:   maxRetry,
		containers: make(map[int64]*containerState),
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload rebuilds the in-memory state from the durable store. Called at
// startup and whenever this instance gains leadership, since decisions
// staged by a demoted leader were discarded.
func (l *DeletedBlockLog) Reload() error {
	containers := make(map[int64]*containerState)
	var pending, failed int64

	err := l.store.ForEachTransactionFrom(0, func(rec *statestore.DeletedBlocksTransaction) (bool, error) {
		cs, ok := containers[rec.ContainerID]
		if !ok {
			cs = &containerState{}
			containers[rec.ContainerID] = cs
		}
		cs.live.Add(rec.TxID)
		if rec.Failed() {
			failed++
		} else {
			pending++
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("%w: failed to rebuild deletion log state: %v", ErrIO, err)
	}

	l.mu.Lock()
	l.containers = containers
	l.mu.Unlock()
	l.pendingCount.Store(pending)
	l.failedCount.Store(failed)

	l.logger.Info("deleted block log state rebuilt",
		zap.Int64("pending", pending),
		zap.Int64("failed", failed),
		zap.Int("containers", len(containers)))
	return nil
}

func (l *DeletedBlockLog) getContainerState(containerID int64) *containerState {
	l.mu.RLock()
	cs, ok := l.containers[containerID]
	l.mu.RUnlock()
	if ok {
		return cs
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if cs, ok = l.containers[containerID]; !ok {
		cs = &containerState{}
		l.containers[containerID] = cs
	}
	return cs
}

// readTransaction returns the freshest view of a record: an unflushed
// staged version wins over the durable one, so concurrent mutations
// between flushes are never computed from stale state.
func (l *DeletedBlockLog) readTransaction(txID int64) (*statestore.DeletedBlocksTransaction, error) {
	if rec, deleted := l.buffer.StagedTransaction(txID); deleted {
		return nil, fmt.Errorf("transaction %d: %w", txID, statestore.ErrNotFound)
	} else if rec != nil {
		return rec, nil
	}
	return l.store.GetTransaction(txID)
}

// AddTransactions creates one deletion transaction per container with a
// non-empty block list and stages it into the store. Containers with an
// empty block list are skipped: an empty deletion set is a no-op, not an
// error. Each container's record is independent; a failure for one does
// not undo the others. Nothing is flushed here, batching is the caller's
// policy.
func (l *DeletedBlockLog) AddTransactions(ctx context.Context, containerBlocks map[int64][]int64) error {
	var errs []error
	for containerID, localIDs := range containerBlocks {
		if len(localIDs) == 0 {
			l.logger.Debug("skipping empty deletion set", zap.Int64("containerID", containerID))
			continue
		}

		txID, err := l.sequence.NextID(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("container %d: %w", containerID, err))
			continue
		}

		rec := &statestore.DeletedBlocksTransaction{
			TxID:        txID,
			ContainerID: containerID,
			LocalIDs:    append([]int64(nil), localIDs...),
			Count:       0,
		}

		cs := l.getContainerState(containerID)
		cs.mu.Lock()
		l.buffer.StagePutTransaction(rec)
		cs.live.Add(txID)
		cs.mu.Unlock()

		l.pendingCount.Add(1)
		l.metrics.TransactionsCreated(1)
		l.metrics.BlocksCreated(int64(len(localIDs)))
	}

	if err := l.buffer.maybeAutoFlush(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetTransactions selects pending transactions in ascending txID order and
// groups them by the replicas that still owe an acknowledgment, up to
// maxBlocks cumulative blocks. A transaction is included whole or deferred
// entirely to a later call. Permanently failed transactions and
// transactions whose container currently resolves to zero replicas are
// skipped; the latter stay pending for a later round. This is a pure
// read-side projection: no persistent state changes.
func (l *DeletedBlockLog) GetTransactions(maxBlocks int) (*DatanodeDeletedBlockTransactions, error) {
	result := newDatanodeDeletedBlockTransactions()

	err := l.store.ForEachTransactionFrom(0, func(rec *statestore.DeletedBlocksTransaction) (bool, error) {
		if rec.Failed() {
			return true, nil
		}

		replicas, found := l.directory.ReplicasOf(rec.ContainerID)
		if !found || len(replicas) == 0 {
			l.logger.Debug("no resolvable replicas for container, deferring transaction",
				zap.Int64("containerID", rec.ContainerID), zap.Int64("txID", rec.TxID))
			return true, nil
		}

		outstanding := replicas[:0:0]
		for _, nodeID := range replicas {
			if !rec.HasAcked(nodeID) {
				outstanding = append(outstanding, nodeID)
			}
		}
		if len(outstanding) == 0 {
			// Every current replica already acknowledged; the commit path
			// will retire it. Nothing left to dispatch.
			return true, nil
		}

		if result.BlockCount()+len(rec.LocalIDs) > maxBlocks {
			return false, nil
		}
		for _, nodeID := range outstanding {
			result.addTransactionToDN(nodeID, rec)
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan deletion transactions: %v", ErrIO, err)
	}
	return result, nil
}

// CommitTransactions records nodeID's acknowledgments. A transaction whose
// outstanding replica set becomes empty is removed from the store, and the
// container's watermark advances to the highest committed id that is
// contiguous from below: never past a still-pending lower transaction of
// the same container. Unsuccessful results keep the transaction pending.
// Reports for unknown transaction ids are no-ops; an acknowledgment can
// race the transaction's own retirement. All mutations flush as one
// atomic batch before returning.
func (l *DeletedBlockLog) CommitTransactions(ctx context.Context, results []DeleteBlockResult, nodeID string) error {
	for _, result := range results {
		if !result.Success {
			l.logger.Debug("ignoring unsuccessful delete result",
				zap.Int64("txID", result.TxID),
				zap.Int64("containerID", result.ContainerID),
				zap.String("nodeID", nodeID))
			continue
		}
		if err := l.commitOne(result, nodeID); err != nil {
			return err
		}
	}
	return l.buffer.Flush(ctx)
}

func (l *DeletedBlockLog) commitOne(result DeleteBlockResult, nodeID string) error {
	cs := l.getContainerState(result.ContainerID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	rec, err := l.readTransaction(result.TxID)
	if errors.Is(err, statestore.ErrNotFound) {
		l.logger.Debug("acknowledgment for already retired transaction",
			zap.Int64("txID", result.TxID), zap.String("nodeID", nodeID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read transaction %d: %v", ErrIO, result.TxID, err)
	}

	if !rec.HasAcked(nodeID) {
		rec.AckedNodes = append(rec.AckedNodes, nodeID)
	}

	replicas, found := l.directory.ReplicasOf(rec.ContainerID)
	outstanding := 0
	for _, replica := range replicas {
		if !rec.HasAcked(replica) {
			outstanding++
		}
	}
	if found && outstanding > 0 {
		l.buffer.StageUpdateTransaction(rec)
		return nil
	}

	// Every resolvable replica has acknowledged (or the container is gone
	// and there is nothing left to wait for): retire the transaction.
	l.buffer.StageDeleteTransaction(rec.TxID)
	cs.live.Remove(rec.TxID)
	if rec.Failed() {
		l.failedCount.Add(-1)
	} else {
		l.pendingCount.Add(-1)
	}
	l.metrics.TransactionsCommitted(1)

	if !found {
		// Deletion intents drain even after the container's metadata was
		// reclaimed, but there is no watermark left to advance.
		l.logger.Info("retired transaction for container missing from directory",
			zap.Int64("txID", rec.TxID), zap.Int64("containerID", rec.ContainerID))
		return nil
	}

	cs.committed.Add(rec.TxID)
	l.advanceWatermarkLocked(cs, rec.ContainerID)
	return nil
}

// advanceWatermarkLocked pops committed ids that have no lower live
// transaction left and stages the watermark at the highest such id. Caller
// holds cs.mu.
func (l *DeletedBlockLog) advanceWatermarkLocked(cs *containerState, containerID int64) {
	var target int64
	for {
		m, ok := cs.committed.Min()
		if !ok {
			break
		}
		if lm, lok := cs.live.Min(); lok && lm < m {
			break
		}
		cs.committed.PopMin()
		target = m
	}
	if target == 0 {
		return
	}

	current, err := l.store.GetDeleteWatermark(containerID)
	if err != nil {
		l.logger.Error("failed to read container watermark",
			zap.Int64("containerID", containerID), zap.Error(err))
		return
	}
	if target <= current {
		return
	}
	l.buffer.StageAdvanceWatermark(containerID, target)
}

// IncrementRetryCount bumps the retry counter of every still-pending
// transaction in txIDs. A counter that would exceed the maximum is set to
// -1 instead: the transaction transitions to permanently failed and is
// excluded from all future selection, but stays in the store for
// operator-driven reconciliation. This is the only path that produces
// failed transactions.
func (l *DeletedBlockLog) IncrementRetryCount(ctx context.Context, txIDs []int64) error {
	for _, txID := range txIDs {
		rec, err := l.readTransaction(txID)
		if errors.Is(err, statestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: failed to read transaction %d: %v", ErrIO, txID, err)
		}

		cs := l.getContainerState(rec.ContainerID)
		cs.mu.Lock()
		// Re-read under the container lock; a commit may have raced us.
		rec, err = l.readTransaction(txID)
		if errors.Is(err, statestore.ErrNotFound) || (err == nil && rec.Failed()) {
			cs.mu.Unlock()
			continue
		}
		if err != nil {
			cs.mu.Unlock()
			return fmt.Errorf("%w: failed to read transaction %d: %v", ErrIO, txID, err)
		}

		if rec.Count+1 > l.maxRetry {
			rec.Count = -1
			l.pendingCount.Add(-1)
			l.failedCount.Add(1)
			l.metrics.TransactionsFailed(1)
			l.logger.Warn("transaction exceeded retry budget, marking permanently failed",
				zap.Int64("txID", txID),
				zap.Int64("containerID", rec.ContainerID),
				zap.Int32("maxRetry", l.maxRetry))
		} else {
			rec.Count++
		}
		l.buffer.StageUpdateTransaction(rec)
		l.metrics.RetriesIncremented(1)
		cs.mu.Unlock()
	}
	return l.buffer.Flush(ctx)
}

// Flush forces the staged mutations out. Exposed for the callers that
// batch AddTransactions and decide their own flush cadence.
func (l *DeletedBlockLog) Flush(ctx context.Context) error {
	return l.buffer.Flush(ctx)
}

// PendingTransactionCount returns the number of transactions eligible for
// selection.
func (l *DeletedBlockLog) PendingTransactionCount() int64 {
	return l.pendingCount.Load()
}

// FailedTransactionCount returns the number of permanently failed
// transactions still in the store.
func (l *DeletedBlockLog) FailedTransactionCount() int64 {
	return l.failedCount.Load()
}

// GetDeleteWatermark returns the container's highest fully committed
// transaction id.
func (l *DeletedBlockLog) GetDeleteWatermark(containerID int64) (int64, error) {
	return l.store.GetDeleteWatermark(containerID)
}
