package deletionlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/statestore"
)

// Applier is the surface the consensus substrate exposes to the deletion
// log: a leadership check and an atomic, leader-gated application of a
// marshaled mutation batch. Apply returns ErrNotLeader when leadership was
// lost between staging and flush.
type Applier interface {
	IsLeader() bool
	Apply(ctx context.Context, batch []byte) error
}

// TransactionBuffer accumulates state store mutations in memory and
// flushes them as one atomic batch through the Applier. Repeated stages to
// the same key collapse to the latest value, so a watermark advanced twice
// between flushes is applied once, with the final value.
type TransactionBuffer struct {
	applier Applier
	logger  *zap.Logger

	mu     sync.Mutex
	staged map[string]*statestore.Mutation
	order  []string

	// sizeLimit triggers an automatic flush once this many mutations are
	// staged. Zero disables the size trigger.
	sizeLimit int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTransactionBuffer creates a buffer flushing through applier.
// sizeLimit caps the number of staged mutations before an automatic flush
// (0 = unbounded).
func NewTransactionBuffer(applier Applier, sizeLimit int, logger *zap.Logger) *TransactionBuffer {
	return &TransactionBuffer{
		applier:   applier,
		logger:    logger,
		staged:    make(map[string]*statestore.Mutation),
		sizeLimit: sizeLimit,
		stopCh:    make(chan struct{}),
	}
}

func txKey(txID int64) string       { return "t:" + strconv.FormatInt(txID, 10) }
func containerKey(cid int64) string { return "c:" + strconv.FormatInt(cid, 10) }

// StagePutTransaction stages the insert of a new transaction record.
func (b *TransactionBuffer) StagePutTransaction(rec *statestore.DeletedBlocksTransaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stage(txKey(rec.TxID), &statestore.Mutation{
		Op:          statestore.OpPutTransaction,
		Transaction: rec.Clone(),
	})
}

// StageUpdateTransaction stages an update of an existing record. If an
// unflushed insert of the same record is staged, the insert is kept with
// the updated contents.
func (b *TransactionBuffer) StageUpdateTransaction(rec *statestore.DeletedBlocksTransaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := txKey(rec.TxID)
	op := statestore.OpUpdateTransaction
	if prev, ok := b.staged[key]; ok && prev.Op == statestore.OpPutTransaction {
		op = statestore.OpPutTransaction
	}
	b.stage(key, &statestore.Mutation{Op: op, Transaction: rec.Clone()})
}

// StageDeleteTransaction stages the removal of a transaction record.
func (b *TransactionBuffer) StageDeleteTransaction(txID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stage(txKey(txID), &statestore.Mutation{
		Op:   statestore.OpDeleteTransaction,
		TxID: txID,
	})
}

// StageAdvanceWatermark stages a container watermark advance. Stages for
// the same container keep the highest value.
func (b *TransactionBuffer) StageAdvanceWatermark(containerID, value int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := containerKey(containerID)
	if prev, ok := b.staged[key]; ok && prev.Value >= value {
		return
	}
	b.stage(key, &statestore.Mutation{
		Op:          statestore.OpAdvanceWatermark,
		ContainerID: containerID,
		Value:       value,
	})
}

// StagedTransaction returns the staged record for txID if an unflushed
// insert or update is pending, and whether an unflushed delete is pending.
// Mutation paths consult this before the durable store so concurrent
// updates between flushes are not lost.
func (b *TransactionBuffer) StagedTransaction(txID int64) (rec *statestore.DeletedBlocksTransaction, deleted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.staged[txKey(txID)]
	if !ok {
		return nil, false
	}
	if m.Op == statestore.OpDeleteTransaction {
		return nil, true
	}
	return m.Transaction.Clone(), false
}

func (b *TransactionBuffer) stage(key string, m *statestore.Mutation) {
	if _, ok := b.staged[key]; !ok {
		b.order = append(b.order, key)
	}
	b.staged[key] = m
}

// Len returns the number of staged mutations.
func (b *TransactionBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.staged)
}

// Flush atomically applies all staged mutations. It fails with
// ErrNotLeader if this instance is no longer the leader; the staged
// mutations are then discarded, because the leader that took over is
// authoritative for them. On any other failure the mutations stay staged
// so a later flush can retry.
func (b *TransactionBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

func (b *TransactionBuffer) flushLocked(ctx context.Context) error {
	if len(b.staged) == 0 {
		return nil
	}

	if !b.applier.IsLeader() {
		b.discardLocked()
		return ErrNotLeader
	}

	batch := &statestore.Batch{Mutations: make([]statestore.Mutation, 0, len(b.order))}
	for _, key := range b.order {
		batch.Mutations = append(batch.Mutations, *b.staged[key])
	}
	data, err := batch.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal staged batch: %w", err)
	}

	if err := b.applier.Apply(ctx, data); err != nil {
		if errors.Is(err, ErrNotLeader) {
			b.discardLocked()
			return fmt.Errorf("flush of %d staged mutations rejected: %w", len(batch.Mutations), err)
		}
		if errors.Is(err, statestore.ErrInvariantViolation) {
			// The batch applied, minus the violating mutations. Surface
			// loudly; this indicates a logic or recovery bug.
			b.logger.Error("invariant violation in flushed batch", zap.Error(err))
			b.discardLocked()
			return err
		}
		return fmt.Errorf("%w: failed to apply batch of %d mutations: %v", ErrIO, len(batch.Mutations), err)
	}

	b.discardLocked()
	return nil
}

func (b *TransactionBuffer) discardLocked() {
	b.staged = make(map[string]*statestore.Mutation)
	b.order = b.order[:0]
}

// StartAutoFlush flushes the buffer on the given cadence, and whenever the
// size limit is crossed, until Close is called.
func (b *TransactionBuffer) StartAutoFlush(interval time.Duration) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := b.Flush(context.Background()); err != nil && !errors.Is(err, ErrNotLeader) {
					b.logger.Warn("periodic buffer flush failed", zap.Error(err))
				}
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Close stops the auto-flush loop. Staged mutations are left in place.
func (b *TransactionBuffer) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// maybeAutoFlush is called by staging paths on the log when the size
// trigger is enabled.
func (b *TransactionBuffer) maybeAutoFlush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sizeLimit <= 0 || len(b.staged) < b.sizeLimit {
		return nil
	}
	b.logger.Debug("auto-flushing transaction buffer", zap.Int("staged", len(b.staged)))
	return b.flushLocked(ctx)
}
