// Package consensus hosts the raft substrate of the SCM: the node setup,
// the finite state machine that applies replicated mutation batches to the
// state store, and the logging adapter. It is the concrete implementation
// of the Applier contract the deletion log stages its writes through.
package consensus

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/statestore"
)

// FSM implements raft.FSM over the state store. Every raft log entry is a
// marshaled statestore.Batch; the store applies it atomically and skips
// entries at or below its recorded applied index, so log replay after a
// restart cannot double-apply.
type FSM struct {
	store  *statestore.Store
	logger *zap.Logger

	mu               sync.Mutex
	lastAppliedIndex uint64
}

// NewFSM creates the state machine over store.
func NewFSM(store *statestore.Store, logger *zap.Logger) *FSM {
	return &FSM{store: store, logger: logger}
}

// Apply applies one replicated batch. Called by raft on the leader and
// followers. Invariant violations inside the batch come back as the apply
// response so the staging side sees them; they do not stop the state
// machine.
func (f *FSM) Apply(logEntry *raft.Log) interface{} {
	err := f.store.ApplyBatch(logEntry.Index, logEntry.Data)

	f.mu.Lock()
	f.lastAppliedIndex = logEntry.Index
	f.mu.Unlock()

	if err != nil {
		f.logger.Error("failed to apply replicated batch",
			zap.Uint64("index", logEntry.Index), zap.Error(err))
		return err
	}
	return nil
}

// Snapshot captures the full store state for log truncation.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	state, err := f.store.SnapshotState()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot state store: %w", err)
	}
	f.logger.Debug("state machine snapshot created",
		zap.Int("transactions", len(state.Transactions)),
		zap.Uint64("appliedIndex", state.AppliedIndex))
	return &fsmSnapshot{state: state}, nil
}

// Restore replaces the store contents from a snapshot. Used when a node
// joins the cluster or recovers from far behind.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	state := new(statestore.StateSnapshot)
	if err := json.NewDecoder(rc).Decode(state); err != nil {
		return fmt.Errorf("failed to decode state snapshot: %w", err)
	}
	if err := f.store.RestoreState(state); err != nil {
		return fmt.Errorf("failed to restore state store: %w", err)
	}

	f.mu.Lock()
	f.lastAppliedIndex = state.AppliedIndex
	f.mu.Unlock()

	f.logger.Info("state machine restored from snapshot",
		zap.Int("transactions", len(state.Transactions)),
		zap.Uint64("appliedIndex", state.AppliedIndex))
	return nil
}

// LastAppliedIndex returns the raft index of the last applied entry.
func (f *FSM) LastAppliedIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAppliedIndex
}

type fsmSnapshot struct {
	state *statestore.StateSnapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
