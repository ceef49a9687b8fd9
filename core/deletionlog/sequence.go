package deletionlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/statestore"
)

// DefaultSequenceWindow is how many ids a leader reserves per durable
// advance of the sequence ceiling.
const DefaultSequenceWindow = 1000

// SequenceAllocator hands out unique, strictly increasing transaction ids.
// The ceiling of the allocatable range is persisted through the consensus
// substrate in windows, so ids are served from memory and a leadership
// change can never reissue an id: the new leader starts its own window
// above the last persisted ceiling. Ids inside an unexhausted window are
// lost on failover, which leaves gaps but never collisions.
type SequenceAllocator struct {
	store   *statestore.Store
	applier Applier
	logger  *zap.Logger
	window  int64

	mu      sync.Mutex
	last    int64 // last id handed out
	ceiling int64 // ids up to here are durably reserved
}

// NewSequenceAllocator creates an allocator resuming above the persisted
// ceiling. window <= 0 uses DefaultSequenceWindow.
func NewSequenceAllocator(store *statestore.Store, applier Applier, window int64, logger *zap.Logger) (*SequenceAllocator, error) {
	if window <= 0 {
		window = DefaultSequenceWindow
	}
	ceiling, err := store.SequenceCeiling()
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence ceiling: %w", err)
	}
	return &SequenceAllocator{
		store:   store,
		applier: applier,
		logger:  logger,
		window:  window,
		last:    ceiling,
		ceiling: ceiling,
	}, nil
}

// NextID returns the next transaction id. It fails only if the durable
// ceiling cannot be advanced; no id is safe to hand out then, because a
// duplicate would merge unrelated transactions.
func (a *SequenceAllocator) NextID(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.last >= a.ceiling {
		if err := a.advanceWindow(ctx); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSequenceExhausted, err)
		}
	}
	a.last++
	return a.last, nil
}

func (a *SequenceAllocator) advanceWindow(ctx context.Context) error {
	newCeiling := a.ceiling + a.window
	batch := &statestore.Batch{Mutations: []statestore.Mutation{{
		Op:    statestore.OpAdvanceSequence,
		Value: newCeiling,
	}}}
	data, err := batch.Marshal()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.applier.Apply(ctx, data); err != nil {
		return err
	}

	a.logger.Debug("reserved transaction id window",
		zap.Int64("from", a.ceiling+1), zap.Int64("to", newCeiling))
	a.ceiling = newCeiling
	return nil
}
