package statestore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"
)

// MutationOp identifies the kind of a staged mutation.
type MutationOp string

const (
	OpPutTransaction    MutationOp = "put_transaction"
	OpUpdateTransaction MutationOp = "update_transaction"
	OpDeleteTransaction MutationOp = "delete_transaction"
	OpAdvanceWatermark  MutationOp = "advance_watermark"
	OpAdvanceSequence   MutationOp = "advance_sequence"
)

// Mutation is a single write against the state store. Batches of mutations
// are what the transaction buffer flushes and what the consensus log
// replicates.
type Mutation struct {
	Op          MutationOp                `json:"op"`
	Transaction *DeletedBlocksTransaction `json:"transaction,omitempty"`
	TxID        int64                     `json:"tx_id,omitempty"`
	ContainerID int64                     `json:"container_id,omitempty"`
	Value       int64                     `json:"value,omitempty"`
}

// Batch is the atomic unit of durable mutation.
type Batch struct {
	Mutations []Mutation `json:"mutations"`
}

// Marshal encodes the batch for replication.
func (b *Batch) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalBatch decodes a replicated batch.
func UnmarshalBatch(data []byte) (*Batch, error) {
	batch := new(Batch)
	if err := json.Unmarshal(data, batch); err != nil {
		return nil, fmt.Errorf("failed to decode mutation batch: %w", err)
	}
	return batch, nil
}

// ApplyBatch applies every mutation of the batch inside one bolt
// transaction. index is the raft log index of the batch; batches at or
// below the already applied index are skipped so that log replay after a
// restart does not double-apply (index 0 bypasses the check, for callers
// outside the consensus log).
//
// A mutation that violates an invariant (duplicate transaction insert,
// non-increasing watermark or sequence advance, update of a missing
// record) is recorded and the remaining mutations still apply; the
// violations come back joined into one error. I/O failures abort the whole
// transaction and nothing applies.
func (s *Store) ApplyBatch(index uint64, data []byte) error {
	batch, err := UnmarshalBatch(data)
	if err != nil {
		return err
	}

	var violations []error
	err = s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if index > 0 {
			if prev := meta.Get(keyAppliedIndex); prev != nil && binary.BigEndian.Uint64(prev) >= index {
				s.logger.Debug("skipping already applied batch", zap.Uint64("index", index))
				return nil
			}
		}

		for i := range batch.Mutations {
			if err := s.applyMutation(tx, &batch.Mutations[i]); err != nil {
				if errors.Is(err, ErrInvariantViolation) {
					s.logger.Error("invariant violation while applying mutation batch",
						zap.Uint64("index", index), zap.Error(err))
					violations = append(violations, err)
					continue
				}
				return err
			}
		}

		if index > 0 {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, index)
			if err := meta.Put(keyAppliedIndex, buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(violations...)
}

func (s *Store) applyMutation(tx *bolt.Tx, m *Mutation) error {
	switch m.Op {
	case OpPutTransaction:
		bucket := tx.Bucket(bucketDeletedBlocks)
		key := itob(m.Transaction.TxID)
		if bucket.Get(key) != nil {
			return fmt.Errorf("%w: transaction %d already exists", ErrInvariantViolation, m.Transaction.TxID)
		}
		data, err := json.Marshal(m.Transaction)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)

	case OpUpdateTransaction:
		bucket := tx.Bucket(bucketDeletedBlocks)
		key := itob(m.Transaction.TxID)
		if bucket.Get(key) == nil {
			return fmt.Errorf("%w: update of missing transaction %d", ErrInvariantViolation, m.Transaction.TxID)
		}
		data, err := json.Marshal(m.Transaction)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)

	case OpDeleteTransaction:
		// Deleting an absent transaction is a no-op: acknowledgments can
		// race the transaction's own retirement.
		return tx.Bucket(bucketDeletedBlocks).Delete(itob(m.TxID))

	case OpAdvanceWatermark:
		bucket := tx.Bucket(bucketContainerMeta)
		key := itob(m.ContainerID)
		var current int64
		if data := bucket.Get(key); data != nil {
			current = btoi(data)
		}
		if m.Value <= current {
			return fmt.Errorf("%w: watermark for container %d would go from %d to %d",
				ErrInvariantViolation, m.ContainerID, current, m.Value)
		}
		return bucket.Put(key, itob(m.Value))

	case OpAdvanceSequence:
		meta := tx.Bucket(bucketMeta)
		var current int64
		if data := meta.Get(keySequence); data != nil {
			current = btoi(data)
		}
		if m.Value <= current {
			return fmt.Errorf("%w: sequence ceiling would go from %d to %d",
				ErrInvariantViolation, current, m.Value)
		}
		return meta.Put(keySequence, itob(m.Value))

	default:
		return fmt.Errorf("%w: unknown mutation op %q", ErrInvariantViolation, m.Op)
	}
}
