// Package statestore owns the durable state of the SCM: the deleted block
// transaction table, the per-container delete watermarks and the sequence
// ceiling, all kept in a single bolt database so a batch of mutations can
// be applied in one atomic transaction.
package statestore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrClosed             = errors.New("state store is closed")
)

var (
	bucketDeletedBlocks = []byte("deleted_blocks")
	bucketContainerMeta = []byte("container_meta")
	bucketMeta          = []byte("meta")

	keySequence     = []byte("sequence")
	keyAppliedIndex = []byte("applied_index")
)

// DeletedBlocksTransaction is one unit of deletion work: delete the listed
// blocks from the given container. Count is the retry counter; -1 marks a
// permanently failed transaction. AckedNodes records which datanodes have
// confirmed the deletion, so partial acknowledgment survives a restart.
type DeletedBlocksTransaction struct {
	TxID        int64    `json:"tx_id"`
	ContainerID int64    `json:"container_id"`
	LocalIDs    []int64  `json:"local_ids"`
	Count       int32    `json:"count"`
	AckedNodes  []string `json:"acked_nodes,omitempty"`
}

// Failed reports whether the transaction has exhausted its retry budget.
func (t *DeletedBlocksTransaction) Failed() bool {
	return t.Count < 0
}

// HasAcked reports whether the given datanode already confirmed this
// transaction.
func (t *DeletedBlocksTransaction) HasAcked(nodeID string) bool {
	for _, id := range t.AckedNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate records without
// aliasing staged or cached state.
func (t *DeletedBlocksTransaction) Clone() *DeletedBlocksTransaction {
	c := *t
	c.LocalIDs = append([]int64(nil), t.LocalIDs...)
	c.AckedNodes = append([]string(nil), t.AckedNodes...)
	return &c
}

// Store is the bolt-backed durable state of the SCM. Reads go straight to
// the database; all mutation goes through ApplyBatch.
type Store struct {
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the state store at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDeletedBlocks, bucketContainerMeta, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create state store buckets: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetTransaction returns the transaction with the given id, or ErrNotFound.
func (s *Store) GetTransaction(txID int64) (*DeletedBlocksTransaction, error) {
	var rec *DeletedBlocksTransaction
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeletedBlocks).Get(itob(txID))
		if data == nil {
			return fmt.Errorf("transaction %d: %w", txID, ErrNotFound)
		}
		rec = new(DeletedBlocksTransaction)
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ForEachTransactionFrom walks the transaction table in ascending txID
// order starting at startTxID. The callback returns false to stop the walk
// early.
func (s *Store) ForEachTransactionFrom(startTxID int64, fn func(*DeletedBlocksTransaction) (bool, error)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeletedBlocks).Cursor()
		for k, v := c.Seek(itob(startTxID)); k != nil; k, v = c.Next() {
			rec := new(DeletedBlocksTransaction)
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("corrupt transaction record at key %d: %w", btoi(k), err)
			}
			cont, err := fn(rec)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

// TransactionCount returns the number of records in the transaction table.
func (s *Store) TransactionCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketDeletedBlocks).Stats().KeyN
		return nil
	})
	return count, err
}

// GetDeleteWatermark returns the container's highest fully committed
// transaction id. Containers never written return 0.
func (s *Store) GetDeleteWatermark(containerID int64) (int64, error) {
	var value int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContainerMeta).Get(itob(containerID))
		if data != nil {
			value = btoi(data)
		}
		return nil
	})
	return value, err
}

// SequenceCeiling returns the highest transaction id the allocator has
// reserved so far, 0 on a fresh store.
func (s *Store) SequenceCeiling() (int64, error) {
	var value int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keySequence)
		if data != nil {
			value = btoi(data)
		}
		return nil
	})
	return value, err
}

// AppliedIndex returns the raft log index of the last applied batch.
func (s *Store) AppliedIndex() (uint64, error) {
	var value uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyAppliedIndex)
		if data != nil {
			value = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return value, err
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
