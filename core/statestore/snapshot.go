package statestore

import (
	"encoding/binary"
	"encoding/json"

	"github.com/boltdb/bolt"
)

// StateSnapshot is a point-in-time copy of the whole store, used by the
// consensus layer to snapshot and restore the replicated state machine.
type StateSnapshot struct {
	Transactions []*DeletedBlocksTransaction `json:"transactions"`
	Watermarks   map[int64]int64             `json:"watermarks"`
	Sequence     int64                       `json:"sequence"`
	AppliedIndex uint64                      `json:"applied_index"`
}

// SnapshotState reads a consistent snapshot of the store.
func (s *Store) SnapshotState() (*StateSnapshot, error) {
	snap := &StateSnapshot{Watermarks: make(map[int64]int64)}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDeletedBlocks).ForEach(func(k, v []byte) error {
			rec := new(DeletedBlocksTransaction)
			if err := json.Unmarshal(v, rec); err != nil {
				return err
			}
			snap.Transactions = append(snap.Transactions, rec)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketContainerMeta).ForEach(func(k, v []byte) error {
			snap.Watermarks[btoi(k)] = btoi(v)
			return nil
		}); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		if data := meta.Get(keySequence); data != nil {
			snap.Sequence = btoi(data)
		}
		if data := meta.Get(keyAppliedIndex); data != nil {
			snap.AppliedIndex = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// RestoreState replaces the entire store contents with the snapshot.
func (s *Store) RestoreState(snap *StateSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDeletedBlocks, bucketContainerMeta, bucketMeta} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		blocks := tx.Bucket(bucketDeletedBlocks)
		for _, rec := range snap.Transactions {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := blocks.Put(itob(rec.TxID), data); err != nil {
				return err
			}
		}

		containers := tx.Bucket(bucketContainerMeta)
		for cid, value := range snap.Watermarks {
			if err := containers.Put(itob(cid), itob(value)); err != nil {
				return err
			}
		}

		meta := tx.Bucket(bucketMeta)
		if snap.Sequence > 0 {
			if err := meta.Put(keySequence, itob(snap.Sequence)); err != nil {
				return err
			}
		}
		if snap.AppliedIndex > 0 {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, snap.AppliedIndex)
			if err := meta.Put(keyAppliedIndex, buf); err != nil {
				return err
			}
		}
		return nil
	})
}
