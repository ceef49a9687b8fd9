// Package datanode implements the storage-node side of block deletion: a
// local block store and the agent that registers with the SCM, executes
// incoming delete commands against the store, and reports the results
// back.
package datanode

import (
	"encoding/binary"
	"fmt"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"
)

var blocksBucket = []byte("blocks")

// BlockStore is the datanode's local block database. Block payloads are
// keyed by (containerID, localID); deletion is idempotent, removing an
// absent block is not an error.
type BlockStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

// OpenBlockStore opens (or creates) the block database at path.
func OpenBlockStore(path string, logger *zap.Logger) (*BlockStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open block store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create blocks bucket: %w", err)
	}
	return &BlockStore{db: db, logger: logger}, nil
}

func (s *BlockStore) Close() error {
	return s.db.Close()
}

func blockKey(containerID, localID int64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(containerID))
	binary.BigEndian.PutUint64(key[8:], uint64(localID))
	return key
}

// PutBlock stores a block payload.
func (s *BlockStore) PutBlock(containerID, localID int64, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).Put(blockKey(containerID, localID), data)
	})
}

// HasBlock reports whether a block is present.
func (s *BlockStore) HasBlock(containerID, localID int64) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(blocksBucket).Get(blockKey(containerID, localID)) != nil
		return nil
	})
	return found, err
}

// DeleteBlocks removes the given blocks of a container in one write
// transaction and returns how many were actually present.
func (s *BlockStore) DeleteBlocks(containerID int64, localIDs []int64) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blocksBucket)
		for _, localID := range localIDs {
			key := blockKey(containerID, localID)
			if bucket.Get(key) == nil {
				continue
			}
			if err := bucket.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete blocks of container %d: %w", containerID, err)
	}
	return deleted, nil
}
