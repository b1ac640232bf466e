package storage

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// bucketMeta is the single bucket holding every entity class. The spec's
// key scheme already gives every entity a globally unique, prefix-sorted
// byte key (CLUSTER_IDENTIFY + entity-kind + suffix), so one bucket with a
// cursor-based prefix scan is sufficient and keeps ScanPrefix a single
// linear walk instead of a fan-out across per-entity buckets.
var bucketMeta = []byte("meta")

// BoltStore implements Store using a single bbolt bucket keyed by the
// full byte key the topology package constructs.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the bbolt-backed meta store
// under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "meta.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Put writes a single key.
func (s *BoltStore) Put(key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(key, value)
	})
}

// PutBatch writes several keys in one transaction.
func (s *BoltStore) PutBatch(keys, values [][]byte) error {
	if len(keys) != len(values) {
		return fmt.Errorf("storage: PutBatch key/value length mismatch: %d keys, %d values", len(keys), len(values))
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		for i := range keys {
			if err := b.Put(keys[i], values[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Write atomically applies puts and deletes in one transaction. Used by
// the raft FSM's Restore to replace the store's contents with a snapshot's.
func (s *BoltStore) Write(putKeys, putValues, deleteKeys [][]byte) error {
	if len(putKeys) != len(putValues) {
		return fmt.Errorf("storage: Write put key/value length mismatch: %d keys, %d values", len(putKeys), len(putValues))
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		for i := range putKeys {
			if err := b.Put(putKeys[i], putValues[i]); err != nil {
				return err
			}
		}
		for _, key := range deleteKeys {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get reads a single key, returning (nil, nil) when absent.
func (s *BoltStore) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, err
}

// Delete removes one or more keys.
func (s *BoltStore) Delete(keys ...[]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		for _, key := range keys {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScanPrefix walks every key under prefix in byte order via a cursor seek,
// matching the reference implementation's prefix-iteration semantics.
func (s *BoltStore) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMeta).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}
