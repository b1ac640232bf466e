// Package storage implements the meta store: the durable byte-level KV
// interface the topology store persists through. The core engine only
// depends on the Store interface below; BoltStore is the reference
// implementation backing it with go.etcd.io/bbolt.
package storage

// Store is the byte-level KV interface the topology store persists
// through. Keys are constructed by the topology package following the
// CLUSTER_IDENTIFY + {LOGICAL|PHYSICAL|INSTANCE|INSTANCE_PARAM} + suffix
// scheme; this package treats keys and values as opaque bytes.
type Store interface {
	// Put writes a single key.
	Put(key, value []byte) error

	// PutBatch writes several keys atomically, all-or-nothing.
	PutBatch(keys, values [][]byte) error

	// Write atomically applies a batch of puts and deletes together; the
	// raft FSM's Restore uses it to replace the store's contents with a
	// snapshot's in one transaction.
	Write(putKeys, putValues, deleteKeys [][]byte) error

	// Get reads a single key. Returns (nil, nil) if the key is absent.
	Get(key []byte) ([]byte, error)

	// Delete removes one or more keys. Deleting an absent key is not an
	// error.
	Delete(keys ...[]byte) error

	// ScanPrefix iterates every key with the given prefix in key order,
	// invoking fn for each. Iteration stops if fn returns an error.
	ScanPrefix(prefix []byte, fn func(key, value []byte) error) error

	// Close releases the underlying storage handle.
	Close() error
}
