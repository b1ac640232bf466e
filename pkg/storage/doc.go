/*
Package storage provides the bbolt-backed meta store used to persist
cluster topology: logical rooms, physical rooms, instances, and instance
parameters.

All entity classes share one bucket, keyed by the full CLUSTER_IDENTIFY +
entity-kind + suffix byte key the topology package constructs; ScanPrefix
is a single cursor seek rather than a fan-out across per-entity buckets.
Values are opaque to this package — the topology package decides the wire
format (JSON in this implementation).

PutBatch and Write each apply all of their keys in a single bbolt
transaction, so multi-key operations never leave the store half-updated:
move_physical writes the logical-room list and both physical-room lists
with one PutBatch, and snapshot restore replaces the store's contents with
one Write.
*/
package storage
