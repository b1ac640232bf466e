// Package cluster wires the topology store, raft state machine, scheduling
// view, store health monitor, and heartbeat pipeline into one facade for a
// single meta-service node: the CLI entrypoint and the metrics collector
// both sit on top of Cluster rather than constructing each subsystem
// themselves.
package cluster
