/*
Package metrics defines and registers the Prometheus metrics exposed by
the cluster control plane: topology size, raft state, network-segmentation
runs, instance state transitions, selector outcomes, and heartbeat-driven
balancing budgets.

Gauges that are expensive to keep current on every mutation (topology
counts, raft peer count) are refreshed periodically by Collector rather
than updated inline; everything else is updated at the call site via the
package-level vectors and the Timer helper.
*/
package metrics
