// Package balancer implements the heartbeat pipeline: the store heartbeat
// that routes capacity/tag changes into the topology store and emits
// add-peer/add-learner/pk-prefix budgets, and the client heartbeat that
// hands back a read-only topology snapshot. It also defines the region
// manager and table manager collaborator interfaces the pipeline hands
// budgets to, along with in-process reference stubs, since moving actual
// region data is out of this control plane's scope.
package balancer
