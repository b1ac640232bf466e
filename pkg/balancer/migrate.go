package balancer

import (
	"context"

	"github.com/ctrlplane/meta/pkg/types"
)

// Migrator adapts a RegionManager into the health.Migrator interface the
// store health monitor fans MIGRATE-flagged stores out to: a store flagged
// for migration keeps serving but needs its peers replicated elsewhere
// ahead of time, which is what AddPeerForStore asks the region manager to
// do. DeleteAllRegionsForStore is the DEAD-path action, not this one -- a
// MIGRATE store is still up and must not have its regions dropped out from
// under it.
type Migrator struct {
	regionMgr RegionManager
}

// NewMigrator wraps regionMgr for the health monitor.
func NewMigrator(regionMgr RegionManager) *Migrator {
	return &Migrator{regionMgr: regionMgr}
}

// MigrateStore adds peer capacity for address elsewhere. context is accepted
// for the interface's sake; the reference region manager has nothing to
// cancel.
func (m *Migrator) MigrateStore(_ context.Context, address string) error {
	return m.regionMgr.AddPeerForStore(address, types.InstanceMigrate)
}
