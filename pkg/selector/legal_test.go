package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ctrlplane/meta/pkg/topology"
	"github.com/ctrlplane/meta/pkg/types"
)

func cfgWithDiskLimit(limit int64) topology.Config {
	cfg := topology.DefaultConfig()
	cfg.DiskUsedPercentLimit = limit
	return cfg
}

func TestIsLegalRejectsNonNormalState(t *testing.T) {
	inst := types.Instance{Address: "10.0.0.1:8080", Capacity: 100, UsedSize: 1, Status: types.InstanceStatus{State: types.InstanceFaulty}}
	assert.False(t, IsLegal(inst, topology.DefaultConfig(), nil, ""))
}

func TestIsLegalRejectsZeroCapacity(t *testing.T) {
	inst := types.Instance{Address: "10.0.0.1:8080", Capacity: 0, Status: types.InstanceStatus{State: types.InstanceNormal}}
	assert.False(t, IsLegal(inst, topology.DefaultConfig(), nil, ""))
}

func TestIsLegalDiskUsageAtCeilingIsLegal(t *testing.T) {
	inst := types.Instance{Address: "10.0.0.1:8080", Capacity: 100, UsedSize: 80, Status: types.InstanceStatus{State: types.InstanceNormal}}
	assert.True(t, IsLegal(inst, cfgWithDiskLimit(80), nil, ""))
}

func TestIsLegalDiskUsageOverCeilingIsIllegal(t *testing.T) {
	inst := types.Instance{Address: "10.0.0.1:8080", Capacity: 100, UsedSize: 81, Status: types.InstanceStatus{State: types.InstanceNormal}}
	assert.False(t, IsLegal(inst, cfgWithDiskLimit(80), nil, ""))
}

func TestIsLegalRejectsLogicalRoomMismatch(t *testing.T) {
	inst := types.Instance{Address: "10.0.0.1:8080", Capacity: 100, LogicalRoom: "room-a", Status: types.InstanceStatus{State: types.InstanceNormal}}
	assert.False(t, IsLegal(inst, topology.DefaultConfig(), nil, "room-b"))
	assert.True(t, IsLegal(inst, topology.DefaultConfig(), nil, "room-a"))
	assert.True(t, IsLegal(inst, topology.DefaultConfig(), nil, ""), "empty logical_room means no restriction")
}

func TestIsLegalExclusionByExactAddress(t *testing.T) {
	cfg := topology.DefaultConfig()
	cfg.PeerBalanceByIP = false
	inst := types.Instance{Address: "10.0.0.1:8080", Capacity: 100, Status: types.InstanceStatus{State: types.InstanceNormal}}

	assert.False(t, IsLegal(inst, cfg, map[string]bool{"10.0.0.1:8080": true}, ""))
	assert.True(t, IsLegal(inst, cfg, map[string]bool{"10.0.0.1:9090": true}, ""), "different port, same IP must not exclude when PeerBalanceByIP is off")
}

func TestIsLegalExclusionByIPWhenPeerBalanceByIPSet(t *testing.T) {
	cfg := topology.DefaultConfig()
	cfg.PeerBalanceByIP = true
	inst := types.Instance{Address: "10.0.0.1:8080", Capacity: 100, Status: types.InstanceStatus{State: types.InstanceNormal}}

	assert.False(t, IsLegal(inst, cfg, map[string]bool{"10.0.0.1:9090": true}, ""), "same IP, different port must exclude when PeerBalanceByIP is on")
	assert.True(t, IsLegal(inst, cfg, map[string]bool{"10.0.0.2:8080": true}, ""))
}

func TestIsLegalChecksDiskUsageLastAfterExclusion(t *testing.T) {
	// An excluded instance over the disk ceiling must still be reported
	// illegal via the exclusion short-circuit, not the disk check -- this
	// only matters for which branch returns false, but both must agree the
	// candidate is illegal.
	inst := types.Instance{Address: "10.0.0.1:8080", Capacity: 100, UsedSize: 95, Status: types.InstanceStatus{State: types.InstanceNormal}}
	cfg := cfgWithDiskLimit(80)
	assert.False(t, IsLegal(inst, cfg, map[string]bool{"10.0.0.1:8080": true}, ""))
}
