package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlplane/meta/pkg/events"
	"github.com/ctrlplane/meta/pkg/scheduling"
	"github.com/ctrlplane/meta/pkg/storage"
	"github.com/ctrlplane/meta/pkg/types"
)

func newTestTopology(t *testing.T) *Topology {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	view := scheduling.NewView()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(store, nil, view, broker, DefaultConfig())
}

func assertInputParamError(t *testing.T, err error) {
	t.Helper()
	statusErr, ok := err.(*types.StatusError)
	require.True(t, ok, "expected a *types.StatusError, got %T", err)
	assert.Equal(t, types.StatusInputParamError, statusErr.Code)
}

func TestNewTopologySeedsDefaultRoom(t *testing.T) {
	topo := newTestTopology(t)
	assert.Equal(t, []string{"default"}, topo.LogicalRooms())
	assert.Equal(t, []string{"default"}, topo.PhysicalRooms("default"))
}

func TestAddLogicalRejectsDuplicateName(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, topo.AddLogical([]string{"room-a"}))

	err := topo.AddLogical([]string{"room-a"})
	require.Error(t, err)
	assertInputParamError(t, err)

	// The pre-existing room must still be intact; the whole batch should
	// have been rejected before any mutation.
	assert.Contains(t, topo.LogicalRooms(), "room-a")
}

func TestAddLogicalRejectsDuplicateWithinOneBatchWithoutPartialApply(t *testing.T) {
	topo := newTestTopology(t)
	err := topo.AddLogical([]string{"room-a", "room-a"})
	require.Error(t, err)
	assert.NotContains(t, topo.LogicalRooms(), "room-a")
}

func TestDropLogicalRefusesNonEmptyRoom(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, topo.AddLogical([]string{"room-a"}))
	require.NoError(t, topo.AddPhysical("room-a", []string{"pr-a"}))

	err := topo.DropLogical([]string{"room-a"})
	require.Error(t, err)
	assertInputParamError(t, err)
}

func TestAddPhysicalRejectsDuplicateNameGlobally(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, topo.AddLogical([]string{"room-a", "room-b"}))
	require.NoError(t, topo.AddPhysical("room-a", []string{"pr-1"}))

	err := topo.AddPhysical("room-b", []string{"pr-1"})
	require.Error(t, err)
	assertInputParamError(t, err)

	// room-b must not have picked up pr-1 from the rejected batch.
	assert.Empty(t, topo.PhysicalRooms("room-b"))
}

func TestAddPhysicalRejectsDuplicateWithinOneBatchWithoutPartialApply(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, topo.AddLogical([]string{"room-a"}))

	err := topo.AddPhysical("room-a", []string{"pr-1", "pr-1"})
	require.Error(t, err)
	assert.Empty(t, topo.PhysicalRooms("room-a"))
}

func TestDropPhysicalRefusesRoomWithInstances(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, topo.AddLogical([]string{"room-a"}))
	require.NoError(t, topo.AddPhysical("room-a", []string{"pr-1"}))
	require.NoError(t, topo.AddInstance(&types.Instance{
		Address:      "10.0.0.1:8080",
		PhysicalRoom: "pr-1",
		ResourceTag:  "ssd",
		Capacity:     100,
	}))

	err := topo.DropPhysical("room-a", []string{"pr-1"})
	require.Error(t, err)
}

func TestAddInstanceRejectsDuplicateAddress(t *testing.T) {
	topo := newTestTopology(t)
	inst := &types.Instance{Address: "10.0.0.1:8080", ResourceTag: "ssd", Capacity: 100}
	require.NoError(t, topo.AddInstance(inst))

	err := topo.AddInstance(&types.Instance{Address: "10.0.0.1:8080", ResourceTag: "ssd", Capacity: 200})
	require.Error(t, err)
	assertInputParamError(t, err)
}

func TestAddInstanceDefaultsToDefaultPhysicalRoom(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, topo.AddInstance(&types.Instance{Address: "10.0.0.1:8080", ResourceTag: "ssd", Capacity: 100}))

	inst, ok := topo.Instance("10.0.0.1:8080")
	require.True(t, ok)
	assert.Equal(t, "default", inst.PhysicalRoom)
	assert.Equal(t, "default", inst.LogicalRoom)
}

func TestDropInstanceIsIdempotentOnUnknownAddress(t *testing.T) {
	topo := newTestTopology(t)
	err := topo.DropInstance("10.0.0.1:8080")
	assert.NoError(t, err, "dropping an unknown instance must succeed, unlike every other unknown-name path")
}

func TestDropInstanceRemovesFromTagIndex(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, topo.AddInstance(&types.Instance{Address: "10.0.0.1:8080", ResourceTag: "ssd", Capacity: 100}))
	require.NoError(t, topo.DropInstance("10.0.0.1:8080"))

	assert.Empty(t, topo.InstancesByTag("ssd"))
	_, ok := topo.Instance("10.0.0.1:8080")
	assert.False(t, ok)
}

func TestUpdateInstancePreservesStatusAndRoomAssignment(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, topo.AddInstance(&types.Instance{Address: "10.0.0.1:8080", ResourceTag: "ssd", Capacity: 100}))
	topo.SetInstanceState("10.0.0.1:8080", types.InstanceFaulty)

	require.NoError(t, topo.UpdateInstance("10.0.0.1:8080", 500, 50, "", ""))

	inst, ok := topo.Instance("10.0.0.1:8080")
	require.True(t, ok)
	assert.Equal(t, int64(500), inst.Capacity)
	assert.Equal(t, types.InstanceFaulty, inst.Status.State, "status must survive an update that doesn't touch it")
	assert.Equal(t, "default", inst.PhysicalRoom)
}

func TestUpdateInstanceTagChangeMovesSchedulingAggregate(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, topo.AddInstance(&types.Instance{Address: "10.0.0.1:8080", ResourceTag: "ssd", Capacity: 100}))

	require.NoError(t, topo.UpdateInstance("10.0.0.1:8080", 100, 0, "hdd", ""))

	assert.Empty(t, topo.InstancesByTag("ssd"))
	assert.Len(t, topo.InstancesByTag("hdd"), 1)
}

func TestSetInstanceMigrateTogglesState(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, topo.AddInstance(&types.Instance{Address: "10.0.0.1:8080", ResourceTag: "ssd", Capacity: 100}))

	require.NoError(t, topo.SetInstanceMigrate("10.0.0.1:8080", true))
	inst, _ := topo.Instance("10.0.0.1:8080")
	assert.Equal(t, types.InstanceMigrate, inst.Status.State)

	require.NoError(t, topo.SetInstanceMigrate("10.0.0.1:8080", false))
	inst, _ = topo.Instance("10.0.0.1:8080")
	assert.Equal(t, types.InstanceNormal, inst.Status.State)
}

func TestMovePhysicalCarriesInstanceLogicalRoom(t *testing.T) {
	topo := newTestTopology(t)
	require.NoError(t, topo.AddLogical([]string{"room-a", "room-b"}))
	require.NoError(t, topo.AddPhysical("room-a", []string{"pr-1"}))
	require.NoError(t, topo.AddInstance(&types.Instance{Address: "10.0.0.1:8080", PhysicalRoom: "pr-1", ResourceTag: "ssd", Capacity: 100}))

	require.NoError(t, topo.MovePhysical("pr-1", "room-a", "room-b"))

	inst, ok := topo.Instance("10.0.0.1:8080")
	require.True(t, ok)
	assert.Equal(t, "room-b", inst.LogicalRoom)
}
