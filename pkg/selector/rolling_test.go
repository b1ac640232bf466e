package selector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ctrlplane/meta/pkg/events"
	"github.com/ctrlplane/meta/pkg/scheduling"
	"github.com/ctrlplane/meta/pkg/storage"
	"github.com/ctrlplane/meta/pkg/topology"
	"github.com/ctrlplane/meta/pkg/types"
)

func newTestTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo, _ := newTestTopologyWithView(t)
	return topo
}

func newTestTopologyWithView(t *testing.T) (*topology.Topology, *scheduling.View) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	view := scheduling.NewView()
	topo := topology.New(store, nil, view, broker, topology.DefaultConfig())
	return topo, view
}

func addInstance(t *testing.T, topo *topology.Topology, address, tag string) {
	t.Helper()
	require.NoError(t, topo.AddInstance(&types.Instance{
		Address:     address,
		ResourceTag: tag,
		Capacity:    100,
		UsedSize:    1,
	}))
}

func TestSelectRollingCyclesThroughAllInstances(t *testing.T) {
	topo := newTestTopology(t)
	addInstance(t, topo, "10.0.0.1:8080", "ssd")
	addInstance(t, topo, "10.0.0.2:8080", "ssd")
	addInstance(t, topo, "10.0.0.3:8080", "ssd")

	cfg := topology.DefaultConfig()
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		addr, err := SelectRolling(topo, cfg, "ssd", nil, "", false)
		require.NoError(t, err)
		seen[addr] = true
	}
	require.Len(t, seen, 3, "one full rotation must visit every instance exactly once")
}

func TestSelectRollingErrorsWhenTagEmpty(t *testing.T) {
	topo := newTestTopology(t)
	_, err := SelectRolling(topo, topology.DefaultConfig(), "ssd", nil, "", false)
	require.Error(t, err)
}

func TestSelectRollingSkipsIllegalCandidatesButConsumesBudget(t *testing.T) {
	topo := newTestTopology(t)
	addInstance(t, topo, "10.0.0.1:8080", "ssd")
	addInstance(t, topo, "10.0.0.2:8080", "ssd")
	topo.SetInstanceState("10.0.0.1:8080", types.InstanceFaulty)

	addr, err := SelectRolling(topo, topology.DefaultConfig(), "ssd", nil, "", false)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:8080", addr)
}

func TestSelectRollingReturnsErrorWhenAllIllegal(t *testing.T) {
	topo := newTestTopology(t)
	addInstance(t, topo, "10.0.0.1:8080", "ssd")
	topo.SetInstanceState("10.0.0.1:8080", types.InstanceFaulty)

	_, err := SelectRolling(topo, topology.DefaultConfig(), "ssd", nil, "", false)
	require.Error(t, err)
}
