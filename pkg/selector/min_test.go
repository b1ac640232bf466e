package selector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ctrlplane/meta/pkg/scheduling"
	"github.com/ctrlplane/meta/pkg/topology"
	"github.com/ctrlplane/meta/pkg/types"
)

func seedTableCount(view *scheduling.View, address, resourceTag, logicalRoom, tableID string, count int64) {
	view.Modify(func(next map[string]*types.InstanceSchedulingInfo) {
		info, ok := next[address]
		if !ok {
			info = types.NewInstanceSchedulingInfo(resourceTag, logicalRoom)
		}
		info.RegionCountByTable[tableID] = count
		next[address] = info
	})
}

func TestSelectMinPicksBelowAverageInstance(t *testing.T) {
	topo, view := newTestTopologyWithView(t)
	addInstance(t, topo, "10.0.0.1:8080", "ssd")
	addInstance(t, topo, "10.0.0.2:8080", "ssd")
	seedTableCount(view, "10.0.0.1:8080", "ssd", "", "t1", 10)
	seedTableCount(view, "10.0.0.2:8080", "ssd", "", "t1", 0)

	addr, err := SelectMin(topo, view, topology.DefaultConfig(), "ssd", "t1", nil, "", 5, false)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:8080", addr)
}

func TestSelectMinAverageZeroShortCircuitsToZeroLoadInstance(t *testing.T) {
	topo, view := newTestTopologyWithView(t)
	addInstance(t, topo, "10.0.0.1:8080", "ssd")
	addInstance(t, topo, "10.0.0.2:8080", "ssd")

	addr, err := SelectMin(topo, view, topology.DefaultConfig(), "ssd", "t1", nil, "", 0, false)
	require.NoError(t, err)
	require.Contains(t, []string{"10.0.0.1:8080", "10.0.0.2:8080"}, addr)

	snap := view.Read()
	defer snap.Release()
	info, ok := snap.Get(addr)
	require.True(t, ok)
	require.Equal(t, int64(1), info.RegionCountByTable["t1"], "a successful pick must bump the chosen instance's table count")
}

func TestSelectMinFallsBackToTrackedMinimumWhenNoneBelowAverage(t *testing.T) {
	topo, view := newTestTopologyWithView(t)
	addInstance(t, topo, "10.0.0.1:8080", "ssd")
	addInstance(t, topo, "10.0.0.2:8080", "ssd")
	seedTableCount(view, "10.0.0.1:8080", "ssd", "", "t1", 10)
	seedTableCount(view, "10.0.0.2:8080", "ssd", "", "t1", 12)

	// average of 10: both stores are at or above it, so the below-average
	// pool is empty and the walk must fall back to the tracked minimum.
	addr, err := SelectMin(topo, view, topology.DefaultConfig(), "ssd", "t1", nil, "", 10, false)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:8080", addr)
}

func TestSelectMinExcludesGivenAddress(t *testing.T) {
	topo, view := newTestTopologyWithView(t)
	addInstance(t, topo, "10.0.0.1:8080", "ssd")
	addInstance(t, topo, "10.0.0.2:8080", "ssd")

	addr, err := SelectMin(topo, view, topology.DefaultConfig(), "ssd", "t1", map[string]bool{"10.0.0.1:8080": true}, "", 0, false)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:8080", addr)
}

func TestSelectMinReturnsErrorWhenNoLegalInstance(t *testing.T) {
	topo, view := newTestTopologyWithView(t)
	addInstance(t, topo, "10.0.0.1:8080", "ssd")
	topo.SetInstanceState("10.0.0.1:8080", types.InstanceDead)

	_, err := SelectMin(topo, view, topology.DefaultConfig(), "ssd", "t1", nil, "", 0, false)
	require.Error(t, err)
}
