package selector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ctrlplane/meta/pkg/scheduling"
	"github.com/ctrlplane/meta/pkg/topology"
	"github.com/ctrlplane/meta/pkg/types"
)

func seedPkPrefixCount(view *scheduling.View, address, resourceTag, logicalRoom, pkPrefixKey string, count int64) {
	view.Modify(func(next map[string]*types.InstanceSchedulingInfo) {
		info, ok := next[address]
		if !ok {
			info = types.NewInstanceSchedulingInfo(resourceTag, logicalRoom)
		}
		info.PkPrefixRegionCount[pkPrefixKey] = count
		next[address] = info
	})
}

func TestSelectMinOnPkPrefixPrefersBelowBothPool(t *testing.T) {
	topo, view := newTestTopologyWithView(t)
	addInstance(t, topo, "10.0.0.1:8080", "ssd")
	addInstance(t, topo, "10.0.0.2:8080", "ssd")

	// store 1 is below the table average only (not pk-prefix); store 2 is
	// below both.
	seedTableCount(view, "10.0.0.1:8080", "ssd", "", "t1", 1)
	seedPkPrefixCount(view, "10.0.0.1:8080", "ssd", "", "k1", 10)
	seedTableCount(view, "10.0.0.2:8080", "ssd", "", "t1", 1)
	seedPkPrefixCount(view, "10.0.0.2:8080", "ssd", "", "k1", 1)

	addr, err := SelectMinOnPkPrefix(topo, view, topology.DefaultConfig(), "ssd", "t1", "k1", nil, "", 5, 5, false, false)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:8080", addr)
}

func TestSelectMinOnPkPrefixFallsBackToPkOnlyPoolWhenAllowed(t *testing.T) {
	topo, view := newTestTopologyWithView(t)
	addInstance(t, topo, "10.0.0.1:8080", "ssd")

	// below pk-prefix average but at/above the table average: belongs only
	// to pool (b).
	seedTableCount(view, "10.0.0.1:8080", "ssd", "", "t1", 10)
	seedPkPrefixCount(view, "10.0.0.1:8080", "ssd", "", "k1", 1)

	addr, err := SelectMinOnPkPrefix(topo, view, topology.DefaultConfig(), "ssd", "t1", "k1", nil, "", 5, 5, false, false)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:8080", addr)

	snap := view.Read()
	defer snap.Release()
	info, ok := snap.Get(addr)
	require.True(t, ok)
	require.Equal(t, int64(11), info.RegionCountByTable["t1"], "success must bump both counters")
	require.Equal(t, int64(2), info.PkPrefixRegionCount["k1"])
}

func TestSelectMinOnPkPrefixNeedBothBelowRejectsPkOnlyPool(t *testing.T) {
	topo, view := newTestTopologyWithView(t)
	addInstance(t, topo, "10.0.0.1:8080", "ssd")

	seedTableCount(view, "10.0.0.1:8080", "ssd", "", "t1", 10)
	seedPkPrefixCount(view, "10.0.0.1:8080", "ssd", "", "k1", 1)

	_, err := SelectMinOnPkPrefix(topo, view, topology.DefaultConfig(), "ssd", "t1", "k1", nil, "", 5, 5, true, false)
	require.Error(t, err, "needBothBelow must reject a candidate that is only below the pk-prefix average")
}

func TestSelectMinOnPkPrefixBelowTableOnlyBelongsToNeitherPool(t *testing.T) {
	topo, view := newTestTopologyWithView(t)
	addInstance(t, topo, "10.0.0.1:8080", "ssd")

	// below the table average but not the pk-prefix average: neither pool.
	seedTableCount(view, "10.0.0.1:8080", "ssd", "", "t1", 1)
	seedPkPrefixCount(view, "10.0.0.1:8080", "ssd", "", "k1", 10)

	_, err := SelectMinOnPkPrefix(topo, view, topology.DefaultConfig(), "ssd", "t1", "k1", nil, "", 5, 5, false, false)
	require.Error(t, err)
}
