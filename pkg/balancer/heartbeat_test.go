package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ctrlplane/meta/pkg/events"
	"github.com/ctrlplane/meta/pkg/scheduling"
	"github.com/ctrlplane/meta/pkg/statemachine"
	"github.com/ctrlplane/meta/pkg/storage"
	"github.com/ctrlplane/meta/pkg/topology"
	"github.com/ctrlplane/meta/pkg/types"
)

func newTestPipeline(t *testing.T) (*Pipeline, *StubRegionManager, *StubTableManager) {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	view := scheduling.NewView()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	topo := topology.New(store, nil, view, broker, topology.DefaultConfig())
	fsm := statemachine.NewFSM(store, topo)

	sm, err := statemachine.New(statemachine.Config{NodeID: "node-1", BindAddr: "127.0.0.1:0", DataDir: dir}, fsm, topo)
	require.NoError(t, err)
	require.NoError(t, sm.Bootstrap())
	require.Eventually(t, sm.IsLeader, 5*time.Second, 20*time.Millisecond, "node never became leader")

	regionMgr := NewStubRegionManager()
	tableMgr := NewStubTableManager()
	return NewPipeline(topo, view, sm, regionMgr, tableMgr), regionMgr, tableMgr
}

func TestStoreHeartbeatCreatesUnknownInstance(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	resp, err := p.StoreHeartbeat(StoreHeartbeatRequest{
		Address:     "10.0.0.1:9000",
		Capacity:    1000,
		UsedSize:    10,
		ResourceTag: "ssd",
	})
	require.NoError(t, err)
	require.Empty(t, resp.Params)

	inst, ok := p.topo.Instance("10.0.0.1:9000")
	require.True(t, ok)
	require.Equal(t, int64(1000), inst.Capacity)
}

func TestStoreHeartbeatUpdatesChangedCapacity(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	_, err := p.StoreHeartbeat(StoreHeartbeatRequest{Address: "10.0.0.1:9000", Capacity: 1000, UsedSize: 10, ResourceTag: "ssd"})
	require.NoError(t, err)

	_, err = p.StoreHeartbeat(StoreHeartbeatRequest{Address: "10.0.0.1:9000", Capacity: 2000, UsedSize: 20, ResourceTag: "ssd"})
	require.NoError(t, err)

	inst, ok := p.topo.Instance("10.0.0.1:9000")
	require.True(t, ok)
	require.Equal(t, int64(2000), inst.Capacity)
	require.Equal(t, int64(20), inst.UsedSize)
}

func TestStoreHeartbeatRefreshesViewEvenWhenBalancingSkipped(t *testing.T) {
	p, regionMgr, _ := newTestPipeline(t)
	p.sm.SetLoadBalance("ssd", false)

	_, err := p.StoreHeartbeat(StoreHeartbeatRequest{
		Address:         "10.0.0.1:9000",
		Capacity:        1000,
		UsedSize:        10,
		ResourceTag:     "ssd",
		NeedPeerBalance: true,
		Peers: []types.PeerReport{
			{TableID: "t1", RegionID: "r1"},
		},
	})
	require.NoError(t, err)

	snap := p.view.Read()
	defer snap.Release()
	info, ok := snap.Get("10.0.0.1:9000")
	require.True(t, ok)
	require.Equal(t, int64(1), info.RegionCountByTable["t1"])
	require.Empty(t, regionMgr.PendingPlans())
}

func TestStoreHeartbeatEmitsOverAverageBudget(t *testing.T) {
	p, regionMgr, _ := newTestPipeline(t)

	// Three stores sharing table t1: two with one region each, one hot with
	// 10 regions vs an average of 4, comfortably past the 105% ceiling.
	hot := "10.0.0.1:9000"
	peers := make([]types.PeerReport, 0, 10)
	for i := 0; i < 10; i++ {
		peers = append(peers, types.PeerReport{TableID: "t1", RegionID: string(rune('a' + i))})
	}

	_, err := p.StoreHeartbeat(StoreHeartbeatRequest{Address: "10.0.0.2:9000", Capacity: 1000, UsedSize: 10, ResourceTag: "ssd", NeedPeerBalance: true,
		Peers: []types.PeerReport{{TableID: "t1", RegionID: "x1"}}})
	require.NoError(t, err)
	_, err = p.StoreHeartbeat(StoreHeartbeatRequest{Address: "10.0.0.3:9000", Capacity: 1000, UsedSize: 10, ResourceTag: "ssd", NeedPeerBalance: true,
		Peers: []types.PeerReport{{TableID: "t1", RegionID: "x2"}}})
	require.NoError(t, err)
	_, err = p.StoreHeartbeat(StoreHeartbeatRequest{Address: hot, Capacity: 1000, UsedSize: 10, ResourceTag: "ssd", NeedPeerBalance: true, Peers: peers})
	require.NoError(t, err)

	plans := regionMgr.PendingPlans()
	require.NotEmpty(t, plans)
	found := false
	for _, plan := range plans {
		if plan.FromAddress == hot && plan.Dimension == DimensionPeer {
			found = true
		}
	}
	require.True(t, found, "expected a peer budget for the over-average store")
}

func TestClientHeartbeatReturnsSnapshot(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	_, err := p.StoreHeartbeat(StoreHeartbeatRequest{Address: "10.0.0.1:9000", Capacity: 1000, UsedSize: 10, ResourceTag: "ssd"})
	require.NoError(t, err)

	snap := p.ClientHeartbeat()
	_, ok := snap.InstanceToRoom["10.0.0.1:9000"]
	require.True(t, ok)
}
