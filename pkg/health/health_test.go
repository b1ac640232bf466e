package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlplane/meta/pkg/events"
	"github.com/ctrlplane/meta/pkg/scheduling"
	"github.com/ctrlplane/meta/pkg/storage"
	"github.com/ctrlplane/meta/pkg/topology"
	"github.com/ctrlplane/meta/pkg/types"
)

// fakeRegionManager records the leader-count and region-delete calls the
// monitor makes, instead of moving any data.
type fakeRegionManager struct {
	mu            sync.Mutex
	leaderCounts  map[string]int64
	deletedStores []string
}

func newFakeRegionManager() *fakeRegionManager {
	return &fakeRegionManager{leaderCounts: make(map[string]int64)}
}

func (f *fakeRegionManager) SetInstanceLeaderCount(address string, count int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaderCounts[address] = count
	return nil
}

func (f *fakeRegionManager) DeleteAllRegionsForStore(address string, state types.InstanceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedStores = append(f.deletedStores, address)
	return nil
}

func newTestTopology(t *testing.T) (*topology.Topology, *scheduling.View) {
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
	return topo, view
}

func TestScanMarksOverdueInstanceFaulty(t *testing.T) {
	topo, view := newTestTopology(t)
	cfg := DefaultConfig()
	cfg.FaultyThreshold = 1 * time.Millisecond
	cfg.DeadThreshold = 100 * time.Hour
	cfg.MassFailureAbsoluteThreshold = 0
	cfg.MassFailureRatioThreshold = 0

	require.NoError(t, topo.AddInstance(&types.Instance{Address: "10.0.0.1:8080", ResourceTag: "ssd", Capacity: 100, UsedSize: 1}))
	time.Sleep(5 * time.Millisecond)

	regionMgr := newFakeRegionManager()
	m := NewMonitor(topo, view, cfg, nil, regionMgr)
	m.scan()

	got, ok := topo.Instance("10.0.0.1:8080")
	require.True(t, ok)
	assert.Equal(t, types.InstanceFaulty, got.Status.State)
	assert.Equal(t, int64(0), regionMgr.leaderCounts["10.0.0.1:8080"], "FAULTY transition should clear the store's leader count")
}

func TestScanRecoversFaultyInstanceThatHeartbeatsAgain(t *testing.T) {
	topo, view := newTestTopology(t)
	cfg := DefaultConfig()
	cfg.FaultyThreshold = 1 * time.Millisecond
	cfg.DeadThreshold = 100 * time.Hour
	cfg.MassFailureAbsoluteThreshold = 0
	cfg.MassFailureRatioThreshold = 0

	require.NoError(t, topo.AddInstance(&types.Instance{Address: "10.0.0.1:8080", ResourceTag: "ssd", Capacity: 100, UsedSize: 1}))
	time.Sleep(5 * time.Millisecond)

	m := NewMonitor(topo, view, cfg, nil, newFakeRegionManager())
	m.scan()
	got, _ := topo.Instance("10.0.0.1:8080")
	require.Equal(t, types.InstanceFaulty, got.Status.State)

	topo.TouchHeartbeat("10.0.0.1:8080")
	m.scan()
	got, _ = topo.Instance("10.0.0.1:8080")
	assert.Equal(t, types.InstanceNormal, got.Status.State)
}

func TestSuppressMassFailureBlocksDeadTransition(t *testing.T) {
	topo, view := newTestTopology(t)
	cfg := DefaultConfig()
	m := NewMonitor(topo, view, cfg, nil, newFakeRegionManager())

	// 5 of 10 instances DEAD (all holding regions), none FAULTY: ratio 0.5
	// clears the 0.10 default and the absolute count (5) clears 3.
	suppressed := m.suppressMassFailure("ssd", 5, 5, 0, 10)
	assert.True(t, suppressed)

	// Ratio 0.1 meets the 0.10 threshold, but the absolute count (1) is
	// below 3.
	notSuppressed := m.suppressMassFailure("ssd", 1, 1, 0, 10)
	assert.False(t, notSuppressed)
}

func TestSuppressMassFailureRatioExcludesEmptyDeadStores(t *testing.T) {
	topo, view := newTestTopology(t)
	m := NewMonitor(topo, view, DefaultConfig(), nil, newFakeRegionManager())

	// 10 instances DEAD but none of them held any regions: the ratio's
	// numerator is zero, so the ratio itself is zero even though the
	// absolute dead count clears the threshold.
	assert.False(t, m.suppressMassFailure("ssd", 10, 0, 0, 20))
}

func TestSuppressMassFailureCountsFaultyAlongsideDead(t *testing.T) {
	topo, view := newTestTopology(t)
	m := NewMonitor(topo, view, DefaultConfig(), nil, newFakeRegionManager())

	// 2 dead-with-regions + 2 faulty out of 10 = ratio 0.4, absolute 4.
	assert.True(t, m.suppressMassFailure("ssd", 2, 2, 2, 10))
}

type fakeMigrator struct {
	migrated []string
}

func (f *fakeMigrator) MigrateStore(ctx context.Context, address string) error {
	f.migrated = append(f.migrated, address)
	return nil
}

func TestScanFansOutMigrateInstances(t *testing.T) {
	topo, view := newTestTopology(t)
	require.NoError(t, topo.AddInstance(&types.Instance{Address: "10.0.0.2:8080", ResourceTag: "ssd", Capacity: 100, UsedSize: 1}))
	require.NoError(t, topo.SetInstanceMigrate("10.0.0.2:8080", true))

	migrator := &fakeMigrator{}
	m := NewMonitor(topo, view, DefaultConfig(), migrator, newFakeRegionManager())
	m.scan()

	assert.Equal(t, []string{"10.0.0.2:8080"}, migrator.migrated)
}

func TestScanDeletesRegionsForDeadStore(t *testing.T) {
	topo, view := newTestTopology(t)
	cfg := DefaultConfig()
	cfg.FaultyThreshold = 1 * time.Millisecond
	cfg.DeadThreshold = 2 * time.Millisecond
	// One DEAD store stays below an absolute threshold of 2, so the scan
	// is not suppressed.
	cfg.MassFailureAbsoluteThreshold = 2
	cfg.MassFailureRatioThreshold = 0

	require.NoError(t, topo.AddInstance(&types.Instance{Address: "10.0.0.1:8080", ResourceTag: "ssd", Capacity: 100, UsedSize: 1}))
	time.Sleep(10 * time.Millisecond)

	regionMgr := newFakeRegionManager()
	m := NewMonitor(topo, view, cfg, nil, regionMgr)
	m.scan()

	got, ok := topo.Instance("10.0.0.1:8080")
	require.True(t, ok)
	assert.Equal(t, types.InstanceDead, got.Status.State)
	assert.Equal(t, []string{"10.0.0.1:8080"}, regionMgr.deletedStores)
}
