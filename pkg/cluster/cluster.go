package cluster

import (
	"fmt"
	"os"

	"github.com/ctrlplane/meta/pkg/balancer"
	"github.com/ctrlplane/meta/pkg/events"
	"github.com/ctrlplane/meta/pkg/health"
	"github.com/ctrlplane/meta/pkg/log"
	"github.com/ctrlplane/meta/pkg/scheduling"
	"github.com/ctrlplane/meta/pkg/statemachine"
	"github.com/ctrlplane/meta/pkg/storage"
	"github.com/ctrlplane/meta/pkg/topology"
)

// Config holds everything needed to stand up one meta-service node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	Topology topology.Config
	Health   health.Config

	// HostResolver resolves an instance address to a physical room when an
	// add_instance/heartbeat omits one explicitly. May be nil.
	HostResolver topology.HostResolver
}

// Cluster is one meta-service node: its topology store, its own raft
// participation, the store health monitor, and the heartbeat pipeline,
// built from the same collaborators and started/stopped together.
type Cluster struct {
	cfg Config

	store  storage.Store
	broker *events.Broker
	view   *scheduling.View

	Topology *topology.Topology
	State    *statemachine.StateMachine
	Tokens   *statemachine.TokenManager
	Health   *health.Monitor
	Pipeline *balancer.Pipeline

	RegionManager *balancer.StubRegionManager
	TableManager  *balancer.StubTableManager
}

// New constructs every subsystem but does not start the raft node or the
// health monitor; call Bootstrap and then Start.
func New(cfg Config) (*Cluster, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("create meta store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	topoCfg := cfg.Topology
	if topoCfg.DefaultLogicalRoom == "" {
		topoCfg = topology.DefaultConfig()
	}
	view := scheduling.NewView()
	topo := topology.New(store, cfg.HostResolver, view, broker, topoCfg)

	fsm := statemachine.NewFSM(store, topo)
	sm, err := statemachine.New(statemachine.Config{NodeID: cfg.NodeID, BindAddr: cfg.BindAddr, DataDir: cfg.DataDir}, fsm, topo)
	if err != nil {
		return nil, fmt.Errorf("create state machine: %w", err)
	}

	regionMgr := balancer.NewStubRegionManager()
	tableMgr := balancer.NewStubTableManager()
	pipeline := balancer.NewPipeline(topo, view, sm, regionMgr, tableMgr)

	healthCfg := cfg.Health
	if healthCfg.ScanInterval == 0 {
		healthCfg = health.DefaultConfig()
	}
	monitor := health.NewMonitor(topo, view, healthCfg, balancer.NewMigrator(regionMgr), regionMgr)

	return &Cluster{
		cfg:           cfg,
		store:         store,
		broker:        broker,
		view:          view,
		Topology:      topo,
		State:         sm,
		Tokens:        statemachine.NewTokenManager(),
		Health:        monitor,
		Pipeline:      pipeline,
		RegionManager: regionMgr,
		TableManager:  tableMgr,
	}, nil
}

// Bootstrap forms a brand-new single-node cluster and loads any existing
// topology from the meta store (a no-op on a genuinely empty data dir).
func (c *Cluster) Bootstrap() error {
	if err := c.State.Bootstrap(); err != nil {
		return err
	}
	return c.Topology.Load()
}

// Start begins the background loops: the store health monitor. The raft
// node itself has no separate start step beyond Bootstrap.
func (c *Cluster) Start() {
	c.Health.Start()
	log.WithNodeID(c.cfg.NodeID).Info().Msg("cluster node started")
}

// Stop ends the background loops. It does not close the meta store, since a
// graceful raft shutdown may still need to flush a final snapshot.
func (c *Cluster) Stop() {
	c.Health.Stop()
}

// Close releases the meta store handle. Call after Stop.
func (c *Cluster) Close() error {
	return c.store.Close()
}

// LogicalRoomCount, PhysicalRoomCount, and InstanceCountsByTagAndState
// delegate straight to Topology; they exist on Cluster so the metrics
// collector depends on this one facade rather than reaching into Topology
// and State separately.
func (c *Cluster) LogicalRoomCount() int {
	return c.Topology.LogicalRoomCount()
}

func (c *Cluster) PhysicalRoomCount() int {
	return c.Topology.PhysicalRoomCount()
}

func (c *Cluster) InstanceCountsByTagAndState() map[string]map[string]int {
	return c.Topology.InstanceCountsByTagAndState()
}

// IsLeader and PeerCount delegate to the node's raft state machine.
func (c *Cluster) IsLeader() bool {
	return c.State.IsLeader()
}

func (c *Cluster) PeerCount() int {
	return c.State.PeerCount()
}
