package statemachine

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/ctrlplane/meta/pkg/metrics"
	"github.com/ctrlplane/meta/pkg/topology"
)

// Config holds the configuration needed to stand up this node's raft
// participation in the meta-service's own cluster (distinct from the data
// plane's store instances that topology.Topology tracks).
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// StateMachine wraps a hashicorp/raft node applying Commands to a
// topology.Topology through an FSM. It is the meta-service's own
// consensus layer, not to be confused with the cluster of store instances
// the topology describes.
type StateMachine struct {
	cfg  Config
	raft *raft.Raft
	fsm  *FSM
	topo *topology.Topology

	switchMu              sync.Mutex
	loadBalance           map[string]bool
	networkSegmentBalance map[string]bool
	migrate               map[string]bool
}

// New constructs the raft node bound to fsm, but does not yet bootstrap or
// join a cluster.
func New(cfg Config, fsm *FSM, topo *topology.Topology) (*StateMachine, error) {
	sm := &StateMachine{
		cfg:                   cfg,
		fsm:                   fsm,
		topo:                  topo,
		loadBalance:           make(map[string]bool),
		networkSegmentBalance: make(map[string]bool),
		migrate:               make(map[string]bool),
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)

	// Tuned for LAN/edge deployments rather than hashicorp/raft's
	// WAN-conservative defaults: heartbeats every ~250ms, election within
	// ~500ms-1s, total failover well under 10s.
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}
	sm.raft = r
	return sm, nil
}

// Bootstrap forms a brand-new single-node cluster with this node as the
// only member. Call this on exactly one node when standing up a fresh
// cluster; every other node should Join instead.
func (sm *StateMachine) Bootstrap() error {
	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(sm.cfg.NodeID), Address: raft.ServerAddress(sm.cfg.BindAddr)},
		},
	}
	future := sm.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	return nil
}

// AddVoter adds a new meta-service node to the raft cluster. Must be
// called on the leader.
func (sm *StateMachine) AddVoter(nodeID, address string) error {
	if !sm.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", sm.LeaderAddr())
	}
	future := sm.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a meta-service node from the raft cluster.
func (sm *StateMachine) RemoveServer(nodeID string) error {
	if !sm.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", sm.LeaderAddr())
	}
	future := sm.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("remove server: %w", err)
	}
	return nil
}

// GetClusterServers returns the current raft configuration's server list.
func (sm *StateMachine) GetClusterServers() ([]raft.Server, error) {
	future := sm.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds raft leadership.
func (sm *StateMachine) IsLeader() bool {
	return sm.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's raft bind address, if known.
func (sm *StateMachine) LeaderAddr() string {
	return string(sm.raft.Leader())
}

// PeerCount returns the number of servers in the current raft configuration.
func (sm *StateMachine) PeerCount() int {
	future := sm.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	return len(future.Configuration().Servers)
}

// GetRaftStats returns a snapshot of raft's internal counters for
// diagnostics endpoints.
func (sm *StateMachine) GetRaftStats() map[string]string {
	stats := map[string]string{
		"state":          sm.raft.State().String(),
		"last_log_index": fmt.Sprintf("%d", sm.raft.LastIndex()),
		"applied_index":  fmt.Sprintf("%d", sm.raft.AppliedIndex()),
		"leader":         string(sm.raft.Leader()),
	}
	return stats
}

// WhetherCanDecide reports whether this node is both the raft leader and
// caught up with the latest committed log entry. Balancing decisions
// (selectors, budget emission) must never run against a state machine that
// is still replaying its log, since the topology it would read from could
// be stale relative to what just got committed.
func (sm *StateMachine) WhetherCanDecide() bool {
	return sm.IsLeader() && sm.raft.AppliedIndex() == sm.raft.LastIndex()
}

// Apply submits a command to raft and blocks until it is committed,
// returning the FSM's result (nil on success, otherwise the error the
// topology mutation returned).
func (sm *StateMachine) Apply(cmd Command) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	future := sm.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if respErr, ok := resp.(error); ok && respErr != nil {
			return respErr
		}
	}
	return nil
}

// GetLoadBalance, GetNetworkSegmentBalance, and GetMigrate are per-resource-
// tag operational toggles an operator flips to pause peer/learner
// balancing, network-segment balancing, or store migration for a tag.
// They are leader-local rather than raft-replicated: a toggle is an
// operational knob on whichever node is currently deciding, not agreed-upon
// cluster state, so after a leadership change the new leader's own settings
// apply (by default load and segment balancing enabled, migrate disabled).
// GetMigrate is recorded here but not read by any package: the health
// monitor's MIGRATE fan-out runs regardless of it.
func (sm *StateMachine) GetLoadBalance(tag string) bool {
	sm.switchMu.Lock()
	defer sm.switchMu.Unlock()
	enabled, ok := sm.loadBalance[tag]
	return !ok || enabled
}

func (sm *StateMachine) SetLoadBalance(tag string, enabled bool) {
	sm.switchMu.Lock()
	defer sm.switchMu.Unlock()
	sm.loadBalance[tag] = enabled
}

func (sm *StateMachine) GetNetworkSegmentBalance(tag string) bool {
	sm.switchMu.Lock()
	defer sm.switchMu.Unlock()
	enabled, ok := sm.networkSegmentBalance[tag]
	return !ok || enabled
}

func (sm *StateMachine) SetNetworkSegmentBalance(tag string, enabled bool) {
	sm.switchMu.Lock()
	defer sm.switchMu.Unlock()
	sm.networkSegmentBalance[tag] = enabled
}

func (sm *StateMachine) GetMigrate(tag string) bool {
	sm.switchMu.Lock()
	defer sm.switchMu.Unlock()
	return sm.migrate[tag]
}

func (sm *StateMachine) SetMigrate(tag string, enabled bool) {
	sm.switchMu.Lock()
	defer sm.switchMu.Unlock()
	sm.migrate[tag] = enabled
}
