package health

import (
	"context"
	"sync"
	"time"

	"github.com/ctrlplane/meta/pkg/log"
	"github.com/ctrlplane/meta/pkg/metrics"
	"github.com/ctrlplane/meta/pkg/scheduling"
	"github.com/ctrlplane/meta/pkg/topology"
	"github.com/ctrlplane/meta/pkg/types"
)

// Config holds the store health monitor's tunables.
type Config struct {
	// ScanInterval is how often the monitor re-evaluates every instance's
	// heartbeat age.
	ScanInterval time.Duration

	// FaultyThreshold and DeadThreshold are the heartbeat-age cutoffs for
	// NORMAL -> FAULTY and (NORMAL or FAULTY) -> DEAD respectively.
	FaultyThreshold time.Duration
	DeadThreshold   time.Duration

	// MassFailureRatioThreshold and MassFailureAbsoluteThreshold gate a
	// scan's DEAD transitions: if, for a resource tag, the fraction of that
	// tag's instances currently DEAD-or-FAULTY is at or above the ratio
	// threshold AND the raw count of DEAD-or-FAULTY instances is at or
	// above the absolute threshold, the whole batch of DEAD transitions
	// (and MIGRATE-triggered add-peers) for that tag is suppressed this
	// scan rather than applied, on the theory that simultaneous mass
	// failure is far more likely to be a network partition than genuine
	// store loss. The ratio's numerator only counts DEAD candidates that
	// still hold at least one region -- an empty store flipping to DEAD
	// cannot itself cause a false-positive mass outage -- but the absolute
	// count uses the raw, unrestricted DEAD-candidate count.
	MassFailureRatioThreshold    float64
	MassFailureAbsoluteThreshold int

	// MigrateConcurrency bounds how many MIGRATE-state stores are handed
	// to the Migrator concurrently per scan.
	MigrateConcurrency int
}

// DefaultConfig returns the monitor's compiled-in defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:                 10 * time.Second,
		FaultyThreshold:              20 * time.Second,
		DeadThreshold:                120 * time.Second,
		MassFailureRatioThreshold:    0.10,
		MassFailureAbsoluteThreshold: 3,
		MigrateConcurrency:           10,
	}
}

// Migrator drains regions off a store that an operator has flagged MIGRATE.
// The balancer package supplies the concrete implementation; Monitor only
// depends on this narrow interface so it can be tested without a full
// balancing pipeline.
type Migrator interface {
	MigrateStore(ctx context.Context, address string) error
}

// RegionManager is the narrow slice of the region manager the health
// monitor itself needs to drive: clearing a newly-FAULTY store's leader
// count, and dropping every region a confirmed-DEAD store held.
type RegionManager interface {
	SetInstanceLeaderCount(address string, count int64) error
	DeleteAllRegionsForStore(address string, state types.InstanceState) error
}

// Monitor is the store health monitor: a periodic scan over every known
// instance's heartbeat age that drives NORMAL/FAULTY/DEAD transitions.
// It holds no persistent state -- transitions are applied directly to
// topology.Topology's in-memory instance records and are never written to
// the meta store, so a restart always comes back up with every instance
// NORMAL regardless of its state at shutdown.
type Monitor struct {
	topo      *topology.Topology
	view      *scheduling.View
	cfg       Config
	migrator  Migrator
	regionMgr RegionManager

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// NewMonitor constructs a Monitor. migrator may be nil if MIGRATE fan-out
// is not wanted (e.g. in tests exercising only the state-transition logic).
func NewMonitor(topo *topology.Topology, view *scheduling.View, cfg Config, migrator Migrator, regionMgr RegionManager) *Monitor {
	return &Monitor{topo: topo, view: view, cfg: cfg, migrator: migrator, regionMgr: regionMgr}
}

// Start begins the periodic scan loop in a background goroutine.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	m.running = true
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.scan()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop ends the scan loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.stopCh)
	m.running = false
}

func (m *Monitor) scan() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HealthScanDuration)

	now := time.Now().UnixNano()
	byTag := make(map[string][]types.Instance)
	for _, inst := range m.topo.AllInstances() {
		byTag[inst.ResourceTag] = append(byTag[inst.ResourceTag], inst)
	}

	var migrateCandidates []string
	for tag, instances := range byTag {
		migrateCandidates = append(migrateCandidates, m.scanTag(tag, instances, now)...)
	}

	if m.migrator != nil && len(migrateCandidates) > 0 {
		m.fanOutMigrations(migrateCandidates)
	}
}

func (m *Monitor) scanTag(tag string, instances []types.Instance, nowUnixNano int64) []string {
	var newFaulty, faultyTotal, deadCandidates, migrating []string
	snap := m.view.Read()
	defer snap.Release()

	hasRegions := func(address string) bool {
		info, ok := snap.Get(address)
		if !ok {
			return false
		}
		for _, c := range info.RegionCountByTable {
			if c > 0 {
				return true
			}
		}
		return false
	}

	for _, inst := range instances {
		elapsed := time.Duration(nowUnixNano - inst.Status.LastHeartbeatUnix)
		switch inst.Status.State {
		case types.InstanceMigrate:
			migrating = append(migrating, inst.Address)
		case types.InstanceNormal:
			if elapsed > m.cfg.DeadThreshold {
				deadCandidates = append(deadCandidates, inst.Address)
			} else if elapsed > m.cfg.FaultyThreshold {
				newFaulty = append(newFaulty, inst.Address)
				faultyTotal = append(faultyTotal, inst.Address)
			}
		case types.InstanceFaulty:
			if elapsed > m.cfg.DeadThreshold {
				deadCandidates = append(deadCandidates, inst.Address)
			} else if elapsed > m.cfg.FaultyThreshold {
				faultyTotal = append(faultyTotal, inst.Address)
			} else {
				m.topo.SetInstanceState(inst.Address, types.InstanceNormal)
			}
		}
	}

	for _, addr := range newFaulty {
		m.topo.SetInstanceState(addr, types.InstanceFaulty)
		if m.regionMgr != nil {
			if err := m.regionMgr.SetInstanceLeaderCount(addr, 0); err != nil {
				log.WithInstance(addr).Error().Err(err).Msg("failed to clear leader count on FAULTY transition")
			}
		}
		metrics.InstanceStateTransitionsTotal.WithLabelValues(tag, string(types.InstanceNormal), string(types.InstanceFaulty)).Inc()
	}

	deadWithRegions := 0
	for _, addr := range deadCandidates {
		if hasRegions(addr) {
			deadWithRegions++
		}
	}

	if m.suppressMassFailure(tag, len(deadCandidates), deadWithRegions, len(faultyTotal), len(instances)) {
		return nil
	}
	for _, addr := range deadCandidates {
		inst, ok := m.topo.Instance(addr)
		from := types.InstanceNormal
		if ok {
			from = inst.Status.State
		}
		m.topo.SetInstanceState(addr, types.InstanceDead)
		if m.regionMgr != nil {
			if err := m.regionMgr.DeleteAllRegionsForStore(addr, types.InstanceDead); err != nil {
				log.WithInstance(addr).Error().Err(err).Msg("failed to delete regions for DEAD store")
			}
		}
		metrics.InstanceStateTransitionsTotal.WithLabelValues(tag, string(from), string(types.InstanceDead)).Inc()
	}
	return migrating
}

// suppressMassFailure reports whether tag's DEAD transitions (and, by the
// caller skipping MIGRATE fan-out alongside them, its MIGRATE-triggered
// add-peers) should be suppressed this scan: the ratio check restricts its
// DEAD-side numerator to deadWithRegions, but the absolute-count check uses
// the raw deadCount.
func (m *Monitor) suppressMassFailure(tag string, deadCount, deadWithRegions, faultyTotal, totalInstances int) bool {
	if totalInstances == 0 {
		return false
	}
	ratio := float64(deadWithRegions+faultyTotal) / float64(totalInstances)
	absolute := deadCount + faultyTotal
	if ratio >= m.cfg.MassFailureRatioThreshold && absolute >= m.cfg.MassFailureAbsoluteThreshold {
		metrics.HealthSuppressionsTotal.WithLabelValues(tag).Inc()
		log.WithResourceTag(tag).Warn().
			Int("dead_candidates", deadCount).
			Int("dead_with_regions", deadWithRegions).
			Int("faulty_total", faultyTotal).
			Int("total_instances", totalInstances).
			Msg("suppressing mass DEAD transition, likely network partition")
		return true
	}
	return false
}

func (m *Monitor) fanOutMigrations(addresses []string) {
	sem := make(chan struct{}, m.cfg.MigrateConcurrency)
	var wg sync.WaitGroup
	for _, addr := range addresses {
		sem <- struct{}{}
		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			defer func() { <-sem }()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := m.migrator.MigrateStore(ctx, address); err != nil {
				log.WithInstance(address).Error().Err(err).Msg("migrate store failed")
			}
		}(addr)
	}
	wg.Wait()
}

