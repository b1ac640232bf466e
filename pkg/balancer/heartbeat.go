package balancer

import (
	"github.com/ctrlplane/meta/pkg/log"
	"github.com/ctrlplane/meta/pkg/metrics"
	"github.com/ctrlplane/meta/pkg/scheduling"
	"github.com/ctrlplane/meta/pkg/selector"
	"github.com/ctrlplane/meta/pkg/statemachine"
	"github.com/ctrlplane/meta/pkg/topology"
	"github.com/ctrlplane/meta/pkg/types"
)

// overAveragePct expresses the 105% ceiling as integer arithmetic:
// average + average*5/100, never floating point.
const overAveragePct = 5

// Pipeline is the heartbeat pipeline: the store heartbeat that routes
// capacity/tag changes into the topology store, refreshes the scheduling
// view, and emits balancing budgets; and the client heartbeat that hands
// back a read-only topology snapshot. Both share one Pipeline instance so
// the response-shape logic exists exactly once.
type Pipeline struct {
	topo      *topology.Topology
	view      *scheduling.View
	sm        *statemachine.StateMachine
	regionMgr RegionManager
	tableMgr  TableManager
}

// NewPipeline wires a heartbeat pipeline over the given collaborators.
func NewPipeline(topo *topology.Topology, view *scheduling.View, sm *statemachine.StateMachine, regionMgr RegionManager, tableMgr TableManager) *Pipeline {
	return &Pipeline{topo: topo, view: view, sm: sm, regionMgr: regionMgr, tableMgr: tableMgr}
}

// StoreHeartbeatRequest is one store's self-report.
type StoreHeartbeatRequest struct {
	Address         string
	Capacity        int64
	UsedSize        int64
	ResourceTag     string
	Peers           []types.PeerReport
	NeedPeerBalance bool
}

// StoreHeartbeatResponse carries back the InstanceParam entries currently
// in effect for the reporting store.
type StoreHeartbeatResponse struct {
	Params []types.InstanceParamEntry
}

// StoreHeartbeat processes one store heartbeat: routes capacity/tag changes
// through the same topology operations an operator RPC would use and, when
// the store asks for peer balance, refreshes the scheduling view regardless
// of the gating check and -- only when gated open -- emits balancing budgets
// to the region manager.
func (p *Pipeline) StoreHeartbeat(req StoreHeartbeatRequest) (StoreHeartbeatResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.HeartbeatDuration, "store")
	metrics.StoreHeartbeatsTotal.Inc()

	p.topo.TouchHeartbeat(req.Address)

	if err := p.reconcileInstance(req); err != nil {
		return StoreHeartbeatResponse{}, err
	}

	inst, ok := p.topo.Instance(req.Address)
	if !ok {
		return StoreHeartbeatResponse{}, types.NewStatusError(types.StatusInternalError, "instance %q missing after reconcile", req.Address)
	}
	resp := StoreHeartbeatResponse{Params: p.topo.InstanceParamsFor(req.Address, inst.ResourceTag)}

	if !req.NeedPeerBalance {
		return resp, nil
	}

	p.refreshSchedulingView(req.Address, inst.ResourceTag, inst.LogicalRoom, req.Peers)

	if !p.canBalance(inst.ResourceTag) {
		return resp, nil
	}
	p.emitBudgets(req.Address, inst.ResourceTag, inst.LogicalRoom, req.Peers)
	return resp, nil
}

func (p *Pipeline) reconcileInstance(req StoreHeartbeatRequest) error {
	existing, ok := p.topo.Instance(req.Address)
	if !ok {
		cmd, err := statemachine.AddInstanceCommand(types.Instance{
			Address:     req.Address,
			ResourceTag: req.ResourceTag,
			Capacity:    req.Capacity,
			UsedSize:    req.UsedSize,
		})
		if err != nil {
			return err
		}
		return p.sm.Apply(cmd)
	}

	if existing.Capacity == req.Capacity && existing.UsedSize == req.UsedSize && existing.ResourceTag == req.ResourceTag {
		return nil
	}
	cmd, err := statemachine.UpdateInstanceCommand(req.Address, req.Capacity, req.UsedSize, req.ResourceTag, "")
	if err != nil {
		return err
	}
	return p.sm.Apply(cmd)
}

// refreshSchedulingView replaces this store's scheduling aggregate wholesale
// from its reported peers. This runs unconditionally, even when balancing
// itself is about to be skipped by the gating check, since the view must
// stay current for every other store's selector decisions.
func (p *Pipeline) refreshSchedulingView(address, resourceTag, logicalRoom string, peers []types.PeerReport) {
	pkDims, err := p.tableMgr.GetPkPrefixDimensions()
	if err != nil {
		log.WithInstance(address).Warn().Err(err).Msg("failed to load pk-prefix dimensions, skipping pk-prefix aggregation this heartbeat")
		pkDims = nil
	}

	p.view.Modify(func(next map[string]*types.InstanceSchedulingInfo) {
		info := types.NewInstanceSchedulingInfo(resourceTag, logicalRoom)
		for _, peer := range peers {
			if info.RegionsByTable[peer.TableID] == nil {
				info.RegionsByTable[peer.TableID] = make(map[string]bool)
			}
			info.RegionsByTable[peer.TableID][peer.RegionID] = true
			info.RegionCountByTable[peer.TableID]++
			if peer.IsLearner {
				info.LearnerCountByTable[peer.TableID]++
			}

			if dim, ok := pkDims[peer.TableID]; ok {
				if key, err := p.tableMgr.GetPkPrefixKey(peer.TableID, dim, peer.StartKey); err == nil {
					info.PkPrefixRegionCount[key]++
				}
			}
		}
		next[address] = info
	})
}

func (p *Pipeline) canBalance(resourceTag string) bool {
	return p.sm.WhetherCanDecide() && p.sm.GetLoadBalance(resourceTag)
}

// emitBudgets computes per-table and per-pk-prefix over-average budgets for
// the reporting store and hands them to the region manager: pk-prefix
// budgets first, then the remaining (non-suppressed) table budgets, then
// learner budgets.
func (p *Pipeline) emitBudgets(address, resourceTag, logicalRoom string, peers []types.PeerReport) {
	snap := p.view.Read()
	defer snap.Release()

	tables := make(map[string]bool)
	for _, peer := range peers {
		tables[peer.TableID] = true
	}

	var pkPrefixPlans, tablePlans, learnerPlans []BalancePlan
	suppressedTables := make(map[string]bool)

	for tableID := range tables {
		if p.tableMgr.CanDoPkPrefixBalance(tableID) {
			for _, peer := range peers {
				if peer.TableID != tableID {
					continue
				}
				dim, ok := pkDimensionFor(p.tableMgr, tableID)
				if !ok {
					continue
				}
				key, err := p.tableMgr.GetPkPrefixKey(tableID, dim, peer.StartKey)
				if err != nil {
					continue
				}
				if plan, ok := p.pkPrefixBudget(snap, address, resourceTag, tableID, key, logicalRoom); ok {
					pkPrefixPlans = append(pkPrefixPlans, plan)
					suppressedTables[tableID] = true
				}
			}
		}
	}

	for tableID := range tables {
		if suppressedTables[tableID] {
			metrics.BalancingBudgetsSuppressedTotal.WithLabelValues(resourceTag).Inc()
			continue
		}
		if plan, ok := p.peerBudget(snap, address, resourceTag, tableID, logicalRoom); ok {
			tablePlans = append(tablePlans, plan)
		}
		if plan, ok := p.learnerBudget(snap, address, resourceTag, tableID, logicalRoom); ok {
			learnerPlans = append(learnerPlans, plan)
		}
	}

	if len(pkPrefixPlans) > 0 {
		metrics.BalancingBudgetsEmittedTotal.WithLabelValues("pk_prefix").Add(float64(len(pkPrefixPlans)))
		if err := p.regionMgr.PkPrefixLoadBalance(pkPrefixPlans); err != nil {
			log.WithResourceTag(resourceTag).Error().Err(err).Msg("pk-prefix load balance failed")
		}
	}
	if len(tablePlans) > 0 {
		metrics.BalancingBudgetsEmittedTotal.WithLabelValues("peer").Add(float64(len(tablePlans)))
		if err := p.regionMgr.PeerLoadBalance(tablePlans); err != nil {
			log.WithResourceTag(resourceTag).Error().Err(err).Msg("peer load balance failed")
		}
	}
	if len(learnerPlans) > 0 {
		metrics.BalancingBudgetsEmittedTotal.WithLabelValues("learner").Add(float64(len(learnerPlans)))
		if err := p.regionMgr.LearnerLoadBalance(learnerPlans); err != nil {
			log.WithResourceTag(resourceTag).Error().Err(err).Msg("learner load balance failed")
		}
	}
}

func pkDimensionFor(tableMgr TableManager, tableID string) (string, bool) {
	dims, err := tableMgr.GetPkPrefixDimensions()
	if err != nil {
		return "", false
	}
	dim, ok := dims[tableID]
	return dim, ok
}

func (p *Pipeline) peerBudget(snap *scheduling.Snapshot, address, resourceTag, tableID, logicalRoom string) (BalancePlan, bool) {
	total, instances := p.tableTotals(snap, resourceTag, tableID, logicalRoom)
	if instances == 0 {
		return BalancePlan{}, false
	}
	info, ok := snap.Get(address)
	if !ok {
		return BalancePlan{}, false
	}
	storeCount := info.RegionCountByTable[tableID]
	average := ceilDiv(total, int64(instances))
	ceiling := average + average*overAveragePct/100
	if storeCount <= ceiling {
		return BalancePlan{}, false
	}
	dest, err := selector.SelectMin(p.topo, p.view, p.topo.Config(), resourceTag, tableID, map[string]bool{address: true}, logicalRoom, average, p.sm.GetNetworkSegmentBalance(resourceTag))
	if err != nil {
		log.WithResourceTag(resourceTag).Warn().Err(err).Str("table_id", tableID).Msg("no destination found for peer budget, dropping plan")
		return BalancePlan{}, false
	}
	return newPlan(DimensionPeer, resourceTag, tableID, "", address, dest, storeCount-average), true
}

func (p *Pipeline) learnerBudget(snap *scheduling.Snapshot, address, resourceTag, tableID, logicalRoom string) (BalancePlan, bool) {
	restrictRoom := p.tableMgr.WhetherReplicaDists(tableID)
	var total int64
	var instances int
	snap.Range(func(addr string, info *types.InstanceSchedulingInfo) bool {
		if info.ResourceTag != resourceTag {
			return true
		}
		if restrictRoom && logicalRoom != "" && info.LogicalRoom != logicalRoom {
			return true
		}
		instances++
		total += info.LearnerCountByTable[tableID]
		return true
	})
	if instances == 0 {
		return BalancePlan{}, false
	}
	info, ok := snap.Get(address)
	if !ok {
		return BalancePlan{}, false
	}
	storeCount := info.LearnerCountByTable[tableID]
	average := ceilDiv(total, int64(instances))
	ceiling := average + average*overAveragePct/100
	if storeCount <= ceiling {
		return BalancePlan{}, false
	}
	// Learner placement reuses SelectMin against the same per-table region
	// count used for peer placement; there is no separate learner-count-aware
	// selector, and region count is the closest available load proxy.
	dest, err := selector.SelectMin(p.topo, p.view, p.topo.Config(), resourceTag, tableID, map[string]bool{address: true}, logicalRoom, average, p.sm.GetNetworkSegmentBalance(resourceTag))
	if err != nil {
		log.WithResourceTag(resourceTag).Warn().Err(err).Str("table_id", tableID).Msg("no destination found for learner budget, dropping plan")
		return BalancePlan{}, false
	}
	return newPlan(DimensionLearner, resourceTag, tableID, "", address, dest, storeCount-average), true
}

func (p *Pipeline) pkPrefixBudget(snap *scheduling.Snapshot, address, resourceTag, tableID, pkPrefixKey, logicalRoom string) (BalancePlan, bool) {
	var storeCount, total int64
	var instances int
	restrictRoom := p.tableMgr.WhetherReplicaDists(tableID)
	snap.Range(func(addr string, info *types.InstanceSchedulingInfo) bool {
		if info.ResourceTag != resourceTag {
			return true
		}
		if restrictRoom && logicalRoom != "" && info.LogicalRoom != logicalRoom {
			return true
		}
		count, ok := info.PkPrefixRegionCount[pkPrefixKey]
		if !ok {
			return true
		}
		instances++
		total += count
		if addr == address {
			storeCount = count
		}
		return true
	})
	if instances == 0 {
		return BalancePlan{}, false
	}
	average := ceilDiv(total, int64(instances))
	ceiling := average + average*overAveragePct/100
	if storeCount <= ceiling {
		return BalancePlan{}, false
	}
	tableTotal, tableInstances := p.tableTotals(snap, resourceTag, tableID, logicalRoom)
	tableAverage := ceilDiv(tableTotal, int64(tableInstances))
	dest, err := selector.SelectMinOnPkPrefix(p.topo, p.view, p.topo.Config(), resourceTag, tableID, pkPrefixKey, map[string]bool{address: true}, logicalRoom, average, tableAverage, p.tableMgr.PkPrefixNeedBothBelow(tableID), p.sm.GetNetworkSegmentBalance(resourceTag))
	if err != nil {
		log.WithResourceTag(resourceTag).Warn().Err(err).Str("table_id", tableID).Str("pk_prefix_key", pkPrefixKey).Msg("no destination found for pk-prefix budget, dropping plan")
		return BalancePlan{}, false
	}
	return newPlan(DimensionPkPrefix, resourceTag, tableID, pkPrefixKey, address, dest, storeCount-average), true
}

// tableTotals sums a table's total peer count and instance count across the
// resource tag, scoped to logicalRoom when the table's replica-distribution
// policy requires it.
func (p *Pipeline) tableTotals(snap *scheduling.Snapshot, resourceTag, tableID, logicalRoom string) (total int64, instances int) {
	restrictRoom := p.tableMgr.WhetherReplicaDists(tableID)
	snap.Range(func(addr string, info *types.InstanceSchedulingInfo) bool {
		if info.ResourceTag != resourceTag {
			return true
		}
		if restrictRoom && logicalRoom != "" && info.LogicalRoom != logicalRoom {
			return true
		}
		instances++
		total += info.RegionCountByTable[tableID]
		return true
	})
	return
}

func ceilDiv(numerator, denominator int64) int64 {
	if denominator == 0 {
		return 0
	}
	return (numerator + denominator - 1) / denominator
}

// ClientHeartbeatResponse is the read-only topology snapshot handed back to
// a client heartbeat.
type ClientHeartbeatResponse = topology.ClientSnapshot

// ClientHeartbeat assembles the current topology snapshot. The request
// itself is opaque to the core; only the need for a fresh snapshot matters.
func (p *Pipeline) ClientHeartbeat() ClientHeartbeatResponse {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.HeartbeatDuration, "client")
	metrics.ClientHeartbeatsTotal.Inc()
	return p.topo.Snapshot()
}
