package selector

import (
	"math/rand"

	"github.com/ctrlplane/meta/pkg/metrics"
	"github.com/ctrlplane/meta/pkg/scheduling"
	"github.com/ctrlplane/meta/pkg/topology"
	"github.com/ctrlplane/meta/pkg/types"
)

// SelectMinOnPkPrefix builds two candidate pools: (a) instances strictly
// below both the table average and the pk-prefix average, (b) instances
// below only the pk-prefix average. An instance below the table average
// alone, but not below the pk-prefix average, belongs to neither pool. It
// prefers a uniform random draw from pool (a); if needBothBelow is false
// and pool (a) is empty, it draws from pool (b) instead.
//
// When segmentBalance is enabled, pool (a) is first built from instances
// whose segment does not overlap the exclusion set's segments; the
// restriction is dropped (both pools rebuilt segment-blind) only when that
// restricted pool (a) is itself empty -- the fallback trigger looks at
// pool (a) alone, unlike SelectMin's fallback, which additionally requires
// its tracked-minimum fallback to be empty too.
//
// On success, increments both the table count and the pk-prefix-key count
// for the chosen instance via one combined scheduling-view update.
func SelectMinOnPkPrefix(topo *topology.Topology, view *scheduling.View, cfg topology.Config, tag, tableID, pkPrefixKey string, exclude map[string]bool, logicalRoom string, pkPrefixAverage, tableAverage int64, needBothBelow, segmentBalance bool) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SelectionDuration, "pk_prefix_min")

	all := topo.InstancesByTag(tag)
	legalPool := legalCandidates(all, cfg, exclude, logicalRoom)
	if len(legalPool) == 0 {
		metrics.SelectionsTotal.WithLabelValues("pk_prefix_min", "none_legal").Inc()
		return "", types.NewStatusError(types.StatusInternalError, "no legal instance available for resource tag %q", tag)
	}

	snap := view.Read()
	defer snap.Release()

	buildPools := func(pool []types.Instance) (poolA, poolB []types.Instance) {
		for _, inst := range pool {
			tableCount := loadFor(snap, inst.Address, tableID)
			pkCount := pkPrefixCount(snap, inst.Address, pkPrefixKey)
			belowTable := tableCount < tableAverage
			belowPk := pkCount < pkPrefixAverage
			switch {
			case belowTable && belowPk:
				poolA = append(poolA, inst)
			case belowPk && !belowTable:
				poolB = append(poolB, inst)
			}
		}
		return
	}

	pool := legalPool
	restricted := false
	if segmentBalance {
		excludeSegs := excludedSegments(all, exclude)
		filtered := make([]types.Instance, 0, len(legalPool))
		for _, inst := range legalPool {
			if !excludeSegs[inst.NetworkSegment] {
				filtered = append(filtered, inst)
			}
		}
		if restrictedA, _ := buildPools(filtered); len(restrictedA) > 0 {
			pool = filtered
			restricted = true
		}
	}

	poolA, poolB := buildPools(pool)

	var chosen string
	outcome := "selected_both_below"
	switch {
	case len(poolA) > 0:
		chosen = poolA[rand.Intn(len(poolA))].Address
	case !needBothBelow && len(poolB) > 0:
		chosen = poolB[rand.Intn(len(poolB))].Address
		outcome = "selected_pk_prefix_only"
	default:
		metrics.SelectionsTotal.WithLabelValues("pk_prefix_min", "none_legal").Inc()
		return "", types.NewStatusError(types.StatusInternalError, "no candidate below required averages for resource tag %q", tag)
	}
	if restricted {
		outcome += "_segment_diverse"
	}

	view.Modify(func(next map[string]*types.InstanceSchedulingInfo) {
		info, ok := next[chosen]
		if !ok {
			return
		}
		clone := info.Clone()
		clone.RegionCountByTable[tableID]++
		clone.PkPrefixRegionCount[pkPrefixKey]++
		next[chosen] = clone
	})

	metrics.SelectionsTotal.WithLabelValues("pk_prefix_min", outcome).Inc()
	return chosen, nil
}

func pkPrefixCount(snap *scheduling.Snapshot, address, pkPrefixKey string) int64 {
	info, ok := snap.Get(address)
	if !ok {
		return 0
	}
	return info.PkPrefixRegionCount[pkPrefixKey]
}
