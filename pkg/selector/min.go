package selector

import (
	"math/rand"
	"sort"

	"github.com/ctrlplane/meta/pkg/metrics"
	"github.com/ctrlplane/meta/pkg/scheduling"
	"github.com/ctrlplane/meta/pkg/topology"
	"github.com/ctrlplane/meta/pkg/types"
)

// SelectMin picks a legal instance below the caller-supplied per-table
// average region count, drawing uniformly at random from the below-average
// set rather than always returning the single least-loaded store -- the
// randomization is the fairness mechanism that keeps repeated calls within
// one balancing cycle from thundering-herding onto one store. If average
// is 0, the first eligible zero-count instance found short-circuits the
// walk with no randomization; a zero-count instance is otherwise also a
// member of the below-average pool when average is nonzero, since zero is
// always below any positive average.
//
// When segmentBalance is enabled, the walk is first restricted to
// instances whose segment does not overlap the exclusion set's segments;
// it falls back to the full legal pool only when that restricted pool is
// itself empty, since an empty restricted pool means both the
// below-average subset and the tracked-minimum fallback would be empty
// too.
//
// On success, increments the chosen instance's region count for tableID in
// the scheduling view.
func SelectMin(topo *topology.Topology, view *scheduling.View, cfg topology.Config, tag, tableID string, exclude map[string]bool, logicalRoom string, average int64, segmentBalance bool) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SelectionDuration, "min")

	all := topo.InstancesByTag(tag)
	legalPool := legalCandidates(all, cfg, exclude, logicalRoom)
	if len(legalPool) == 0 {
		metrics.SelectionsTotal.WithLabelValues("min", "none_legal").Inc()
		return "", types.NewStatusError(types.StatusInternalError, "no legal instance available for resource tag %q", tag)
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
		if len(filtered) > 0 {
			pool = filtered
			restricted = true
		}
	}

	sorted := append([]types.Instance(nil), pool...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	snap := view.Read()
	defer snap.Release()

	if average == 0 {
		for _, inst := range sorted {
			if loadFor(snap, inst.Address, tableID) == 0 {
				bumpTableCount(view, inst.Address, tableID)
				outcome := "selected_zero"
				if restricted {
					outcome += "_segment_diverse"
				}
				metrics.SelectionsTotal.WithLabelValues("min", outcome).Inc()
				return inst.Address, nil
			}
		}
	}

	var below []types.Instance
	minAddr := sorted[0].Address
	minLoad := loadFor(snap, minAddr, tableID)
	for _, inst := range sorted {
		load := loadFor(snap, inst.Address, tableID)
		if load < average {
			below = append(below, inst)
		}
		if load < minLoad {
			minAddr, minLoad = inst.Address, load
		}
	}

	chosen := minAddr
	outcome := "selected_min_fallback"
	if len(below) > 0 {
		chosen = below[rand.Intn(len(below))].Address
		outcome = "selected"
	}
	if restricted {
		outcome += "_segment_diverse"
	}

	bumpTableCount(view, chosen, tableID)
	metrics.SelectionsTotal.WithLabelValues("min", outcome).Inc()
	return chosen, nil
}

func loadFor(snap *scheduling.Snapshot, address, tableID string) int64 {
	info, ok := snap.Get(address)
	if !ok {
		return 0
	}
	return info.RegionCountByTable[tableID]
}

// bumpTableCount optimistically increments address's region count for
// tableID, cloning the aggregate first since Modify's callers must never
// mutate an entry a pinned reader may still be holding.
func bumpTableCount(view *scheduling.View, address, tableID string) {
	view.Modify(func(next map[string]*types.InstanceSchedulingInfo) {
		info, ok := next[address]
		if !ok {
			return
		}
		clone := info.Clone()
		clone.RegionCountByTable[tableID]++
		next[address] = clone
	})
}
