package selector

import (
	"sort"

	"github.com/ctrlplane/meta/pkg/metrics"
	"github.com/ctrlplane/meta/pkg/topology"
	"github.com/ctrlplane/meta/pkg/types"
)

type rollingEntry struct {
	segment string
	address string
}

// SelectRolling picks the next legal instance for a resource tag by
// round-robin, cycling through the tag's network segments in order. The
// cursor (LastNetworkSegment, LastPosition) is advanced to the position
// just returned so the following call continues past it; it is held only
// in memory (topology.Topology.SetRollingCursor does not persist it), so a
// leadership change resets the rotation rather than carrying it over.
//
// The traversal covers at most one full rotation of the tag's instances --
// a budget, not a guarantee every legal candidate is tried, since an
// illegal candidate still consumes one step of the budget. When
// segmentBalance is enabled for the tag, a legal candidate whose segment
// overlaps the exclusion set's segments is not returned immediately: the
// first one encountered is remembered as a fallback, and the traversal
// keeps looking for a candidate in a non-overlapping segment. The fallback
// is returned only if the whole budget is exhausted without finding one.
func SelectRolling(topo *topology.Topology, cfg topology.Config, tag string, exclude map[string]bool, logicalRoom string, segmentBalance bool) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SelectionDuration, "rolling")

	order := rollingOrder(topo, tag)
	if len(order) == 0 {
		metrics.SelectionsTotal.WithLabelValues("rolling", "none_legal").Inc()
		return "", types.NewStatusError(types.StatusInternalError, "no instances registered for resource tag %q", tag)
	}

	all := topo.InstancesByTag(tag)
	instances := make(map[string]types.Instance, len(all))
	for _, inst := range all {
		instances[inst.Address] = inst
	}
	excludeSegs := excludedSegments(all, exclude)

	cursor := topo.RollingCursor(tag)
	start := rollingStartIndex(order, cursor)

	var fallback *rollingEntry
	var fallbackIdx int
	for i := 0; i < len(order); i++ {
		idx := (start + i) % len(order)
		entry := order[idx]
		inst, ok := instances[entry.address]
		if !ok || !IsLegal(inst, cfg, exclude, logicalRoom) {
			continue
		}

		if segmentBalance && excludeSegs[entry.segment] {
			if fallback == nil {
				e := entry
				fallback = &e
				fallbackIdx = idx
			}
			continue
		}

		topo.SetRollingCursor(tag, types.RollingCursor{LastNetworkSegment: entry.segment, LastPosition: idx})
		metrics.SelectionsTotal.WithLabelValues("rolling", "selected").Inc()
		return entry.address, nil
	}

	if fallback != nil {
		topo.SetRollingCursor(tag, types.RollingCursor{LastNetworkSegment: fallback.segment, LastPosition: fallbackIdx})
		metrics.SelectionsTotal.WithLabelValues("rolling", "selected_fallback").Inc()
		return fallback.address, nil
	}

	metrics.SelectionsTotal.WithLabelValues("rolling", "none_legal").Inc()
	return "", types.NewStatusError(types.StatusInternalError, "no legal instance in rotation for resource tag %q", tag)
}

// rollingOrder returns a stable, fully-ordered rotation that round-robins
// across segments: the first instance of every segment (segments sorted by
// key, instances within a segment sorted by address), then the second
// instance of every segment, and so on.
func rollingOrder(topo *topology.Topology, tag string) []rollingEntry {
	segments := topo.SegmentsForTag(tag)
	keys := make([]string, 0, len(segments))
	for k := range segments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	members := make([][]string, len(keys))
	longest := 0
	for i, seg := range keys {
		members[i] = append([]string(nil), segments[seg]...)
		sort.Strings(members[i])
		if len(members[i]) > longest {
			longest = len(members[i])
		}
	}

	var out []rollingEntry
	for pos := 0; pos < longest; pos++ {
		for i, seg := range keys {
			if pos < len(members[i]) {
				out = append(out, rollingEntry{segment: seg, address: members[i][pos]})
			}
		}
	}
	return out
}

// rollingStartIndex resumes just after the cursor's last position if it
// still points into the current order, or starts from 0 if the rotation
// has changed shape (instance added/dropped) since the cursor was set.
func rollingStartIndex(order []rollingEntry, cursor types.RollingCursor) int {
	if cursor.LastPosition < 0 || cursor.LastPosition >= len(order) {
		return 0
	}
	if order[cursor.LastPosition].segment != cursor.LastNetworkSegment {
		return 0
	}
	return (cursor.LastPosition + 1) % len(order)
}
