package topology

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/ctrlplane/meta/pkg/log"
	"github.com/ctrlplane/meta/pkg/metrics"
	"github.com/ctrlplane/meta/pkg/types"
)

// minPrefixLen and maxPrefixLen bound the IP prefix-length search the
// segmentation engine runs per resource tag: 17 candidate lengths,
// /16 (coarsest, fewest distinct segments) through /32 (one segment per
// host). Per-address bitstrings are computed once per invocation and
// reused across all 17 trials rather than re-parsed per candidate length.
const (
	minPrefixLen = 16
	maxPrefixLen = 32
)

// runSegmentation recomputes network segments for every instance under a
// resource tag and writes the result into segmentsByTag, prefixLenByTag,
// and each instance's NetworkSegment field. An instance with a non-empty
// NetworkSegmentSelfDefined override always uses that value verbatim as its
// segment; its address is not parsed, and during the prefix search it is
// grouped under the override value, so it still counts toward the
// distinct-segment and largest-segment checks.
func (t *Topology) runSegmentation(tag string) {
	t.instanceMu.Lock()
	addrs := make([]string, 0, len(t.instancesByTag[tag]))
	for addr := range t.instancesByTag[tag] {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	type candidate struct {
		address  string
		override string
		bits     uint32
		ok       bool
	}
	candidates := make([]candidate, 0, len(addrs))
	for _, addr := range addrs {
		inst := t.instances[addr]
		c := candidate{address: addr, override: inst.NetworkSegmentSelfDefined}
		if c.override == "" {
			bits, ok := addressBits(addr)
			c.bits, c.ok = bits, ok
		}
		candidates = append(candidates, c)
	}
	t.instanceMu.Unlock()

	total := len(candidates)
	if total == 0 {
		t.instanceMu.Lock()
		delete(t.segmentsByTag, tag)
		delete(t.prefixLenByTag, tag)
		t.instanceMu.Unlock()
		return
	}

	maxPerSegment := (total*t.cfg.NetworkSegmentMaxStoresPercent + 99) / 100
	if maxPerSegment < 1 {
		maxPerSegment = 1
	}

	chosenPrefix := maxPrefixLen
	var chosenSegments map[string][]string

	for prefixLen := minPrefixLen; prefixLen <= maxPrefixLen; prefixLen++ {
		segments := make(map[string][]string)
		for _, c := range candidates {
			key := c.override
			if key == "" {
				if !c.ok {
					key = "unresolved"
				} else {
					key = maskedKey(c.bits, prefixLen)
				}
			}
			segments[key] = append(segments[key], c.address)
		}

		distinctSegments := len(segments)
		largest := 0
		for _, members := range segments {
			if len(members) > largest {
				largest = len(members)
			}
		}

		if distinctSegments >= t.cfg.MinNetworkSegmentsPerResourceTag && largest <= maxPerSegment {
			chosenPrefix = prefixLen
			chosenSegments = segments
			break
		}
	}

	if chosenSegments == nil {
		// No candidate length satisfied both constraints; fall back to the
		// finest grouping, one segment per distinct key.
		chosenPrefix = maxPrefixLen
		chosenSegments = make(map[string][]string)
		for _, c := range candidates {
			key := c.override
			if key == "" {
				if !c.ok {
					key = "unresolved"
				} else {
					key = maskedKey(c.bits, maxPrefixLen)
				}
			}
			chosenSegments[key] = append(chosenSegments[key], c.address)
		}
	}

	for _, members := range chosenSegments {
		sort.Strings(members)
	}

	t.instanceMu.Lock()
	t.segmentsByTag[tag] = chosenSegments
	t.prefixLenByTag[tag] = chosenPrefix
	for segment, members := range chosenSegments {
		for _, addr := range members {
			if inst, ok := t.instances[addr]; ok && inst.NetworkSegmentSelfDefined == "" {
				inst.NetworkSegment = segment
			} else if ok {
				inst.NetworkSegment = inst.NetworkSegmentSelfDefined
			}
		}
	}
	t.instanceMu.Unlock()

	metrics.SegmentationRunsTotal.WithLabelValues(tag).Inc()
	metrics.SegmentationPrefixLength.WithLabelValues(tag).Set(float64(chosenPrefix))
	log.WithResourceTag(tag).Debug().
		Int("prefix_len", chosenPrefix).
		Int("segments", len(chosenSegments)).
		Msg("recomputed network segmentation")
}

// addressBits parses a host:port address's host into a 32-bit big-endian
// integer. Non-IPv4 or unparsable hosts return ok=false and are grouped
// into a single "unresolved" segment rather than erroring, since
// segmentation is a placement hint, not a correctness requirement.
func addressBits(address string) (uint32, bool) {
	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return 0, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}

// maskedKey renders the top prefixLen bits of bits as a segment key.
func maskedKey(bits uint32, prefixLen int) string {
	var mask uint32
	if prefixLen > 0 {
		mask = ^uint32(0) << (32 - prefixLen)
	}
	masked := bits & mask
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d.%d/%d",
		byte(masked>>24), byte(masked>>16), byte(masked>>8), byte(masked), prefixLen)
	return b.String()
}

// SegmentsForTag returns a copy of the current segment -> sorted address
// list mapping for a resource tag.
func (t *Topology) SegmentsForTag(tag string) map[string][]string {
	t.instanceMu.Lock()
	defer t.instanceMu.Unlock()
	out := make(map[string][]string, len(t.segmentsByTag[tag]))
	for seg, members := range t.segmentsByTag[tag] {
		cp := make([]string, len(members))
		copy(cp, members)
		out[seg] = cp
	}
	return out
}

// PrefixLenForTag returns the prefix length the segmentation engine last
// chose for a resource tag.
func (t *Topology) PrefixLenForTag(tag string) int {
	t.instanceMu.Lock()
	defer t.instanceMu.Unlock()
	return t.prefixLenByTag[tag]
}

// RollingCursor returns the current rolling cursor for a resource tag,
// creating an empty one if none exists yet.
func (t *Topology) RollingCursor(tag string) types.RollingCursor {
	t.instanceMu.Lock()
	defer t.instanceMu.Unlock()
	cur, ok := t.rollingCursor[tag]
	if !ok {
		return types.RollingCursor{}
	}
	return *cur
}

// SetRollingCursor stores the rolling cursor for a resource tag. Cursors
// are intentionally not persisted or replicated: they are a load-spreading
// hint local to whichever node is currently leader, not part of the
// agreed-upon cluster state.
func (t *Topology) SetRollingCursor(tag string, cursor types.RollingCursor) {
	t.instanceMu.Lock()
	defer t.instanceMu.Unlock()
	t.rollingCursor[tag] = &cursor
}
