// Package selector implements the three instance-placement strategies the
// heartbeat pipeline uses to answer "which store should host the next
// replica": round-robin (rolling), least-loaded (min), and pk-prefix-aware
// least-loaded (min-on-pk-prefix).
package selector

import (
	"net"

	"github.com/ctrlplane/meta/pkg/topology"
	"github.com/ctrlplane/meta/pkg/types"
)

// IsLegal reports whether an instance may currently receive a new replica:
// it must be NORMAL, match the caller's logical_room restriction (if any),
// not collide with the exclusion set, and sit at or below the configured
// disk-usage ceiling. The disk check runs last, after the cheaper exclusion
// check, matching the order each predicate should short-circuit in.
func IsLegal(inst types.Instance, cfg topology.Config, exclude map[string]bool, logicalRoom string) bool {
	if inst.Status.State != types.InstanceNormal {
		return false
	}
	if logicalRoom != "" && inst.LogicalRoom != logicalRoom {
		return false
	}
	if excluded(inst.Address, cfg, exclude) {
		return false
	}
	if inst.Capacity <= 0 {
		return false
	}
	return inst.DiskUsedPercent() <= cfg.DiskUsedPercentLimit
}

// excluded reports whether address collides with the exclusion set: by
// shared IP when PeerBalanceByIP is set, by exact address otherwise.
func excluded(address string, cfg topology.Config, exclude map[string]bool) bool {
	if len(exclude) == 0 {
		return false
	}
	if !cfg.PeerBalanceByIP {
		return exclude[address]
	}
	host := hostOf(address)
	for addr := range exclude {
		if hostOf(addr) == host {
			return true
		}
	}
	return false
}

func hostOf(address string) string {
	if h, _, err := net.SplitHostPort(address); err == nil {
		return h
	}
	return address
}

// legalCandidates filters instances to the legal pool, preserving input
// order.
func legalCandidates(instances []types.Instance, cfg topology.Config, exclude map[string]bool, logicalRoom string) []types.Instance {
	out := make([]types.Instance, 0, len(instances))
	for _, inst := range instances {
		if IsLegal(inst, cfg, exclude, logicalRoom) {
			out = append(out, inst)
		}
	}
	return out
}

// excludedSegments returns the network segments occupied by any exclusion-
// set member found among instances, used by the segment-aware selectors to
// prefer candidates whose segment does not overlap the exclusion set's.
func excludedSegments(instances []types.Instance, exclude map[string]bool) map[string]bool {
	out := make(map[string]bool)
	if len(exclude) == 0 {
		return out
	}
	for _, inst := range instances {
		if exclude[inst.Address] {
			out[inst.NetworkSegment] = true
		}
	}
	return out
}
