// Package scheduling holds the concurrently-readable projection of
// per-instance scheduling aggregates (region counts by table, pk-prefix
// region counts) that the selectors consult on every placement decision.
package scheduling

import (
	"sync"
	"sync/atomic"

	"github.com/ctrlplane/meta/pkg/types"
)

type snapshotMap = map[string]*types.InstanceSchedulingInfo

// View is a copy-on-write projection of per-instance scheduling aggregates.
// Readers call Read to pin a consistent generation; writers call Modify
// with a closure that builds the next generation from the previous one.
// This realizes the same reader/writer contract a classic double buffer
// gives a selector hot path -- a reader never blocks on a writer and never
// observes a partially-applied mutation -- without the explicit buffer-pair
// bookkeeping a non-garbage-collected implementation needs: the previous
// generation is retired once the last Snapshot referencing it is dropped.
type View struct {
	writeMu sync.Mutex
	current atomic.Pointer[snapshotMap]
}

// NewView returns an empty view.
func NewView() *View {
	v := &View{}
	empty := make(snapshotMap)
	v.current.Store(&empty)
	return v
}

// Snapshot pins one generation of the view for reading.
type Snapshot struct {
	data snapshotMap
}

// Get returns the aggregate for address, if present in this generation.
func (s *Snapshot) Get(address string) (*types.InstanceSchedulingInfo, bool) {
	info, ok := s.data[address]
	return info, ok
}

// Len returns the number of instances tracked in this generation.
func (s *Snapshot) Len() int {
	return len(s.data)
}

// Range iterates the generation in no particular order, stopping early if
// fn returns false.
func (s *Snapshot) Range(fn func(address string, info *types.InstanceSchedulingInfo) bool) {
	for addr, info := range s.data {
		if !fn(addr, info) {
			return
		}
	}
}

// Release returns the pin. It is a deliberate no-op: the garbage collector
// retires a generation once nothing references it, so there is no explicit
// refcount to drop. The method exists so selector code reads the same way
// it would over a reference-counted scoped pointer, and keeps the release
// point visible at the call site.
func (s *Snapshot) Release() {}

// Read pins the current generation.
func (v *View) Read() *Snapshot {
	return &Snapshot{data: *v.current.Load()}
}

// Modify builds the next generation from a shallow copy of the current one
// and swaps it in under the writer lock. fn may add or remove top-level
// keys freely; it must replace, not mutate in place, any
// *InstanceSchedulingInfo it changes, since readers pinned to the previous
// generation may still hold a pointer to the old value (use
// InstanceSchedulingInfo.Clone).
func (v *View) Modify(fn func(next snapshotMap)) {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	prev := *v.current.Load()
	next := make(snapshotMap, len(prev))
	for addr, info := range prev {
		next[addr] = info
	}
	fn(next)
	v.current.Store(&next)
}

// Reset clears the view. Used when a snapshot load replaces the whole
// topology.
func (v *View) Reset() {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	empty := make(snapshotMap)
	v.current.Store(&empty)
}
