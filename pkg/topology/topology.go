// Package topology is the in-memory, raft-applied topology store: logical
// and physical rooms, store instances, instance params, and the derived
// indexes (by resource tag, by network segment, by physical room) the
// selectors and heartbeat pipeline read on every call.
//
// Every mutating method here is meant to be invoked from inside a single
// raft FSM Apply call, so callers never need to worry about two mutations
// racing each other; the three mutexes (physicalMu, instanceMu, paramMu)
// exist to let concurrent reads (selectors, metrics, heartbeat responders)
// proceed without blocking on an in-flight Apply, and to keep each of the
// three index families internally consistent under single-writer/many-
// reader access.
package topology

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ctrlplane/meta/pkg/events"
	"github.com/ctrlplane/meta/pkg/log"
	"github.com/ctrlplane/meta/pkg/scheduling"
	"github.com/ctrlplane/meta/pkg/storage"
	"github.com/ctrlplane/meta/pkg/types"
)

// HostResolver resolves the physical room an instance address belongs to,
// used when add_instance omits one explicitly. This stands in for the
// operator-maintained host-to-room mapping the reference implementation
// reads from its surrounding deployment tooling.
type HostResolver interface {
	ResolvePhysicalRoom(address string) (string, error)
}

// StaticHostResolver resolves addresses from a fixed map, used in tests and
// for small clusters where the mapping is provided up front.
type StaticHostResolver map[string]string

func (r StaticHostResolver) ResolvePhysicalRoom(address string) (string, error) {
	room, ok := r[address]
	if !ok {
		return "", fmt.Errorf("no physical room mapping for address %q", address)
	}
	return room, nil
}

// Topology is the raft-applied topology store.
type Topology struct {
	store    storage.Store
	resolver HostResolver
	view     *scheduling.View
	broker   *events.Broker
	cfg      Config

	physicalMu sync.Mutex
	logical    map[string]*types.LogicalRoom
	physical   map[string]map[string]*types.PhysicalRoom // logical name -> physical name -> room

	instanceMu         sync.Mutex
	instances           map[string]*types.Instance
	instancesByPhysical map[string]map[string]bool // physical room -> instance addresses
	instancesByTag      map[string]map[string]bool // resource tag -> instance addresses
	segmentsByTag       map[string]map[string][]string // resource tag -> network segment -> sorted addresses
	prefixLenByTag      map[string]int
	rollingCursor       map[string]*types.RollingCursor

	paramMu sync.Mutex
	params  map[string]*types.InstanceParam // scope key -> param
}

// New constructs an empty Topology; call Load to populate it from storage
// on startup.
func New(store storage.Store, resolver HostResolver, view *scheduling.View, broker *events.Broker, cfg Config) *Topology {
	t := &Topology{
		store:    store,
		resolver: resolver,
		view:     view,
		broker:   broker,
		cfg:      cfg,

		logical:  make(map[string]*types.LogicalRoom),
		physical: make(map[string]map[string]*types.PhysicalRoom),

		instances:           make(map[string]*types.Instance),
		instancesByPhysical: make(map[string]map[string]bool),
		instancesByTag:      make(map[string]map[string]bool),
		segmentsByTag:       make(map[string]map[string][]string),
		prefixLenByTag:      make(map[string]int),
		rollingCursor:       make(map[string]*types.RollingCursor),

		params: make(map[string]*types.InstanceParam),
	}
	t.seedDefaultRoom()
	return t
}

func (t *Topology) seedDefaultRoom() {
	now := time.Now()
	t.logical[t.cfg.DefaultLogicalRoom] = &types.LogicalRoom{
		Name:      t.cfg.DefaultLogicalRoom,
		Physicals: map[string]bool{t.cfg.DefaultPhysicalRoom: true},
		CreatedAt: now,
	}
	t.physical[t.cfg.DefaultLogicalRoom] = map[string]*types.PhysicalRoom{
		t.cfg.DefaultPhysicalRoom: {
			Name:      t.cfg.DefaultPhysicalRoom,
			Logical:   t.cfg.DefaultLogicalRoom,
			CreatedAt: now,
		},
	}
}

func (t *Topology) publish(eventType events.EventType, message string, meta map[string]string) {
	if t.broker == nil {
		return
	}
	t.broker.Publish(&events.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Message:   message,
		Metadata:  meta,
	})
}

// AddLogical creates logical rooms, failing INPUT if any name already
// exists.
func (t *Topology) AddLogical(names []string) error {
	if len(names) == 0 {
		return types.NewStatusError(types.StatusInputParamError, "add_logical requires at least one name")
	}
	t.physicalMu.Lock()
	defer t.physicalMu.Unlock()

	for _, name := range names {
		if _, ok := t.logical[name]; ok {
			return types.NewStatusError(types.StatusInputParamError, "logical room %q already exists", name)
		}
	}
	for _, name := range names {
		t.logical[name] = &types.LogicalRoom{
			Name:      name,
			Physicals: make(map[string]bool),
			CreatedAt: time.Now(),
		}
		t.physical[name] = make(map[string]*types.PhysicalRoom)
	}
	if err := t.persistLogicalLocked(); err != nil {
		return err
	}
	for _, name := range names {
		t.publish(events.EventLogicalRoomAdded, "logical room added", map[string]string{"logical_room": name})
	}
	return nil
}

// DropLogical removes logical rooms, refusing any room that still contains
// physical rooms (invariant I3).
func (t *Topology) DropLogical(names []string) error {
	t.physicalMu.Lock()
	defer t.physicalMu.Unlock()

	for _, name := range names {
		room, ok := t.logical[name]
		if !ok {
			return types.NewStatusError(types.StatusInputParamError, "logical room %q does not exist", name)
		}
		if len(room.Physicals) > 0 {
			return types.NewStatusError(types.StatusInputParamError, "logical room %q still has %d physical room(s)", name, len(room.Physicals))
		}
	}
	for _, name := range names {
		delete(t.logical, name)
		delete(t.physical, name)
	}
	if err := t.persistLogicalLocked(); err != nil {
		return err
	}
	for _, name := range names {
		t.publish(events.EventLogicalRoomDropped, "logical room dropped", map[string]string{"logical_room": name})
	}
	return nil
}

// AddPhysical creates physical rooms under an existing logical room, failing
// INPUT if any name already exists globally (a physical room name is unique
// across the whole cluster, not just within its logical room).
func (t *Topology) AddPhysical(logical string, names []string) error {
	if len(names) == 0 {
		return types.NewStatusError(types.StatusInputParamError, "add_physical requires at least one name")
	}
	t.physicalMu.Lock()
	defer t.physicalMu.Unlock()

	room, ok := t.logical[logical]
	if !ok {
		return types.NewStatusError(types.StatusInputParamError, "logical room %q does not exist", logical)
	}
	for _, name := range names {
		for _, rooms := range t.physical {
			if _, exists := rooms[name]; exists {
				return types.NewStatusError(types.StatusInputParamError, "physical room %q already exists", name)
			}
		}
	}
	for _, name := range names {
		room.Physicals[name] = true
		t.physical[logical][name] = &types.PhysicalRoom{Name: name, Logical: logical, CreatedAt: time.Now()}
	}
	if err := t.persistLogicalAndPhysicalLocked(logical); err != nil {
		return err
	}
	for _, name := range names {
		t.publish(events.EventPhysicalRoomAdded, "physical room added", map[string]string{"logical_room": logical, "physical_room": name})
	}
	return nil
}

// DropPhysical removes physical rooms, refusing any room that still has
// instances attached (invariant I3).
func (t *Topology) DropPhysical(logical string, names []string) error {
	t.physicalMu.Lock()
	defer t.physicalMu.Unlock()

	room, ok := t.logical[logical]
	if !ok {
		return types.NewStatusError(types.StatusInputParamError, "logical room %q does not exist", logical)
	}
	t.instanceMu.Lock()
	for _, name := range names {
		if !room.Physicals[name] {
			t.instanceMu.Unlock()
			return types.NewStatusError(types.StatusInputParamError, "physical room %q does not exist under %q", name, logical)
		}
		if len(t.instancesByPhysical[name]) > 0 {
			t.instanceMu.Unlock()
			return types.NewStatusError(types.StatusInputParamError, "physical room %q still has %d instance(s)", name, len(t.instancesByPhysical[name]))
		}
	}
	t.instanceMu.Unlock()

	for _, name := range names {
		delete(room.Physicals, name)
		delete(t.physical[logical], name)
	}
	if err := t.persistLogicalAndPhysicalLocked(logical); err != nil {
		return err
	}
	for _, name := range names {
		t.publish(events.EventPhysicalRoomDropped, "physical room dropped", map[string]string{"logical_room": logical, "physical_room": name})
	}
	return nil
}

// MovePhysical reassigns an existing physical room to a different logical
// room, carrying its instances' LogicalRoom field along atomically.
func (t *Topology) MovePhysical(physical, oldLogical, newLogical string) error {
	t.physicalMu.Lock()
	defer t.physicalMu.Unlock()

	oldRoom, ok := t.logical[oldLogical]
	if !ok {
		return types.NewStatusError(types.StatusInputParamError, "logical room %q does not exist", oldLogical)
	}
	newRoom, ok := t.logical[newLogical]
	if !ok {
		return types.NewStatusError(types.StatusInputParamError, "logical room %q does not exist", newLogical)
	}
	if !oldRoom.Physicals[physical] {
		return types.NewStatusError(types.StatusInputParamError, "physical room %q does not exist under %q", physical, oldLogical)
	}
	if newRoom.Physicals[physical] {
		return types.NewStatusError(types.StatusInputParamError, "physical room %q already exists under %q", physical, newLogical)
	}

	room := t.physical[oldLogical][physical]
	delete(oldRoom.Physicals, physical)
	delete(t.physical[oldLogical], physical)
	newRoom.Physicals[physical] = true
	room.Logical = newLogical
	t.physical[newLogical][physical] = room

	t.instanceMu.Lock()
	for addr := range t.instancesByPhysical[physical] {
		if inst, ok := t.instances[addr]; ok {
			inst.LogicalRoom = newLogical
		}
	}
	t.instanceMu.Unlock()

	if err := t.persistLogicalAndPhysicalLocked(oldLogical, newLogical); err != nil {
		return err
	}
	t.instanceMu.Lock()
	addrs := make([]string, 0, len(t.instancesByPhysical[physical]))
	for addr := range t.instancesByPhysical[physical] {
		addrs = append(addrs, addr)
	}
	t.instanceMu.Unlock()
	if err := t.persistInstances(addrs); err != nil {
		return err
	}

	t.publish(events.EventPhysicalRoomMoved, "physical room moved", map[string]string{
		"physical_room": physical, "old_logical_room": oldLogical, "new_logical_room": newLogical,
	})
	return nil
}

func (t *Topology) resolvePhysicalRoom(inst *types.Instance) error {
	if inst.PhysicalRoom != "" {
		return nil
	}
	if t.resolver != nil {
		if room, err := t.resolver.ResolvePhysicalRoom(inst.Address); err == nil && room != "" {
			inst.PhysicalRoom = room
			return nil
		}
	}
	inst.PhysicalRoom = t.cfg.DefaultPhysicalRoom
	return nil
}

// AddInstance registers a new store instance, resolving its physical room
// when omitted and seeding an empty scheduling aggregate for it.
func (t *Topology) AddInstance(inst *types.Instance) error {
	if inst.Address == "" {
		return types.NewStatusError(types.StatusInputParamError, "add_instance requires an address")
	}
	if err := t.resolvePhysicalRoom(inst); err != nil {
		return err
	}

	t.physicalMu.Lock()
	room, ok := t.physical[inst.LogicalRoom][inst.PhysicalRoom]
	if !ok {
		// Physical room's logical room was not supplied; search for it.
		for logical, rooms := range t.physical {
			if r, found := rooms[inst.PhysicalRoom]; found {
				room = r
				inst.LogicalRoom = logical
				ok = true
				break
			}
		}
	}
	t.physicalMu.Unlock()
	if !ok || room == nil {
		return types.NewStatusError(types.StatusInputParamError, "physical room %q does not exist", inst.PhysicalRoom)
	}
	inst.LogicalRoom = room.Logical

	if inst.Status.State == "" {
		inst.Status.State = types.InstanceNormal
	}
	inst.Status.LastHeartbeatUnix = time.Now().UnixNano()

	t.instanceMu.Lock()
	if _, exists := t.instances[inst.Address]; exists {
		t.instanceMu.Unlock()
		return types.NewStatusError(types.StatusInputParamError, "instance %q already exists", inst.Address)
	}
	t.instances[inst.Address] = inst
	t.indexInstanceLocked(inst)
	t.instanceMu.Unlock()

	t.view.Modify(func(next map[string]*types.InstanceSchedulingInfo) {
		next[inst.Address] = types.NewInstanceSchedulingInfo(inst.ResourceTag, inst.LogicalRoom)
	})

	if err := t.persistInstances([]string{inst.Address}); err != nil {
		return err
	}
	t.recomputeSegmentsForTag(inst.ResourceTag)
	t.publish(events.EventInstanceAdded, "instance added", map[string]string{"address": inst.Address, "resource_tag": inst.ResourceTag})
	return nil
}

// indexInstanceLocked must be called with instanceMu held.
func (t *Topology) indexInstanceLocked(inst *types.Instance) {
	if t.instancesByPhysical[inst.PhysicalRoom] == nil {
		t.instancesByPhysical[inst.PhysicalRoom] = make(map[string]bool)
	}
	t.instancesByPhysical[inst.PhysicalRoom][inst.Address] = true

	if t.instancesByTag[inst.ResourceTag] == nil {
		t.instancesByTag[inst.ResourceTag] = make(map[string]bool)
	}
	t.instancesByTag[inst.ResourceTag][inst.Address] = true
}

func (t *Topology) deindexInstanceLocked(inst *types.Instance) {
	delete(t.instancesByPhysical[inst.PhysicalRoom], inst.Address)
	delete(t.instancesByTag[inst.ResourceTag], inst.Address)
}

// DropInstance removes an instance from the topology. An unknown address is
// treated as success: drop_instance is idempotent, unlike every other
// unknown-name path in this store.
func (t *Topology) DropInstance(address string) error {
	t.instanceMu.Lock()
	inst, ok := t.instances[address]
	if !ok {
		t.instanceMu.Unlock()
		return nil
	}
	t.deindexInstanceLocked(inst)
	delete(t.instances, address)
	delete(t.rollingCursor, address)
	t.instanceMu.Unlock()

	t.view.Modify(func(next map[string]*types.InstanceSchedulingInfo) {
		delete(next, address)
	})

	if err := t.store.Delete(instanceKey(address)); err != nil {
		return fmt.Errorf("delete instance %q: %w", address, err)
	}
	t.recomputeSegmentsForTag(inst.ResourceTag)
	t.publish(events.EventInstanceDropped, "instance dropped", map[string]string{"address": address})
	return nil
}

// UpdateInstance updates capacity, used size, resource tag, and the
// self-defined network segment override. Status and physical/logical room
// assignment are preserved (invariant I5); tag changes re-segment both the
// old and new tag's instance population and move the scheduling aggregate.
func (t *Topology) UpdateInstance(address string, capacity, used int64, resourceTag, networkSegmentOverride string) error {
	t.instanceMu.Lock()
	inst, ok := t.instances[address]
	if !ok {
		t.instanceMu.Unlock()
		return types.NewStatusError(types.StatusInputParamError, "instance %q does not exist", address)
	}

	oldTag := inst.ResourceTag
	inst.Capacity = capacity
	inst.UsedSize = used
	if networkSegmentOverride != "" {
		inst.NetworkSegmentSelfDefined = networkSegmentOverride
	}
	tagChanged := resourceTag != "" && resourceTag != oldTag
	if tagChanged {
		t.deindexInstanceLocked(inst)
		inst.ResourceTag = resourceTag
		t.indexInstanceLocked(inst)
	}
	t.instanceMu.Unlock()

	if tagChanged {
		t.view.Modify(func(next map[string]*types.InstanceSchedulingInfo) {
			next[address] = types.NewInstanceSchedulingInfo(resourceTag, inst.LogicalRoom)
		})
	}

	if err := t.persistInstances([]string{address}); err != nil {
		return err
	}
	if tagChanged {
		t.recomputeSegmentsForTag(oldTag)
		t.recomputeSegmentsForTag(resourceTag)
	} else {
		t.recomputeSegmentsForTag(inst.ResourceTag)
	}
	t.publish(events.EventInstanceUpdated, "instance updated", map[string]string{"address": address})
	return nil
}

// SetInstanceMigrate is the operator-only status transition into or out of
// MIGRATE. Unlike the health monitor's NORMAL/FAULTY/DEAD transitions this
// one is written to the meta store, since it is an explicit administrative
// decision rather than a derived liveness observation; Load still starts
// every instance at NORMAL, so the MIGRATE state does not survive a reload.
func (t *Topology) SetInstanceMigrate(address string, migrate bool) error {
	t.instanceMu.Lock()
	inst, ok := t.instances[address]
	if !ok {
		t.instanceMu.Unlock()
		return types.NewStatusError(types.StatusInputParamError, "instance %q does not exist", address)
	}
	if migrate {
		inst.Status.State = types.InstanceMigrate
	} else if inst.Status.State == types.InstanceMigrate {
		inst.Status.State = types.InstanceNormal
	}
	t.instanceMu.Unlock()

	if err := t.persistInstances([]string{address}); err != nil {
		return err
	}
	t.publish(events.EventInstanceStateChanged, "instance migrate flag set", map[string]string{"address": address, "migrate": fmt.Sprintf("%v", migrate)})
	return nil
}

// SetInstanceState is the health monitor's in-memory-only transition; it
// deliberately does not persist, so a restart always comes back up with
// every instance NORMAL regardless of its state at shutdown.
func (t *Topology) SetInstanceState(address string, state types.InstanceState) {
	t.instanceMu.Lock()
	inst, ok := t.instances[address]
	if !ok {
		t.instanceMu.Unlock()
		return
	}
	from := inst.Status.State
	inst.Status.State = state
	t.instanceMu.Unlock()

	if from != state {
		log.WithInstance(address).Info().Str("from", string(from)).Str("to", string(state)).Msg("instance state transition")
		t.publish(events.EventInstanceStateChanged, "instance state changed", map[string]string{"address": address, "from": string(from), "to": string(state)})
	}
}

// TouchHeartbeat records the arrival of a store heartbeat.
func (t *Topology) TouchHeartbeat(address string) {
	t.instanceMu.Lock()
	defer t.instanceMu.Unlock()
	if inst, ok := t.instances[address]; ok {
		inst.Status.LastHeartbeatUnix = time.Now().UnixNano()
	}
}

// Instance returns a copy of one instance's current record.
func (t *Topology) Instance(address string) (types.Instance, bool) {
	t.instanceMu.Lock()
	defer t.instanceMu.Unlock()
	inst, ok := t.instances[address]
	if !ok {
		return types.Instance{}, false
	}
	return *inst, true
}

// InstancesByTag returns copies of every instance under a resource tag.
func (t *Topology) InstancesByTag(tag string) []types.Instance {
	t.instanceMu.Lock()
	defer t.instanceMu.Unlock()
	out := make([]types.Instance, 0, len(t.instancesByTag[tag]))
	for addr := range t.instancesByTag[tag] {
		out = append(out, *t.instances[addr])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// AllInstances returns copies of every instance, grouped by nothing in
// particular; callers needing per-tag grouping should use InstancesByTag or
// ResourceTags.
func (t *Topology) AllInstances() []types.Instance {
	t.instanceMu.Lock()
	defer t.instanceMu.Unlock()
	out := make([]types.Instance, 0, len(t.instances))
	for _, inst := range t.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// ResourceTags returns every resource tag with at least one instance.
func (t *Topology) ResourceTags() []string {
	t.instanceMu.Lock()
	defer t.instanceMu.Unlock()
	out := make([]string, 0, len(t.instancesByTag))
	for tag := range t.instancesByTag {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// LogicalRooms returns every logical room name.
func (t *Topology) LogicalRooms() []string {
	t.physicalMu.Lock()
	defer t.physicalMu.Unlock()
	out := make([]string, 0, len(t.logical))
	for name := range t.logical {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PhysicalRooms returns every physical room under a logical room.
func (t *Topology) PhysicalRooms(logical string) []string {
	t.physicalMu.Lock()
	defer t.physicalMu.Unlock()
	rooms := t.physical[logical]
	out := make([]string, 0, len(rooms))
	for name := range rooms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LogicalRoomCount and PhysicalRoomCount back the periodic metrics
// collector's gauges.
func (t *Topology) LogicalRoomCount() int {
	t.physicalMu.Lock()
	defer t.physicalMu.Unlock()
	return len(t.logical)
}

func (t *Topology) PhysicalRoomCount() int {
	t.physicalMu.Lock()
	defer t.physicalMu.Unlock()
	total := 0
	for _, rooms := range t.physical {
		total += len(rooms)
	}
	return total
}

// InstanceCountsByTagAndState backs the metrics collector's per-tag,
// per-state instance gauge.
func (t *Topology) InstanceCountsByTagAndState() map[string]map[string]int {
	t.instanceMu.Lock()
	defer t.instanceMu.Unlock()
	out := make(map[string]map[string]int)
	for _, inst := range t.instances {
		byState, ok := out[inst.ResourceTag]
		if !ok {
			byState = make(map[string]int)
			out[inst.ResourceTag] = byState
		}
		byState[string(inst.Status.State)]++
	}
	return out
}

// persistLogicalLocked must be called with physicalMu held.
func (t *Topology) persistLogicalLocked() error {
	names := make([]string, 0, len(t.logical))
	for name := range t.logical {
		names = append(names, name)
	}
	sort.Strings(names)
	data, err := encodeLogical(names)
	if err != nil {
		return fmt.Errorf("encode logical rooms: %w", err)
	}
	if err := t.store.Put(logicalKey(), data); err != nil {
		return fmt.Errorf("persist logical rooms: %w", err)
	}
	return nil
}

// persistLogicalAndPhysicalLocked must be called with physicalMu held. The
// logical-room list and each named logical room's physical-room list are
// written in one batch, so move_physical never persists one side without
// the other.
func (t *Topology) persistLogicalAndPhysicalLocked(logicalNames ...string) error {
	all := make([]string, 0, len(t.logical))
	for name := range t.logical {
		all = append(all, name)
	}
	sort.Strings(all)
	logicalData, err := encodeLogical(all)
	if err != nil {
		return fmt.Errorf("encode logical rooms: %w", err)
	}
	keys := [][]byte{logicalKey()}
	values := [][]byte{logicalData}
	for _, logical := range logicalNames {
		names := make([]string, 0, len(t.physical[logical]))
		for name := range t.physical[logical] {
			names = append(names, name)
		}
		sort.Strings(names)
		data, err := encodePhysical(names)
		if err != nil {
			return fmt.Errorf("encode physical rooms for %q: %w", logical, err)
		}
		keys = append(keys, physicalKey(logical))
		values = append(values, data)
	}
	if err := t.store.PutBatch(keys, values); err != nil {
		return fmt.Errorf("persist logical and physical rooms: %w", err)
	}
	return nil
}

func (t *Topology) persistInstances(addresses []string) error {
	t.instanceMu.Lock()
	puts := make([][]byte, 0, len(addresses))
	values := make([][]byte, 0, len(addresses))
	for _, addr := range addresses {
		inst, ok := t.instances[addr]
		if !ok {
			continue
		}
		data, err := encodeInstance(inst)
		if err != nil {
			t.instanceMu.Unlock()
			return fmt.Errorf("encode instance %q: %w", addr, err)
		}
		puts = append(puts, instanceKey(addr))
		values = append(values, data)
	}
	t.instanceMu.Unlock()

	if len(puts) == 0 {
		return nil
	}
	if err := t.store.PutBatch(puts, values); err != nil {
		return fmt.Errorf("persist instances: %w", err)
	}
	return nil
}

func (t *Topology) recomputeSegmentsForTag(tag string) {
	if tag == "" {
		return
	}
	t.runSegmentation(tag)
}
