package topology

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ctrlplane/meta/pkg/log"
	"github.com/ctrlplane/meta/pkg/types"
)

func encodeLogical(names []string) ([]byte, error) {
	return json.Marshal(names)
}

func decodeLogical(data []byte) ([]string, error) {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func encodePhysical(names []string) ([]byte, error) {
	return json.Marshal(names)
}

func decodePhysical(data []byte) ([]string, error) {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func encodeInstance(inst *types.Instance) ([]byte, error) {
	return json.Marshal(inst)
}

func decodeInstance(data []byte) (*types.Instance, error) {
	var inst types.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func encodeParam(param *types.InstanceParam) ([]byte, error) {
	return json.Marshal(param)
}

func decodeParam(data []byte) (*types.InstanceParam, error) {
	var param types.InstanceParam
	if err := json.Unmarshal(data, &param); err != nil {
		return nil, err
	}
	return &param, nil
}

// Load repopulates the topology from the meta store on startup. It applies
// a two-tier error-tolerance split: a record that fails to parse at all is
// fatal (the store is corrupt and cannot safely be trusted), while an
// instance whose physical room can no longer be resolved against the
// logical/physical index that was just loaded is logged and skipped rather
// than aborting the whole load, since topology loads are expected to
// tolerate a small amount of drift left over from a crash mid-mutation.
func (t *Topology) Load() error {
	t.physicalMu.Lock()
	t.logical = make(map[string]*types.LogicalRoom)
	t.physical = make(map[string]map[string]*types.PhysicalRoom)
	t.physicalMu.Unlock()

	t.instanceMu.Lock()
	t.instances = make(map[string]*types.Instance)
	t.instancesByPhysical = make(map[string]map[string]bool)
	t.instancesByTag = make(map[string]map[string]bool)
	t.segmentsByTag = make(map[string]map[string][]string)
	t.prefixLenByTag = make(map[string]int)
	t.rollingCursor = make(map[string]*types.RollingCursor)
	t.instanceMu.Unlock()

	t.paramMu.Lock()
	t.params = make(map[string]*types.InstanceParam)
	t.paramMu.Unlock()

	t.seedDefaultRoom()
	t.view.Reset()

	logicalNames, err := t.loadLogical()
	if err != nil {
		return fmt.Errorf("load logical rooms: %w", err)
	}

	for _, name := range logicalNames {
		if _, ok := t.logical[name]; !ok {
			t.physicalMu.Lock()
			t.logical[name] = &types.LogicalRoom{Name: name, Physicals: make(map[string]bool), CreatedAt: time.Now()}
			t.physical[name] = make(map[string]*types.PhysicalRoom)
			t.physicalMu.Unlock()
		}
		physicalNames, err := t.loadPhysical(name)
		if err != nil {
			return fmt.Errorf("load physical rooms for %q: %w", name, err)
		}
		t.physicalMu.Lock()
		for _, pname := range physicalNames {
			t.logical[name].Physicals[pname] = true
			t.physical[name][pname] = &types.PhysicalRoom{Name: pname, Logical: name, CreatedAt: time.Now()}
		}
		t.physicalMu.Unlock()
	}

	if err := t.loadInstances(); err != nil {
		return fmt.Errorf("load instances: %w", err)
	}
	if err := t.loadParams(); err != nil {
		return fmt.Errorf("load instance params: %w", err)
	}

	for _, tag := range t.ResourceTags() {
		t.runSegmentation(tag)
	}
	return nil
}

func (t *Topology) loadLogical() ([]string, error) {
	data, err := t.store.Get(logicalKey())
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return decodeLogical(data)
}

func (t *Topology) loadPhysical(logical string) ([]string, error) {
	data, err := t.store.Get(physicalKey(logical))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return decodePhysical(data)
}

func (t *Topology) loadInstances() error {
	return t.store.ScanPrefix(instancePrefix, func(key, value []byte) error {
		inst, err := decodeInstance(value)
		if err != nil {
			return fmt.Errorf("parse instance record for key %q: %w", key, err)
		}

		t.physicalMu.Lock()
		room, ok := t.physical[inst.LogicalRoom][inst.PhysicalRoom]
		t.physicalMu.Unlock()
		if !ok || room == nil {
			log.WithInstance(inst.Address).Warn().
				Str("physical_room", inst.PhysicalRoom).
				Str("logical_room", inst.LogicalRoom).
				Msg("skipping instance record with unresolvable physical room")
			return nil
		}

		// Heartbeat clock resets on load: a stale timestamp from before a
		// restart must not immediately read as overdue.
		inst.Status.LastHeartbeatUnix = time.Now().UnixNano()
		inst.Status.State = types.InstanceNormal

		t.instanceMu.Lock()
		t.instances[inst.Address] = inst
		t.indexInstanceLocked(inst)
		t.instanceMu.Unlock()

		t.view.Modify(func(next map[string]*types.InstanceSchedulingInfo) {
			next[inst.Address] = types.NewInstanceSchedulingInfo(inst.ResourceTag, inst.LogicalRoom)
		})
		return nil
	})
}

func (t *Topology) loadParams() error {
	return t.store.ScanPrefix(instanceParamPrefix, func(key, value []byte) error {
		param, err := decodeParam(value)
		if err != nil {
			return fmt.Errorf("parse instance param record for key %q: %w", key, err)
		}
		t.paramMu.Lock()
		t.params[param.ScopeKey] = param
		t.paramMu.Unlock()
		return nil
	})
}
