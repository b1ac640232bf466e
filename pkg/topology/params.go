package topology

import (
	"fmt"
	"sort"

	"github.com/ctrlplane/meta/pkg/types"
)

// InstanceParamUpdate is one scope's worth of param entries to merge.
// ScopeKey is either a resource tag or an instance address; address-scoped
// entries take precedence over tag-scoped ones with the same key when a
// heartbeat responder resolves effective params for an instance.
type InstanceParamUpdate struct {
	ScopeKey string
	Entries  []types.InstanceParamEntry
}

// UpdateInstanceParam merges the given entries into each scope's existing
// param set; an entry with a key already present in the scope overwrites
// the prior value rather than duplicating it.
func (t *Topology) UpdateInstanceParam(updates []InstanceParamUpdate) error {
	if len(updates) == 0 {
		return types.NewStatusError(types.StatusInputParamError, "update_instance_param requires at least one scope")
	}

	t.paramMu.Lock()
	touched := make([]string, 0, len(updates))
	for _, u := range updates {
		if u.ScopeKey == "" {
			t.paramMu.Unlock()
			return types.NewStatusError(types.StatusInputParamError, "update_instance_param entry missing scope key")
		}
		param, ok := t.params[u.ScopeKey]
		if !ok {
			param = &types.InstanceParam{ScopeKey: u.ScopeKey, Entries: make(map[string]types.InstanceParamEntry)}
			t.params[u.ScopeKey] = param
		}
		for _, e := range u.Entries {
			param.Entries[e.Key] = e
		}
		touched = append(touched, u.ScopeKey)
	}
	t.paramMu.Unlock()

	if err := t.persistParams(touched); err != nil {
		return err
	}
	return nil
}

func (t *Topology) persistParams(scopeKeys []string) error {
	t.paramMu.Lock()
	puts := make([][]byte, 0, len(scopeKeys))
	values := make([][]byte, 0, len(scopeKeys))
	for _, key := range scopeKeys {
		param, ok := t.params[key]
		if !ok {
			continue
		}
		data, err := encodeParam(param)
		if err != nil {
			t.paramMu.Unlock()
			return fmt.Errorf("encode instance param %q: %w", key, err)
		}
		puts = append(puts, instanceParamKey(key))
		values = append(values, data)
	}
	t.paramMu.Unlock()

	if len(puts) == 0 {
		return nil
	}
	if err := t.store.PutBatch(puts, values); err != nil {
		return fmt.Errorf("persist instance params: %w", err)
	}
	return nil
}

// InstanceParamsFor resolves the effective param set for an instance:
// tag-scoped entries first, then address-scoped entries overwriting any
// tag-scoped entry with the same key.
func (t *Topology) InstanceParamsFor(address, resourceTag string) []types.InstanceParamEntry {
	t.paramMu.Lock()
	defer t.paramMu.Unlock()

	merged := make(map[string]types.InstanceParamEntry)
	if tagParam, ok := t.params[resourceTag]; ok {
		for k, v := range tagParam.Entries {
			merged[k] = v
		}
	}
	if addrParam, ok := t.params[address]; ok {
		for k, v := range addrParam.Entries {
			merged[k] = v
		}
	}

	out := make([]types.InstanceParamEntry, 0, len(merged))
	for _, v := range merged {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
