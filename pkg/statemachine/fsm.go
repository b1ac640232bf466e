package statemachine

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/ctrlplane/meta/pkg/storage"
	"github.com/ctrlplane/meta/pkg/topology"
)

// FSM implements raft.FSM over a topology.Topology: Apply dispatches each
// committed Command to the matching Topology mutation, mirroring the
// reference FSM's op-string switch dispatch. Snapshot/Restore operate at
// the meta-store's raw key/value level rather than re-deriving in-memory
// state, since Topology already persists every mutation to store
// synchronously inside Apply -- the store's contents already are the
// durable state a raft snapshot needs to capture.
type FSM struct {
	mu    sync.Mutex
	store storage.Store
	topo  *topology.Topology
}

// NewFSM constructs an FSM over an already-constructed Topology.
func NewFSM(store storage.Store, topo *topology.Topology) *FSM {
	return &FSM{store: store, topo: topo}
}

// Apply applies one committed log entry. The returned value is either nil
// (success) or an error (usually *types.StatusError), and is surfaded back
// to the caller through raft's ApplyFuture.Response().
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpAddLogical:
		var p addLogicalPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.topo.AddLogical(p.Names)

	case OpDropLogical:
		var p dropLogicalPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.topo.DropLogical(p.Names)

	case OpAddPhysical:
		var p addPhysicalPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.topo.AddPhysical(p.Logical, p.Names)

	case OpDropPhysical:
		var p dropPhysicalPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.topo.DropPhysical(p.Logical, p.Names)

	case OpMovePhysical:
		var p movePhysicalPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.topo.MovePhysical(p.Physical, p.OldLogical, p.NewLogical)

	case OpAddInstance:
		var p addInstancePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		inst := p.Instance
		return f.topo.AddInstance(&inst)

	case OpDropInstance:
		var p dropInstancePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.topo.DropInstance(p.Address)

	case OpUpdateInstance:
		var p updateInstancePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.topo.UpdateInstance(p.Address, p.Capacity, p.UsedSize, p.ResourceTag, p.NetworkSegmentOverride)

	case OpUpdateInstanceParam:
		var p updateInstanceParamPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.topo.UpdateInstanceParam(p.Updates)

	case OpSetInstanceMigrate:
		var p setInstanceMigratePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.topo.SetInstanceMigrate(p.Address, p.Migrate)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures every key/value pair in the meta store.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var records []kvRecord
	err := f.store.ScanPrefix(nil, func(key, value []byte) error {
		records = append(records, kvRecord{
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), value...),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan meta store for snapshot: %w", err)
	}
	return &snapshotData{records: records}, nil
}

// Restore replaces the meta store's contents with the snapshot's and
// reloads Topology from it.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var records []kvRecord
	if err := json.NewDecoder(rc).Decode(&records); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	puts := make([][]byte, 0, len(records))
	values := make([][]byte, 0, len(records))
	inSnapshot := make(map[string]bool, len(records))
	for _, r := range records {
		puts = append(puts, r.Key)
		values = append(values, r.Value)
		inSnapshot[string(r.Key)] = true
	}
	var stale [][]byte
	if err := f.store.ScanPrefix(nil, func(key, _ []byte) error {
		if !inSnapshot[string(key)] {
			stale = append(stale, append([]byte(nil), key...))
		}
		return nil
	}); err != nil {
		return fmt.Errorf("scan meta store before restore: %w", err)
	}
	if err := f.store.Write(puts, values, stale); err != nil {
		return fmt.Errorf("apply snapshot to meta store: %w", err)
	}

	return f.topo.Load()
}

type kvRecord struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

type snapshotData struct {
	records []kvRecord
}

func (s *snapshotData) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.records); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *snapshotData) Release() {}
