package statemachine

import (
	"encoding/json"

	"github.com/ctrlplane/meta/pkg/topology"
	"github.com/ctrlplane/meta/pkg/types"
)

// Command is one raft log entry: an operation code and its JSON-encoded
// payload. Every mutating topology operation goes through exactly one of
// these, so raft gives the whole cluster a single agreed-upon order for
// them.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Operation codes. The first nine mirror the enumerated topology
// operations; SetInstanceMigrate is a tenth, added because the enumerated
// list has no way to express the operator-triggered NORMAL/MIGRATE
// transition that update_instance explicitly must not perform (see
// DESIGN.md's Open Question resolutions).
const (
	OpAddLogical          = "add_logical"
	OpDropLogical         = "drop_logical"
	OpAddPhysical         = "add_physical"
	OpDropPhysical        = "drop_physical"
	OpMovePhysical        = "move_physical"
	OpAddInstance         = "add_instance"
	OpDropInstance        = "drop_instance"
	OpUpdateInstance      = "update_instance"
	OpUpdateInstanceParam = "update_instance_param"
	OpSetInstanceMigrate  = "set_instance_migrate"
)

type addLogicalPayload struct {
	Names []string `json:"names"`
}

type dropLogicalPayload struct {
	Names []string `json:"names"`
}

type addPhysicalPayload struct {
	Logical string   `json:"logical"`
	Names   []string `json:"names"`
}

type dropPhysicalPayload struct {
	Logical string   `json:"logical"`
	Names   []string `json:"names"`
}

type movePhysicalPayload struct {
	Physical   string `json:"physical"`
	OldLogical string `json:"old_logical"`
	NewLogical string `json:"new_logical"`
}

type addInstancePayload struct {
	Instance types.Instance `json:"instance"`
}

type dropInstancePayload struct {
	Address string `json:"address"`
}

type updateInstancePayload struct {
	Address                string `json:"address"`
	Capacity               int64  `json:"capacity"`
	UsedSize               int64  `json:"used_size"`
	ResourceTag            string `json:"resource_tag,omitempty"`
	NetworkSegmentOverride string `json:"network_segment_override,omitempty"`
}

type updateInstanceParamPayload struct {
	Updates []topology.InstanceParamUpdate `json:"updates"`
}

type setInstanceMigratePayload struct {
	Address string `json:"address"`
	Migrate bool   `json:"migrate"`
}

// NewCommand encodes op and payload into a Command ready for Apply.
func NewCommand(op string, payload any) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Op: op, Data: data}, nil
}

// AddLogicalCommand, etc. build the Command for each operation. These are
// the construction side of the thin-method-builds-command pattern; FSM's
// Apply is the dispatch side.
func AddLogicalCommand(names []string) (Command, error) {
	return NewCommand(OpAddLogical, addLogicalPayload{Names: names})
}

func DropLogicalCommand(names []string) (Command, error) {
	return NewCommand(OpDropLogical, dropLogicalPayload{Names: names})
}

func AddPhysicalCommand(logical string, names []string) (Command, error) {
	return NewCommand(OpAddPhysical, addPhysicalPayload{Logical: logical, Names: names})
}

func DropPhysicalCommand(logical string, names []string) (Command, error) {
	return NewCommand(OpDropPhysical, dropPhysicalPayload{Logical: logical, Names: names})
}

func MovePhysicalCommand(physical, oldLogical, newLogical string) (Command, error) {
	return NewCommand(OpMovePhysical, movePhysicalPayload{Physical: physical, OldLogical: oldLogical, NewLogical: newLogical})
}

func AddInstanceCommand(inst types.Instance) (Command, error) {
	return NewCommand(OpAddInstance, addInstancePayload{Instance: inst})
}

func DropInstanceCommand(address string) (Command, error) {
	return NewCommand(OpDropInstance, dropInstancePayload{Address: address})
}

func UpdateInstanceCommand(address string, capacity, used int64, resourceTag, networkSegmentOverride string) (Command, error) {
	return NewCommand(OpUpdateInstance, updateInstancePayload{
		Address: address, Capacity: capacity, UsedSize: used,
		ResourceTag: resourceTag, NetworkSegmentOverride: networkSegmentOverride,
	})
}

func UpdateInstanceParamCommand(updates []topology.InstanceParamUpdate) (Command, error) {
	return NewCommand(OpUpdateInstanceParam, updateInstanceParamPayload{Updates: updates})
}

func SetInstanceMigrateCommand(address string, migrate bool) (Command, error) {
	return NewCommand(OpSetInstanceMigrate, setInstanceMigratePayload{Address: address, Migrate: migrate})
}
