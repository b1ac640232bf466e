package balancer

import "github.com/google/uuid"

// Dimension identifies which budget kind a BalancePlan carries.
type Dimension string

const (
	DimensionPeer      Dimension = "peer"
	DimensionLearner   Dimension = "learner"
	DimensionPkPrefix  Dimension = "pk_prefix"
)

// BalancePlan is one add-elsewhere budget handed to the region manager: move
// or add Budget peers/learners off FromAddress onto ToAddress for TableID
// (and, for the pk-prefix dimension, PkPrefixKey). ToAddress is the
// destination an instance selector chose; it is empty when no legal
// destination could be found, in which case the plan is dropped rather than
// handed to the region manager. Plans carry their own ID so an operator
// inspection command can reference one already issued.
type BalancePlan struct {
	ID          string
	Dimension   Dimension
	ResourceTag string
	TableID     string
	PkPrefixKey string
	FromAddress string
	ToAddress   string
	Budget      int64
}

func newPlan(dim Dimension, tag, tableID, pkPrefixKey, fromAddress, toAddress string, budget int64) BalancePlan {
	return BalancePlan{
		ID:          uuid.New().String(),
		Dimension:   dim,
		ResourceTag: tag,
		TableID:     tableID,
		PkPrefixKey: pkPrefixKey,
		FromAddress: fromAddress,
		ToAddress:   toAddress,
		Budget:      budget,
	}
}
