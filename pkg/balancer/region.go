package balancer

import (
	"sync"

	"github.com/ctrlplane/meta/pkg/types"
)

// RegionManager is the external collaborator that actually owns region
// placement and replica movement. The heartbeat pipeline only ever hands it
// budgets and store-lifecycle notifications; it never inspects region
// internals itself.
type RegionManager interface {
	GetRegionIDs(address string) ([]string, error)
	SetInstanceLeaderCount(address string, count int64) error
	DeleteAllRegionsForStore(address string, state types.InstanceState) error
	AddPeerForStore(address string, state types.InstanceState) error
	PeerLoadBalance(plans []BalancePlan) error
	LearnerLoadBalance(plans []BalancePlan) error
	PkPrefixLoadBalance(plans []BalancePlan) error
}

// StubRegionManager is an in-process reference RegionManager: it records
// every plan and lifecycle call it receives instead of moving any data,
// since the region manager's internals are an external collaborator out of
// this control plane's scope. It exists so the pipeline has something real
// to hand budgets to in tests and in a standalone deployment, and so an
// operator-facing "pending plans" command has something to inspect.
type StubRegionManager struct {
	mu              sync.Mutex
	regionsByStore  map[string][]string
	leaderCounts    map[string]int64
	issuedPlans     []BalancePlan
	deletedStores   []string
	addedPeerStores []string
}

// NewStubRegionManager returns an empty StubRegionManager.
func NewStubRegionManager() *StubRegionManager {
	return &StubRegionManager{
		regionsByStore: make(map[string][]string),
		leaderCounts:   make(map[string]int64),
	}
}

func (s *StubRegionManager) GetRegionIDs(address string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.regionsByStore[address]...), nil
}

func (s *StubRegionManager) SetInstanceLeaderCount(address string, count int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderCounts[address] = count
	return nil
}

func (s *StubRegionManager) DeleteAllRegionsForStore(address string, state types.InstanceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regionsByStore, address)
	s.deletedStores = append(s.deletedStores, address)
	return nil
}

func (s *StubRegionManager) AddPeerForStore(address string, state types.InstanceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addedPeerStores = append(s.addedPeerStores, address)
	return nil
}

func (s *StubRegionManager) PeerLoadBalance(plans []BalancePlan) error {
	return s.record(plans)
}

func (s *StubRegionManager) LearnerLoadBalance(plans []BalancePlan) error {
	return s.record(plans)
}

func (s *StubRegionManager) PkPrefixLoadBalance(plans []BalancePlan) error {
	return s.record(plans)
}

func (s *StubRegionManager) record(plans []BalancePlan) error {
	if len(plans) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuedPlans = append(s.issuedPlans, plans...)
	return nil
}

// PendingPlans returns every plan issued so far, oldest first. Intended for
// an operator-facing inspection command.
func (s *StubRegionManager) PendingPlans() []BalancePlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BalancePlan(nil), s.issuedPlans...)
}
