/*
Package statemachine provides the meta-service's own raft consensus layer:
FSM dispatches committed Commands into topology.Topology mutations,
StateMachine wraps hashicorp/raft node lifecycle (Bootstrap, Join via
AddVoter, RemoveServer) and the predicates the balancing pipeline gates on
(IsLeader, WhetherCanDecide, GetLoadBalance, GetNetworkSegmentBalance,
GetMigrate), and TokenManager issues the join tokens a new node presents
when asking to become a voter.

This is the meta-service's own cluster of control-plane nodes reaching
agreement on topology -- distinct from the data-plane cluster of store
instances topology.Topology describes.
*/
package statemachine
