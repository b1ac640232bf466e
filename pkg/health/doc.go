/*
Package health implements the store health monitor: a periodic scan over
every known instance's heartbeat age that drives the NORMAL -> FAULTY ->
DEAD state machine, with a mass-failure suppression check protecting
against flipping a whole resource tag to DEAD during a network partition,
and a bounded fan-out that hands operator-flagged MIGRATE stores to a
Migrator.

Transitions are held only in Topology's in-memory instance records; they
are never persisted, so a restart always starts every instance at NORMAL.
*/
package health
