/*
Package control implements the control plane's process-wide state: the
agent pool, storage and environment maps.

A fleet runs a single control-plane process. Every state mutation (agent
registration, environment apply/teardown, storage load/unload, declared
agent-state updates) goes straight through a Pool method, which updates
the in-memory maps under a mutex. Pool is constructed with a durable
store handle (Backing, normally the bbolt store from pkg/store), but no
Pool method writes to or reads from it: agent, environment and storage
records are held in memory only and do not survive a control-plane
restart. There is no raft quorum behind
this: an earlier iteration of this package wired a single-member
hashicorp/raft cluster (NewRaftNode, a control.FSM implementing
raft.FSM) in front of Pool, but nothing ever proposed a Command through
it — every real mutation still called Pool directly, so the raft log
replicated nothing and was pure overhead. Multi-member control-plane HA
is not implemented; running more than one fleetctl process against the
same environments is unsupported today.

Pool.EnforceBootInvariant resets any agent declared as running a node in
an environment that no longer exists back to Inventory, so that a crash
between tearing down an environment and updating the agents that hosted
it does not leave an agent stuck. The control plane's startup
(cmd/fleetctl) does not call it.
*/
package control
