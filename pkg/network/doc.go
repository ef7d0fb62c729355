/*
Package network allocates free local ports for node sockets and resolves
a NodeKey to the concrete addresses its BFT, node, REST, and metrics
endpoints are reachable at.

The agent reconciler's process-launch sub-reconciler (spec.md §4.F step
7) calls PortAllocator.ClaimN once per node it launches and reports the
chosen addresses to the control plane ("report_sockets"), which records
them in its Resolver so that peer lists passed to the node binary, and
REST proxy targets used by pkg/peerproxy, are built from addresses the
agent has actually bound rather than assumed defaults.

Unresolved lookups return ErrUnresolved rather than blocking — the caller
(control plane or peerproxy) is expected to trigger a resolution round
trip and retry, matching the "cache misses filled by the control plane"
language in spec.md §4.F.
*/
package network
