/*
Package cannon implements one environment's transaction cannons: the
compute dispatch that turns an authorization into a signed transaction,
and the broadcast fan-out that gets a signed transaction onto the
network.

One Cannon is one EnvId x CannonId. It holds two input queues
(authorizations, transactions), each a channel buffered to 256 entries
(a submit blocks while its queue is full), and a persisted table of
in-flight Trackers, and runs a select loop (Run) over those queues plus
the result channels of its in-flight compute and broadcast attempts.
Manager owns every live Cannon the control plane is running and purges a
torn-down environment's persisted tracker state.
*/
package cannon
