/*
Package envctl implements the environment engine: Apply is the sole
mutation entry point for an environment's declared state (storage, node
replicas, cannons), and Cleanup reverses it.

Apply merges incoming documents onto whatever was previously applied for
the same EnvId, expands replica counts into concrete NodeKeys, delegates
newly-declared nodes to capability-matching idle agents, returns
previously-attached agents that weren't re-picked to Inventory, and
records the result in pkg/control's in-memory Pool. Callers turn the returned
ReconcileIntents into actual convergence passes over the agent
connection; envctl itself never talks to an agent directly.
*/
package envctl
