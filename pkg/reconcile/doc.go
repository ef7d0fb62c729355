/*
Package reconcile implements the agent-side convergence pipeline: a file
reconciler that fetches and verifies artefacts over HTTP, a ledger
reconciler that drives a node's ledger height toward a requested target
(possibly via a checkpoint-apply subprocess), and an agent reconciler
that sequences both beneath a storage-version check, a genesis check, and
a process launch into one cancellable pass per declared Target.

Only one reconciliation runs per agent at a time. A new call to
AgentReconciler.Reconcile cancels whatever pass is in flight and waits
for it to observe cancellation before starting the new one, so the
node's declared state and its actual running process never diverge for
longer than one in-flight pass.
*/
package reconcile
