package envctl

import (
	"github.com/cuemby/warren/pkg/capability"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/ident"
)

// DocumentKind tags one of the three shapes Apply accepts (spec.md §4.H
// step 1: "split documents by kind").
type DocumentKind int

const (
	DocKindStorage DocumentKind = iota
	DocKindNodes
	DocKindCannon
)

// Document is one unit passed to Apply. Exactly one of Storage, Nodes, or
// Cannon is populated, matching Kind.
type Document struct {
	Kind    DocumentKind
	Storage *StorageSpec
	Nodes   *NodesSpec
	Cannon  *CannonSpec
}

// StorageSpec declares the environment's single storage. Apply rejects a
// document set containing more than one of these.
type StorageSpec struct {
	control.Storage
}

// NodesSpec is one nodes document: a batch of node declarations, each
// possibly expanding to several replicas.
type NodesSpec struct {
	Nodes []NodeSpec
}

// NodeSpec declares one base node name and how many replicas of it should
// exist. Replicas expand to NodeKeys "<base>-0".."<base>-(N-1)" (spec.md
// §4.H step 2).
type NodeSpec struct {
	Base            string
	Type            ident.NodeType
	Replicas        int // treated as 1 when <= 0
	Labels          []string
	LocalPrivateKey bool
	Online          bool
	PeerTargets      []ident.NodeTarget
	ValidatorTargets []ident.NodeTarget
	Height           control.HeightRequest
	EnvOverrides     map[string]string
}

// CannonSpec declares one cannon attached to the environment and, when
// SinkFile is non-empty, the append-only file its broadcast transactions
// are also written to (spec.md §4.H step 7).
type CannonSpec struct {
	ID       ident.CannonId
	SinkFile string
}

// ApplyOpts accompanies a ReconcileIntent, telling the agent reconciler
// whether it must refresh cached storage metadata or discard a
// previously-converged ledger height before converging (spec.md §4.H
// step 8).
type ApplyOpts struct {
	RefetchInfo     bool
	ClearLastHeight bool
}

// ReconcileIntent is emitted for every agent whose declared state changed
// during an Apply or Cleanup call; the caller (the control service
// dispatching over the agent mux) turns this into an actual reconcile
// pass.
type ReconcileIntent struct {
	Agent ident.AgentId
	Env   ident.EnvId
	State control.AgentState
	Opts  ApplyOpts
}

// DelegationError records one NodeKey that Apply could not pair with any
// free agent, and the capability bits that no candidate satisfied
// (spec.md §4.H step 5: "emit a per-key Delegation error enumerating
// which constraint failed").
type DelegationError struct {
	Key      ident.NodeKey
	Required capability.Mask
}

func (e DelegationError) Error() string {
	return "envctl: no agent available for " + e.Key.String() + " requiring [" + e.Required.String() + "]"
}

// ApplyResult is Apply's return value: the reconcile intents to dispatch,
// and any per-key delegation failures (apply still persists and succeeds
// for every key that did pair).
type ApplyResult struct {
	Intents  []ReconcileIntent
	Failures []DelegationError
}

// TrackerStore purges a cannon's persisted transaction trackers when its
// environment is torn down (spec.md §4.H "cleanup... delete all persisted
// records (env doc, tx trackers)"). Wired to pkg/cannon in production; nil
// is a legal no-op for callers that don't track transactions.
type TrackerStore interface {
	PurgeEnv(env ident.EnvId) error
}
