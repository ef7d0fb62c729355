// Package control holds the control plane's process-wide state: the agent
// pool, storage and environment maps, and the operations spec.md §4.G
// exposes over them. It is the hub every other package (envctl, reconcile,
// cannon, mux) calls into to read or mutate fleet state.
package control

import (
	"time"

	"github.com/cuemby/warren/pkg/capability"
	"github.com/cuemby/warren/pkg/ident"
)

// HeightKind distinguishes the three shapes a ledger height request can
// take (spec.md §3 "HeightRequest").
type HeightKind int

const (
	HeightTop HeightKind = iota
	HeightAbsolute
	HeightCheckpoint
)

// HeightRequest names the ledger state an agent's node should converge to.
type HeightRequest struct {
	Kind   HeightKind
	Height uint64 // meaningful when Kind == HeightAbsolute; 0 means wipe
	Span   string // meaningful when Kind == HeightCheckpoint
}

func (h HeightRequest) IsTop() bool    { return h.Kind == HeightTop }
func (h HeightRequest) IsReset() bool  { return h.Kind == HeightAbsolute && h.Height == 0 }
func (h HeightRequest) IsAbsolute() bool { return h.Kind == HeightAbsolute }

// NodeState is the declared shape of one node running on an agent.
type NodeState struct {
	Key            ident.NodeKey
	PrivateKeyFile string // path, empty when no local key is configured
	Gen            uint64 // bumped whenever Request changes meaning even if value is identical
	Request        HeightRequest
	Online         bool
	Peers          []ident.NodeKey // sorted
	Validators     []ident.NodeKey // sorted
	EnvOverrides   map[string]string
}

// AgentStateKind distinguishes Inventory from Node.
type AgentStateKind int

const (
	AgentInventory AgentStateKind = iota
	AgentNode
)

// AgentState is an agent's declared target: idle (Inventory) or running a
// node within an environment (Node).
type AgentState struct {
	Kind  AgentStateKind
	Env   ident.EnvId // meaningful when Kind == AgentNode
	Node  NodeState   // meaningful when Kind == AgentNode
}

// Agent is the control plane's record of one worker process.
type Agent struct {
	ID           ident.AgentId
	Capabilities capability.Mask
	Addresses    []string // last-known externally observable addresses
	State        AgentState
	Nonce        string // bound into the agent's handshake JWT
	OfflineSince *time.Time

	// envClaim/computeClaim are reference-counted busy tokens (spec.md §3
	// "Agent record", "Env-claim / compute-claim" in GLOSSARY). envClaim
	// refuses a second concurrent claim (ClaimEnv); computeClaim only
	// counts concurrent compute dispatches and never refuses (ClaimCompute).
	envClaim     int32
	computeClaim int32
}

// Connected reports whether the agent currently holds a live socket.
func (a *Agent) Connected() bool { return a.OfflineSince == nil }

// BlockInfo is the cached latest-known block height/hash/timestamp for an
// environment or an external peer, used to score candidates for proxy
// reads and broadcasts (spec.md §4.G "get_scored_peers").
type BlockInfo struct {
	Height    uint64
	Hash      string
	Timestamp time.Time
}

// Freshness returns a BlockInfo's age at now; lower is fresher. Used to rank
// scored peers for load-balanced broadcasts and proxy reads.
func (b BlockInfo) Freshness(now time.Time) time.Duration {
	return now.Sub(b.Timestamp)
}

// Storage mirrors spec.md §3 "Storage": a versioned directory of
// artefacts shared by one environment's nodes.
type Storage struct {
	ID             ident.StorageId
	Network        ident.NetworkId
	Version        uint64
	Committee      map[string]string // address -> encrypted private key
	ExtraAccounts  map[string]string
	RetentionPolicy string // empty means "use the default"
	Persist        bool
	NativeGenesis  bool
	Binaries       map[ident.StorageId]BinaryEntry // interned per §3; DefaultStorageId is the fallback entry
}

// BinaryEntry names where to fetch one binary/genesis artefact from.
type BinaryEntry struct {
	Source string // URL or local path
	SHA256 string
	Size   int64
}

// EnvNodeKind distinguishes a node hosted by one of our agents from one
// reachable only externally.
type EnvNodeKind int

const (
	EnvNodeInternal EnvNodeKind = iota
	EnvNodeExternal
)

// EnvNode is one entry in an Environment's node map.
type EnvNode struct {
	Kind EnvNodeKind

	// Internal fields.
	AgentID ident.AgentId // zero when not yet delegated
	NodeDoc NodeState

	// External fields: socket addresses for a node this control plane does
	// not supervise but must be able to reach.
	BFTAddr  string
	NodeAddr string
	RESTAddr string
}

// Environment mirrors spec.md §3 "Environment".
type Environment struct {
	ID      ident.EnvId
	Storage ident.StorageId
	Network ident.NetworkId
	Nodes   map[ident.NodeKey]*EnvNode
	Sinks   map[string]string // cannon id -> sink file path
}
