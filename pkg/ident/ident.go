// Package ident implements the interned identifier types shared by every
// other package: AgentId, EnvId, StorageId, CannonId, NetworkId, and the
// NodeKey/NodeTarget address types used to name nodes within an environment.
package ident

import (
	"fmt"
	"regexp"
	"sync"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-_.]{0,63}$`)

// ErrInvalidName is returned when a candidate identifier does not match the
// interning grammar.
var ErrInvalidName = fmt.Errorf("ident: name must match [A-Za-z0-9][A-Za-z0-9\\-_.]{0,63}")

// table interns strings of one kind into small comparable handles so that
// equality and hashing across the hot paths (agent pool lookups, node key
// comparisons) are O(1) pointer/int compares instead of string compares.
type table struct {
	mu      sync.RWMutex
	byName  map[string]uint32
	byIndex []string
}

func newTable() *table {
	t := &table{byName: make(map[string]uint32)}
	// index 0 is reserved for the zero value; intern an unguessable sentinel
	// so no user-supplied name can ever collide with "default".
	t.byIndex = append(t.byIndex, "\x00default\x00")
	return t
}

func (t *table) intern(name string) (uint32, error) {
	if !namePattern.MatchString(name) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	t.mu.RLock()
	if idx, ok := t.byName[name]; ok {
		t.mu.RUnlock()
		return idx, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.byName[name]; ok {
		return idx, nil
	}
	idx := uint32(len(t.byIndex))
	t.byIndex = append(t.byIndex, name)
	t.byName[name] = idx
	return idx, nil
}

func (t *table) name(idx uint32) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(idx) >= len(t.byIndex) {
		return ""
	}
	return t.byIndex[idx]
}

// Id is a generic interned identifier. Kind-specific aliases below carry
// their own table so an AgentId and an EnvId with the same index never
// compare equal through the type system.
type Id[Kind any] struct {
	idx uint32
}

// One interning table per specialised Id kind, each a package-level
// variable initialised when the package loads.
var (
	agentTable   = newTable()
	envTable     = newTable()
	storageTable = newTable()
	cannonTable  = newTable()
	networkTable = newTable()
)

// AgentId identifies an agent process (worker) under control-plane
// management.
type AgentId struct{ id Id[agentKind] }
type agentKind struct{}

// EnvId identifies a declared environment.
type EnvId struct{ id Id[envKind] }
type envKind struct{}

// StorageId identifies a versioned storage directory shared by an
// environment's nodes.
type StorageId struct{ id Id[storageKind] }
type storageKind struct{}

// CannonId identifies a transaction cannon within an environment.
type CannonId struct{ id Id[cannonKind] }
type cannonKind struct{}

// NetworkId identifies the logical blockchain network a storage targets
// (e.g. "mainnet", "testnet-3").
type NetworkId struct{ id Id[networkKind] }
type networkKind struct{}

func internAgent(name string) (AgentId, error) {
	idx, err := agentTable.intern(name)
	return AgentId{Id[agentKind]{idx}}, err
}

// NewAgentId interns name as an AgentId.
func NewAgentId(name string) (AgentId, error) { return internAgent(name) }

// MustAgentId interns name, panicking on an invalid name. Reserved for
// compile-time-constant identifiers (defaults, test fixtures).
func MustAgentId(name string) AgentId {
	id, err := internAgent(name)
	if err != nil {
		panic(err)
	}
	return id
}

func (a AgentId) String() string { return agentTable.name(a.id.idx) }
func (a AgentId) IsZero() bool   { return a.id.idx == 0 }

func NewEnvId(name string) (EnvId, error) {
	idx, err := envTable.intern(name)
	return EnvId{Id[envKind]{idx}}, err
}
func MustEnvId(name string) EnvId {
	id, err := NewEnvId(name)
	if err != nil {
		panic(err)
	}
	return id
}
func (e EnvId) String() string { return envTable.name(e.id.idx) }
func (e EnvId) IsZero() bool   { return e.id.idx == 0 }

func NewStorageId(name string) (StorageId, error) {
	idx, err := storageTable.intern(name)
	return StorageId{Id[storageKind]{idx}}, err
}
func MustStorageId(name string) StorageId {
	id, err := NewStorageId(name)
	if err != nil {
		panic(err)
	}
	return id
}
func (s StorageId) String() string { return storageTable.name(s.id.idx) }
func (s StorageId) IsZero() bool   { return s.id.idx == 0 }

func NewCannonId(name string) (CannonId, error) {
	idx, err := cannonTable.intern(name)
	return CannonId{Id[cannonKind]{idx}}, err
}
func MustCannonId(name string) CannonId {
	id, err := NewCannonId(name)
	if err != nil {
		panic(err)
	}
	return id
}
func (c CannonId) String() string { return cannonTable.name(c.id.idx) }
func (c CannonId) IsZero() bool   { return c.id.idx == 0 }

func NewNetworkId(name string) (NetworkId, error) {
	idx, err := networkTable.intern(name)
	return NetworkId{Id[networkKind]{idx}}, err
}
func MustNetworkId(name string) NetworkId {
	id, err := NewNetworkId(name)
	if err != nil {
		panic(err)
	}
	return id
}
func (n NetworkId) String() string { return networkTable.name(n.id.idx) }
func (n NetworkId) IsZero() bool   { return n.id.idx == 0 }

// DefaultStorageId is the sentinel used for "the default binary entry"; it
// can never be produced by NewStorageId since "default" below is interned
// under a name no caller can type (see table.byIndex[0]).
var DefaultStorageId = StorageId{Id[storageKind]{0}}
