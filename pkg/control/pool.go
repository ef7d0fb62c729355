package control

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/ident"
)

// ErrNotFound is returned by the Pool lookups when the requested record
// does not exist.
var ErrNotFound = fmt.Errorf("control: record not found")

// ErrBusy is returned by ClaimEnv when the agent already holds an
// env-claim (spec.md §4.G, env-claim). ClaimCompute never returns it.
var ErrBusy = fmt.Errorf("control: agent busy")

// Pool is the control plane's in-memory process-wide state: every known
// agent, every environment, every storage, plus the event bus and a
// durable store handle (db) that no Pool method reads or writes. It is the single
// object component G describes; every other package reaches fleet state
// through it (spec.md §4.G).
type Pool struct {
	mu sync.RWMutex

	agents map[ident.AgentId]*Agent
	envs   map[ident.EnvId]*Environment
	stores map[ident.StorageId]*Storage

	// envNetworkCache maps an EnvId to its resolved NetworkId so repeated
	// lookups during reconciliation don't need to walk through storage.
	envNetworkCache map[ident.EnvId]ident.NetworkId

	bus *events.Broker
	db  Backing
}

// Backing is the subset of pkg/store.Store a Pool is constructed with;
// kept as a narrow interface so tests can substitute an in-memory fake
// without importing bbolt.
type Backing interface {
	Save(collection, key string, value []byte) error
	Get(collection, key string) ([]byte, error)
	Delete(collection, key string) error
	ScanPrefix(collection, prefix string) (map[string][]byte, error)
}

// NewPool constructs an empty pool wired to bus and db.
func NewPool(bus *events.Broker, db Backing) *Pool {
	return &Pool{
		agents:          make(map[ident.AgentId]*Agent),
		envs:            make(map[ident.EnvId]*Environment),
		stores:          make(map[ident.StorageId]*Storage),
		envNetworkCache: make(map[ident.EnvId]ident.NetworkId),
		bus:             bus,
		db:              db,
	}
}

// RegisterAgent adds or replaces an agent record, used on connect and on
// initial load from the durable store.
func (p *Pool) RegisterAgent(a *Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents[a.ID] = a
}

// SetConnected flips an agent's OfflineSince marker: connected clears it,
// disconnected stamps the current time. Called by pkg/authn on handshake
// accept and on socket loss.
func (p *Pool) SetConnected(id ident.AgentId, connected bool, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	if !ok {
		return ErrNotFound
	}
	if connected {
		a.OfflineSince = nil
	} else if a.OfflineSince == nil {
		t := now
		a.OfflineSince = &t
	}
	return nil
}

// GetAgent returns the named agent.
func (p *Pool) GetAgent(id ident.AgentId) (*Agent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// Agents returns a snapshot slice of every known agent, sorted by id for
// deterministic iteration (delegation tie-breaks need a stable order).
func (p *Pool) Agents() []*Agent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Envs returns a snapshot slice of every known environment, sorted by id
// for deterministic iteration.
func (p *Pool) Envs() []*Environment {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Environment, 0, len(p.envs))
	for _, e := range p.envs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// GetEnv returns the named environment.
func (p *Pool) GetEnv(id ident.EnvId) (*Environment, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.envs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// PutEnv inserts or replaces an environment and refreshes the network
// cache entry for it.
func (p *Pool) PutEnv(e *Environment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs[e.ID] = e
	p.envNetworkCache[e.ID] = e.Network
}

// RemoveEnv deletes an environment record and its network cache entry.
func (p *Pool) RemoveEnv(id ident.EnvId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.envs, id)
	delete(p.envNetworkCache, id)
}

// GetStorage returns the named storage.
func (p *Pool) GetStorage(id ident.StorageId) (*Storage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.stores[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// PutStorage inserts or replaces a storage record.
func (p *Pool) PutStorage(s *Storage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stores[s.ID] = s
}

// EnvNetwork returns the cached NetworkId for env without touching the
// storage map — the hot path reconciliation uses to decide peer sets.
func (p *Pool) EnvNetwork(env ident.EnvId) (ident.NetworkId, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.envNetworkCache[env]
	return n, ok
}

// UpdateAgentStates applies a batch of declared-state changes atomically
// and publishes one events.KindDelegation per changed agent (spec.md
// §4.G "update_agent_states").
func (p *Pool) UpdateAgentStates(changes map[ident.AgentId]AgentState) error {
	p.mu.Lock()
	for id := range changes {
		if _, ok := p.agents[id]; !ok {
			p.mu.Unlock()
			return fmt.Errorf("control: update_agent_states: %w: %s", ErrNotFound, id)
		}
	}
	for id, st := range changes {
		p.agents[id].State = st
	}
	p.mu.Unlock()

	if p.bus == nil {
		return nil
	}
	for id := range changes {
		p.bus.Publish(events.Event{Kind: events.KindDelegation, Agent: &id})
	}
	return nil
}

// ScoredPeer is one candidate returned by GetScoredPeers, ranked by
// freshness (spec.md §4.G "get_scored_peers").
type ScoredPeer struct {
	Agent ident.AgentId
	Node  ident.NodeKey
	Info  BlockInfo
}

// GetScoredPeers returns every online node in env matching target, sorted
// most-fresh first, for use by peerproxy and cannon dispatch.
func (p *Pool) GetScoredPeers(env ident.EnvId, target ident.NodeTarget, info map[ident.NodeKey]BlockInfo, now time.Time) ([]ScoredPeer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.envs[env]
	if !ok {
		return nil, fmt.Errorf("control: get_scored_peers: %w: %s", ErrNotFound, env)
	}

	var out []ScoredPeer
	for key, node := range e.Nodes {
		if !target.Matches(key) || node.Kind != EnvNodeInternal || !node.NodeDoc.Online {
			continue
		}
		out = append(out, ScoredPeer{Agent: node.AgentID, Node: key, Info: info[key]})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Info.Freshness(now) < out[j].Info.Freshness(now)
	})
	return out, nil
}

// ClaimEnv increments an agent's env-claim, refusing a second concurrent
// claim — the busy token guarding delegation from double-assigning an
// agent (spec.md GLOSSARY "env-claim").
func (p *Pool) ClaimEnv(id ident.AgentId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	if !ok {
		return ErrNotFound
	}
	if a.envClaim != 0 {
		return ErrBusy
	}
	a.envClaim++
	return nil
}

// ReleaseEnv decrements an agent's env-claim.
func (p *Pool) ReleaseEnv(id ident.AgentId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[id]; ok && a.envClaim > 0 {
		a.envClaim--
	}
}

// ClaimCompute increments an agent's compute-claim (cannon dispatch busy
// token); multiple concurrent compute claims on the same agent ARE
// allowed, unlike env-claims, so this never refuses.
func (p *Pool) ClaimCompute(id ident.AgentId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.computeClaim++
	return nil
}

// ReleaseCompute decrements an agent's compute-claim.
func (p *Pool) ReleaseCompute(id ident.AgentId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[id]; ok && a.computeClaim > 0 {
		a.computeClaim--
	}
}

// TryUnloadStorage reports whether a storage may be evicted: true when no
// live environment still references it (spec.md §4.G "try_unload_storage").
// On success it removes the storage record.
func (p *Pool) TryUnloadStorage(id ident.StorageId) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.stores[id]; !ok {
		return false, ErrNotFound
	}
	for _, e := range p.envs {
		if e.Storage == id {
			return false, nil
		}
	}
	delete(p.stores, id)
	return true, nil
}

// EnforceBootInvariant resets any agent declared as Node(env, _) for an
// env that no longer exists back to Inventory — the boot-time invariant
// spec.md §4.G requires after loading state from the durable store,
// guarding against a crash between "environment torn down" and "agent
// state updated".
func (p *Pool) EnforceBootInvariant() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.agents {
		if a.State.Kind != AgentNode {
			continue
		}
		if _, ok := p.envs[a.State.Env]; !ok {
			a.State = AgentState{Kind: AgentInventory}
		}
	}
}
