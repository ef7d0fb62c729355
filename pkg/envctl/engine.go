package envctl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cuemby/warren/pkg/capability"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/ident"
)

// Engine is the environment engine spec.md §4.H describes: Apply is the
// sole mutation entry point for an environment's declared state, Cleanup
// reverses it. One Engine serves every environment the control plane
// knows about.
type Engine struct {
	pool     *control.Pool
	bus      *events.Broker
	sinksDir string
	trackers TrackerStore

	mu    sync.Mutex
	gates map[ident.EnvId]*Gate
}

// NewEngine wires an Engine to the control pool it mutates, the bus it
// announces env lifecycle events on, the directory cannon sink files are
// written under, and an optional transaction-tracker store purged on
// Cleanup.
func NewEngine(pool *control.Pool, bus *events.Broker, sinksDir string, trackers TrackerStore) *Engine {
	return &Engine{
		pool:     pool,
		bus:      bus,
		sinksDir: sinksDir,
		trackers: trackers,
		gates:    make(map[ident.EnvId]*Gate),
	}
}

// Gate returns the cannon-execution gate for env, creating a closed one
// if none exists yet. Apply calls Open on success; pkg/cannon's Run loop
// does not call Wait.
func (e *Engine) Gate(env ident.EnvId) *Gate {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[env]
	if !ok {
		g = NewGate()
		e.gates[env] = g
	}
	return g
}

func replicaKey(spec NodeSpec, i int) ident.NodeKey {
	return ident.NodeKey{Type: spec.Type, Id: fmt.Sprintf("%s-%d", spec.Base, i)}
}

func sortedKeys(m map[ident.NodeKey]NodeSpec) []ident.NodeKey {
	out := make([]ident.NodeKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func resolveTargets(targets []ident.NodeTarget, universe []ident.NodeKey) []ident.NodeKey {
	var out []ident.NodeKey
	for _, key := range universe {
		for _, t := range targets {
			if t.Matches(key) {
				out = append(out, key)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Apply merges documents onto whatever environment envID previously held,
// delegating newly-declared nodes to free agents and recording the result
// in the in-memory pool (spec.md §4.H "apply").
func (e *Engine) Apply(envID ident.EnvId, docs []Document) (*ApplyResult, error) {
	// 1. Split by kind.
	var storageDoc *StorageSpec
	var nodeDocs []NodesSpec
	var cannonDocs []CannonSpec
	for _, d := range docs {
		switch d.Kind {
		case DocKindStorage:
			if d.Storage == nil {
				continue
			}
			if storageDoc != nil {
				return nil, fmt.Errorf("envctl: apply %s: multiple storage documents", envID)
			}
			storageDoc = d.Storage
		case DocKindNodes:
			if d.Nodes != nil {
				nodeDocs = append(nodeDocs, *d.Nodes)
			}
		case DocKindCannon:
			if d.Cannon != nil {
				cannonDocs = append(cannonDocs, *d.Cannon)
			}
		}
	}

	existing, err := e.pool.GetEnv(envID)
	isNewEnv := err != nil
	existingNodes := map[ident.NodeKey]*control.EnvNode{}
	var previousStorageVersion uint64
	var havePreviousStorage bool
	if !isNewEnv {
		for k, v := range existing.Nodes {
			existingNodes[k] = v
		}
		if prevStorage, serr := e.pool.GetStorage(existing.Storage); serr == nil {
			previousStorageVersion = prevStorage.Version
			havePreviousStorage = true
		}
	}

	// 2. Expand replicas, reject duplicates, split new/updated/removed.
	incoming := map[ident.NodeKey]NodeSpec{}
	for _, nd := range nodeDocs {
		for _, spec := range nd.Nodes {
			n := spec.Replicas
			if n < 1 {
				n = 1
			}
			for i := 0; i < n; i++ {
				key := replicaKey(spec, i)
				if _, dup := incoming[key]; dup {
					return nil, fmt.Errorf("envctl: apply %s: duplicate node key %s", envID, key)
				}
				incoming[key] = spec
			}
		}
	}

	universe := sortedKeys(incoming)

	var newKeys, updatedKeys []ident.NodeKey
	for _, key := range universe {
		if _, ok := existingNodes[key]; ok {
			updatedKeys = append(updatedKeys, key)
		} else {
			newKeys = append(newKeys, key)
		}
	}
	var removedKeys []ident.NodeKey
	for key := range existingNodes {
		if _, ok := incoming[key]; !ok {
			removedKeys = append(removedKeys, key)
		}
	}
	sort.Slice(removedKeys, func(i, j int) bool { return removedKeys[i].String() < removedKeys[j].String() })

	// 4. Gather free agents: idle agents, plus agents attached to keys
	// being removed. Claim each atomically so a concurrent Apply can't
	// double-delegate the same agent.
	removedAgentOf := map[ident.AgentId]ident.NodeKey{}
	for _, key := range removedKeys {
		node := existingNodes[key]
		if node.Kind != control.EnvNodeInternal || node.AgentID.IsZero() {
			continue
		}
		removedAgentOf[node.AgentID] = key
	}

	var candidates []*control.Agent
	for _, a := range e.pool.Agents() {
		if a.State.Kind == control.AgentInventory {
			candidates = append(candidates, a)
			continue
		}
		if _, ok := removedAgentOf[a.ID]; ok {
			candidates = append(candidates, a)
		}
	}

	var claimed []*control.Agent
	for _, a := range candidates {
		if claimErr := e.pool.ClaimEnv(a.ID); claimErr == nil {
			claimed = append(claimed, a)
		}
	}
	defer func() {
		for _, a := range claimed {
			e.pool.ReleaseEnv(a.ID)
		}
	}()
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID.String() < claimed[j].ID.String() })

	// 5. Pair agents to new keys.
	assignments := map[ident.NodeKey]*control.Agent{}
	used := map[ident.AgentId]bool{}
	var failures []DelegationError
	for _, key := range newKeys {
		spec := incoming[key]
		required := capability.Requirement(spec.Type, spec.LocalPrivateKey, spec.Labels)
		picked := pickAgent(claimed, required, used, removedAgentOf)
		if picked == nil {
			failures = append(failures, DelegationError{Key: key, Required: required})
			if e.bus != nil {
				env := envID
				e.bus.Publish(events.Event{Kind: events.KindDelegation, Env: &env, Message: "no agent available for " + key.String()})
			}
			continue
		}
		used[picked.ID] = true
		assignments[key] = picked
	}

	// 6. Agents previously attached but not re-picked return to Inventory.
	changes := map[ident.AgentId]control.AgentState{}
	for agentID := range removedAgentOf {
		if !used[agentID] {
			changes[agentID] = control.AgentState{Kind: control.AgentInventory}
		}
	}

	mergedNodes := map[ident.NodeKey]*control.EnvNode{}
	for _, key := range updatedKeys {
		prior := existingNodes[key]
		spec := incoming[key]
		node := prior.NodeDoc
		node.Online = spec.Online
		node.Request = spec.Height
		node.Peers = resolveTargets(spec.PeerTargets, universe)
		node.Validators = resolveTargets(spec.ValidatorTargets, universe)
		node.EnvOverrides = spec.EnvOverrides
		mergedNodes[key] = &control.EnvNode{Kind: control.EnvNodeInternal, AgentID: prior.AgentID, NodeDoc: node}
		if !prior.AgentID.IsZero() {
			changes[prior.AgentID] = control.AgentState{Kind: control.AgentNode, Env: envID, Node: node}
		}
	}
	for key, agent := range assignments {
		spec := incoming[key]
		node := control.NodeState{
			Key:          key,
			Online:       spec.Online,
			Request:      spec.Height,
			Peers:        resolveTargets(spec.PeerTargets, universe),
			Validators:   resolveTargets(spec.ValidatorTargets, universe),
			EnvOverrides: spec.EnvOverrides,
		}
		mergedNodes[key] = &control.EnvNode{Kind: control.EnvNodeInternal, AgentID: agent.ID, NodeDoc: node}
		changes[agent.ID] = control.AgentState{Kind: control.AgentNode, Env: envID, Node: node}
	}
	// Carry over any external (unsupervised) nodes untouched.
	for key, node := range existingNodes {
		if node.Kind == control.EnvNodeExternal {
			mergedNodes[key] = node
		}
	}

	if len(changes) > 0 {
		if err := e.pool.UpdateAgentStates(changes); err != nil {
			return nil, fmt.Errorf("envctl: apply %s: %w", envID, err)
		}
	}

	// 7. Prepare cannon sinks and the execution gate.
	sinks := map[string]string{}
	for _, c := range cannonDocs {
		if c.SinkFile == "" {
			continue
		}
		path := filepath.Join(e.sinksDir, c.SinkFile)
		if err := ensureSinkFile(path); err != nil {
			return nil, fmt.Errorf("envctl: apply %s: sink %s: %w", envID, c.ID, err)
		}
		sinks[c.ID.String()] = path
	}
	gate := e.Gate(envID)

	// 8. Record the merged environment in the pool.
	env := &control.Environment{ID: envID, Nodes: mergedNodes, Sinks: sinks}
	if storageDoc != nil {
		env.Storage = storageDoc.ID
		env.Network = storageDoc.Network
		e.pool.PutStorage(&storageDoc.Storage)
	} else if !isNewEnv {
		env.Storage = existing.Storage
		env.Network = existing.Network
	}
	e.pool.PutEnv(env)

	refetchInfo := false
	if storageDoc != nil {
		refetchInfo = !havePreviousStorage || storageDoc.Version != previousStorageVersion
	}
	clearLastHeight := isNewEnv && storageDoc != nil && !storageDoc.Persist

	intents := make([]ReconcileIntent, 0, len(changes))
	for agentID, st := range changes {
		intents = append(intents, ReconcileIntent{
			Agent: agentID,
			Env:   envID,
			State: st,
			Opts:  ApplyOpts{RefetchInfo: refetchInfo, ClearLastHeight: clearLastHeight},
		})
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i].Agent.String() < intents[j].Agent.String() })

	gate.Open()

	if e.bus != nil {
		envCopy := envID
		e.bus.Publish(events.Event{Kind: events.KindEnvApplied, Env: &envCopy})
	}

	return &ApplyResult{Intents: intents, Failures: failures}, nil
}

// Cleanup tears down an environment: every attached agent is reconciled
// back to Inventory, the storage is released if no other environment
// still needs it, persisted transaction trackers are purged, and the env
// record itself is deleted (spec.md §4.H "cleanup").
func (e *Engine) Cleanup(envID ident.EnvId) ([]ReconcileIntent, error) {
	env, err := e.pool.GetEnv(envID)
	if err != nil {
		return nil, fmt.Errorf("envctl: cleanup %s: %w", envID, err)
	}

	changes := map[ident.AgentId]control.AgentState{}
	for _, node := range env.Nodes {
		if node.Kind == control.EnvNodeInternal && !node.AgentID.IsZero() {
			changes[node.AgentID] = control.AgentState{Kind: control.AgentInventory}
		}
	}
	if len(changes) > 0 {
		if err := e.pool.UpdateAgentStates(changes); err != nil {
			return nil, fmt.Errorf("envctl: cleanup %s: %w", envID, err)
		}
	}

	if e.trackers != nil {
		if err := e.trackers.PurgeEnv(envID); err != nil {
			return nil, fmt.Errorf("envctl: cleanup %s: purge trackers: %w", envID, err)
		}
	}

	e.pool.RemoveEnv(envID)
	if _, err := e.pool.TryUnloadStorage(env.Storage); err != nil && err != control.ErrNotFound {
		return nil, fmt.Errorf("envctl: cleanup %s: unload storage: %w", envID, err)
	}

	e.mu.Lock()
	delete(e.gates, envID)
	e.mu.Unlock()

	if e.bus != nil {
		envCopy := envID
		e.bus.Publish(events.Event{Kind: events.KindEnvTornDown, Env: &envCopy})
	}

	intents := make([]ReconcileIntent, 0, len(changes))
	for agentID, st := range changes {
		intents = append(intents, ReconcileIntent{Agent: agentID, Env: envID, State: st})
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i].Agent.String() < intents[j].Agent.String() })
	return intents, nil
}

func ensureSinkFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
