package cannon

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/store"
)

// running is one live cannon plus the cancel func stopping its Run loop.
type running struct {
	cannon *Cannon
	store  *Store
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns every live Cannon the control plane is running, keyed by
// env and cannon id, and purges their persisted state on environment
// teardown. It implements pkg/envctl.TrackerStore.
type Manager struct {
	backing store.Store

	mu    sync.Mutex
	byEnv map[ident.EnvId]map[ident.CannonId]*running
}

// NewManager builds an empty Manager over backing.
func NewManager(backing store.Store) *Manager {
	return &Manager{backing: backing, byEnv: make(map[ident.EnvId]map[ident.CannonId]*running)}
}

// StartCannon registers an already-constructed cannon (see New) and
// launches its Run loop. Calling StartCannon twice for the same env/id is
// a no-op. StartCannon does not wait on the environment engine's Gate
// (spec.md §4.H step 7); the Run loop starts immediately.
func (m *Manager) StartCannon(ctx context.Context, c *Cannon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	envCannons, ok := m.byEnv[c.Env]
	if !ok {
		envCannons = make(map[ident.CannonId]*running)
		m.byEnv[c.Env] = envCannons
	}
	if _, exists := envCannons[c.ID]; exists {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	envCannons[c.ID] = &running{cannon: c, store: c.store, cancel: cancel, done: done}

	go func() {
		defer close(done)
		_ = c.Run(runCtx)
	}()
}

// Create builds the cannon's persisted store, constructs it, and starts
// its Run loop, unless one already runs for this env/id (in which case it
// returns the existing cannon unchanged). Centralises the StartCannon
// prerequisites so callers (pkg/api's apply handler) don't need to import
// pkg/store directly.
func (m *Manager) Create(ctx context.Context, env ident.EnvId, id ident.CannonId, target ident.NodeTarget, compute ComputeExecutor, broadcast BroadcastFanout, ledger LedgerCache, sink SinkWriter, bus *events.Broker) (*Cannon, error) {
	if existing, ok := m.Lookup(env, id); ok {
		return existing, nil
	}
	backing := NewStore(m.backing, env, id)
	c, err := New(env, id, target, backing, compute, broadcast, ledger, sink, bus)
	if err != nil {
		return nil, fmt.Errorf("cannon: create %s/%s: %w", env, id, err)
	}
	m.StartCannon(ctx, c)
	return c, nil
}

// Lookup returns the live cannon for env/id, if any.
func (m *Manager) Lookup(env ident.EnvId, id ident.CannonId) (*Cannon, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	envCannons, ok := m.byEnv[env]
	if !ok {
		return nil, false
	}
	r, ok := envCannons[id]
	if !ok {
		return nil, false
	}
	return r.cannon, true
}

// StopCannon cancels one cannon's Run loop and waits for it to exit.
func (m *Manager) StopCannon(env ident.EnvId, id ident.CannonId) {
	m.mu.Lock()
	envCannons, ok := m.byEnv[env]
	if !ok {
		m.mu.Unlock()
		return
	}
	r, ok := envCannons[id]
	if ok {
		delete(envCannons, id)
	}
	if len(envCannons) == 0 {
		delete(m.byEnv, env)
	}
	m.mu.Unlock()
	if ok {
		r.cancel()
		<-r.done
	}
}

// PurgeEnv stops and purges every cannon running for env, then deletes
// every persisted tracker record. Satisfies pkg/envctl.TrackerStore so
// Cleanup can wipe cannon state without pkg/envctl importing pkg/cannon.
func (m *Manager) PurgeEnv(env ident.EnvId) error {
	m.mu.Lock()
	envCannons := m.byEnv[env]
	delete(m.byEnv, env)
	m.mu.Unlock()

	for id, r := range envCannons {
		r.cancel()
		<-r.done
		if err := r.store.Purge(); err != nil {
			return fmt.Errorf("cannon: purge env %s cannon %s: %w", env, id, err)
		}
	}
	return nil
}
