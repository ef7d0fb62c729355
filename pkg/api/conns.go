package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/envctl"
	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/mux"
)

// methodReconcile/methodKill/methodExecuteAuthorization/methodBroadcastTransaction
// are the AgentRequest method names the control plane invokes over an
// agent's mux connection; cmd/fleet-agent registers handlers for these
// against its local pkg/reconcile.AgentReconciler and pkg/procsup.
const (
	methodReconcile           = "reconcile"
	methodKill                = "kill"
	methodExecuteAuthorization = "execute_authorization"
	methodBroadcastTransaction = "broadcast_transaction"
)

// reconcilePayload is the wire shape of a methodReconcile call: an
// agent's next declared Target (spec.md §4.F), plus the envctl ApplyOpts
// telling it whether to refetch storage metadata or discard a
// previously-converged height.
type reconcilePayload struct {
	Env     ident.EnvId       `json:"env"`
	Node    control.NodeState `json:"node"`
	Online  bool              `json:"online"`
	Storage *control.Storage  `json:"storage,omitempty"`
	Opts    envctl.ApplyOpts  `json:"opts"`
}

type executeAuthorizationPayload struct {
	QueryURL string `json:"query_url"`
	Auth     []byte `json:"auth"`
}

type broadcastTransactionPayload struct {
	Node ident.NodeKey `json:"node"`
	Tx   []byte        `json:"tx"`
}

type broadcastTransactionResult struct {
	Height uint64 `json:"height"`
}

// AgentConns tracks the live mux connection for every connected agent and
// dispatches control-plane-initiated RPCs over it. It implements
// cannon.AgentComputeDispatcher and cannon.AgentBroadcastDispatcher, and
// is the sole place that turns an envctl.ReconcileIntent into an actual
// wire call (spec.md §4.J "two tarpc endpoints... drained into mux
// frames").
type AgentConns struct {
	mu   sync.RWMutex
	byID map[ident.AgentId]*mux.Mux
	pool *control.Pool
}

// NewAgentConns builds an empty registry over pool, used to look up
// agent records (e.g. to confirm an agent is still registered before
// dispatching to it).
func NewAgentConns(pool *control.Pool) *AgentConns {
	return &AgentConns{byID: make(map[ident.AgentId]*mux.Mux), pool: pool}
}

// Register binds id's live connection, replacing any previous one.
func (c *AgentConns) Register(id ident.AgentId, m *mux.Mux) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[id] = m
}

// Unregister removes id's connection if m is still the one on record
// (guards against a stale disconnect racing a newer reconnect).
func (c *AgentConns) Unregister(id ident.AgentId, m *mux.Mux) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byID[id] == m {
		delete(c.byID, id)
	}
}

func (c *AgentConns) get(id ident.AgentId) (*mux.Mux, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byID[id]
	return m, ok
}

// Reconcile pushes intent's target state to its agent over the mux.
func (c *AgentConns) Reconcile(ctx context.Context, intent envctl.ReconcileIntent) error {
	m, ok := c.get(intent.Agent)
	if !ok {
		return fmt.Errorf("api: agent %s has no live connection", intent.Agent)
	}
	var storage *control.Storage
	if intent.State.Kind == control.AgentNode {
		if s, err := c.pool.GetStorage(mustEnvStorage(c.pool, intent.Env)); err == nil {
			storage = s
		}
	}
	payload, err := json.Marshal(reconcilePayload{
		Env:     intent.Env,
		Node:    intent.State.Node,
		Online:  intent.State.Kind == control.AgentNode && intent.State.Node.Online,
		Storage: storage,
		Opts:    intent.Opts,
	})
	if err != nil {
		return fmt.Errorf("api: encode reconcile payload: %w", err)
	}
	_, err = m.Call(ctx, mux.AgentRequest, methodReconcile, payload)
	return err
}

func mustEnvStorage(pool *control.Pool, env ident.EnvId) ident.StorageId {
	e, err := pool.GetEnv(env)
	if err != nil {
		return ident.StorageId{}
	}
	return e.Storage
}

// Kill asks id's node process to shut down gracefully.
func (c *AgentConns) Kill(ctx context.Context, id ident.AgentId) error {
	m, ok := c.get(id)
	if !ok {
		return fmt.Errorf("api: agent %s has no live connection", id)
	}
	_, err := m.Call(ctx, mux.AgentRequest, methodKill, nil)
	return err
}

// ExecuteAuthorization implements cannon.AgentComputeDispatcher.
func (c *AgentConns) ExecuteAuthorization(ctx context.Context, agent ident.AgentId, queryURL string, auth []byte) ([]byte, error) {
	m, ok := c.get(agent)
	if !ok {
		return nil, fmt.Errorf("api: agent %s has no live connection", agent)
	}
	payload, err := json.Marshal(executeAuthorizationPayload{QueryURL: queryURL, Auth: auth})
	if err != nil {
		return nil, err
	}
	return m.Call(ctx, mux.AgentRequest, methodExecuteAuthorization, payload)
}

// BroadcastTransaction implements cannon.AgentBroadcastDispatcher.
func (c *AgentConns) BroadcastTransaction(ctx context.Context, agent ident.AgentId, node ident.NodeKey, tx []byte) (uint64, error) {
	m, ok := c.get(agent)
	if !ok {
		return 0, fmt.Errorf("api: agent %s has no live connection", agent)
	}
	payload, err := json.Marshal(broadcastTransactionPayload{Node: node, Tx: tx})
	if err != nil {
		return 0, err
	}
	respPayload, err := m.Call(ctx, mux.AgentRequest, methodBroadcastTransaction, payload)
	if err != nil {
		return 0, err
	}
	var resp broadcastTransactionResult
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return 0, fmt.Errorf("api: decode broadcast response: %w", err)
	}
	return resp.Height, nil
}
