// Package authn implements the control plane's half of agent handshake
// (spec.md §4.K): minting and verifying the bearer token an agent
// presents on reconnect, rejecting a presented token whose nonce has been
// revoked, and refusing a second concurrent connection for an agent that
// is already connected ("prevents split-brain").
package authn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/capability"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/security"
)

// ErrUnknownAgent is returned when a presented token names an agent id the
// control plane has never registered.
var ErrUnknownAgent = errors.New("authn: unknown agent id")

// ErrAlreadyConnected is returned when the named agent already holds a
// live socket (spec.md §4.K step 2 "prevents split-brain").
var ErrAlreadyConnected = errors.New("authn: agent already connected")

// ErrIDClaimed is returned when a query-string-requested agent id is
// already registered and connected, so a fresh handshake cannot claim it.
var ErrIDClaimed = errors.New("authn: agent id already claimed")

// Declared is the agent-supplied portion of a handshake: the capabilities
// and labels it reports, and the state it says it last reconciled to
// (nil on a brand-new agent with no prior state).
type Declared struct {
	Capabilities capability.Mask
	State        *control.AgentState
}

// Decision is the outcome of Registry.Accept: the agent id to bind the
// connection to, the token to hand back (minted fresh, or the caller's
// own token echoed back once validated), and whether the control plane's
// last-known target state for this agent differs from what it reports
// having last reconciled to.
type Decision struct {
	AgentID        ident.AgentId
	Token          string
	NeedsReconcile bool
	Target         control.AgentState
}

// Registry binds a control.Pool to the token issuer minting and verifying
// handshake bearer tokens, and serialises connect/disconnect against the
// pool's agent records.
type Registry struct {
	pool   *control.Pool
	issuer *security.TokenIssuer

	mu sync.Mutex
}

// NewRegistry wires a Registry to the pool it registers agents into and
// the issuer it mints/verifies tokens with.
func NewRegistry(pool *control.Pool, issuer *security.TokenIssuer) *Registry {
	return &Registry{pool: pool, issuer: issuer}
}

// Accept runs spec.md §4.K's three-step handshake decision. presentedToken
// is empty when the agent connected without one; requestedID is the
// query-string id an unauthenticated agent may ask to claim (ignored when
// presentedToken is non-empty, since the token already names an id).
func (r *Registry) Accept(presentedToken, requestedID string, declared Declared) (Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if presentedToken == "" {
		return r.acceptFresh(requestedID, declared)
	}
	return r.acceptReturning(presentedToken, declared)
}

func (r *Registry) acceptFresh(requestedID string, declared Declared) (Decision, error) {
	var id ident.AgentId
	var err error
	if requestedID != "" {
		id, err = ident.NewAgentId(requestedID)
		if err != nil {
			return Decision{}, fmt.Errorf("authn: parse requested id: %w", err)
		}
		if existing, gerr := r.pool.GetAgent(id); gerr == nil && existing.Connected() {
			return Decision{}, ErrIDClaimed
		}
	} else {
		id, err = ident.NewAgentId(fmt.Sprintf("agent-%d", time.Now().UnixNano()))
		if err != nil {
			return Decision{}, fmt.Errorf("authn: mint fresh id: %w", err)
		}
	}

	nonce, err := security.NewNonce()
	if err != nil {
		return Decision{}, err
	}
	token, err := r.issuer.Mint(id, nonce)
	if err != nil {
		return Decision{}, err
	}

	agent, err := r.pool.GetAgent(id)
	if err != nil {
		agent = &control.Agent{ID: id, State: control.AgentState{Kind: control.AgentInventory}}
	}
	agent.Nonce = nonce
	agent.Capabilities = declared.Capabilities
	r.pool.RegisterAgent(agent)
	if serr := r.pool.SetConnected(id, true, time.Now()); serr != nil {
		return Decision{}, serr
	}

	return Decision{
		AgentID:        id,
		Token:          token,
		NeedsReconcile: needsReconcile(agent.State, declared.State),
		Target:         agent.State,
	}, nil
}

func (r *Registry) acceptReturning(presentedToken string, declared Declared) (Decision, error) {
	claims, err := r.issuer.Verify(presentedToken)
	if err != nil {
		return Decision{}, err
	}
	id, err := ident.NewAgentId(claims.AgentID)
	if err != nil {
		return Decision{}, fmt.Errorf("authn: parse token agent id: %w", err)
	}

	agent, err := r.pool.GetAgent(id)
	if err != nil {
		return Decision{}, ErrUnknownAgent
	}
	if agent.Nonce != claims.Nonce {
		return Decision{}, security.ErrNonceMismatch
	}
	if agent.Connected() {
		return Decision{}, ErrAlreadyConnected
	}

	agent.Capabilities = declared.Capabilities
	if serr := r.pool.SetConnected(id, true, time.Now()); serr != nil {
		return Decision{}, serr
	}

	return Decision{
		AgentID:        id,
		Token:          presentedToken,
		NeedsReconcile: needsReconcile(agent.State, declared.State),
		Target:         agent.State,
	}, nil
}

// Disconnect marks id offline, freeing it for a future handshake (fresh or
// returning).
func (r *Registry) Disconnect(id ident.AgentId) {
	_ = r.pool.SetConnected(id, false, time.Now())
}

func needsReconcile(target control.AgentState, reported *control.AgentState) bool {
	if reported == nil {
		return true
	}
	if target.Kind != reported.Kind {
		return true
	}
	if target.Kind == control.AgentInventory {
		return false
	}
	return target.Env != reported.Env || target.Node.Gen != reported.Node.Gen
}
