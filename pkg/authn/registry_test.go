package authn

import (
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/capability"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/security"
)

func newTestRegistry(t *testing.T) (*Registry, *control.Pool) {
	t.Helper()
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)
	pool := control.NewPool(bus, nil)
	issuer := security.NewTokenIssuer([]byte("test-secret"), time.Hour)
	return NewRegistry(pool, issuer), pool
}

func TestAcceptFreshMintsTokenAndRegistersAgent(t *testing.T) {
	r, pool := newTestRegistry(t)

	decision, err := r.Accept("", "worker-1", Declared{Capabilities: capability.BitValidator})
	if err != nil {
		t.Fatal(err)
	}
	if decision.AgentID.String() != "worker-1" {
		t.Fatalf("expected requested id to be claimed, got %s", decision.AgentID)
	}
	if decision.Token == "" {
		t.Fatal("expected a minted token")
	}
	if !decision.NeedsReconcile {
		t.Fatal("expected a brand-new agent to need reconcile")
	}

	agent, err := pool.GetAgent(decision.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if !agent.Connected() {
		t.Fatal("expected agent to be marked connected")
	}
	if agent.Capabilities != capability.BitValidator {
		t.Fatalf("expected capabilities to be merged, got %v", agent.Capabilities)
	}
}

func TestAcceptFreshRefusesClaimedConnectedID(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Accept("", "worker-1", Declared{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Accept("", "worker-1", Declared{}); err != ErrIDClaimed {
		t.Fatalf("expected ErrIDClaimed, got %v", err)
	}
}

func TestAcceptReturningRejectsUnknownAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	issuer := security.NewTokenIssuer([]byte("test-secret"), time.Hour)
	tok, err := issuer.Mint(ident.MustAgentId("ghost"), "nonce")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Accept(tok, "", Declared{}); err != ErrUnknownAgent {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestAcceptReturningRejectsNonceMismatch(t *testing.T) {
	r, _ := newTestRegistry(t)
	decision, err := r.Accept("", "worker-2", Declared{})
	if err != nil {
		t.Fatal(err)
	}
	r.Disconnect(decision.AgentID)

	issuer := security.NewTokenIssuer([]byte("test-secret"), time.Hour)
	staleToken, err := issuer.Mint(decision.AgentID, "stale-nonce")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Accept(staleToken, "", Declared{}); err != security.ErrNonceMismatch {
		t.Fatalf("expected ErrNonceMismatch, got %v", err)
	}
}

func TestAcceptReturningRejectsAlreadyConnected(t *testing.T) {
	r, _ := newTestRegistry(t)
	decision, err := r.Accept("", "worker-3", Declared{})
	if err != nil {
		t.Fatal(err)
	}
	// Still connected: a second presentation of the same token must fail.
	if _, err := r.Accept(decision.Token, "", Declared{}); err != ErrAlreadyConnected {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestAcceptReturningSucceedsAfterDisconnect(t *testing.T) {
	r, _ := newTestRegistry(t)
	decision, err := r.Accept("", "worker-4", Declared{})
	if err != nil {
		t.Fatal(err)
	}
	r.Disconnect(decision.AgentID)

	second, err := r.Accept(decision.Token, "", Declared{})
	if err != nil {
		t.Fatal(err)
	}
	if second.AgentID != decision.AgentID {
		t.Fatalf("expected same agent id on reconnect, got %s", second.AgentID)
	}
}

func TestNeedsReconcileComparesGenAndEnv(t *testing.T) {
	target := control.AgentState{Kind: control.AgentNode, Env: ident.MustEnvId("env-1"), Node: control.NodeState{Gen: 2}}
	same := control.AgentState{Kind: control.AgentNode, Env: ident.MustEnvId("env-1"), Node: control.NodeState{Gen: 2}}
	if needsReconcile(target, &same) {
		t.Fatal("expected matching state to not need reconcile")
	}
	stale := control.AgentState{Kind: control.AgentNode, Env: ident.MustEnvId("env-1"), Node: control.NodeState{Gen: 1}}
	if !needsReconcile(target, &stale) {
		t.Fatal("expected stale gen to need reconcile")
	}
	otherEnv := control.AgentState{Kind: control.AgentNode, Env: ident.MustEnvId("env-2"), Node: control.NodeState{Gen: 2}}
	if !needsReconcile(target, &otherEnv) {
		t.Fatal("expected different env to need reconcile")
	}
}
