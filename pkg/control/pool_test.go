package control

import (
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/capability"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/ident"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)
	return NewPool(bus, nil)
}

func TestGetAgentNotFound(t *testing.T) {
	p := newTestPool(t)
	if _, err := p.GetAgent(ident.MustAgentId("agent-1")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateAgentStatesPublishesDelegation(t *testing.T) {
	p := newTestPool(t)
	id := ident.MustAgentId("agent-1")
	p.RegisterAgent(&Agent{ID: id, Capabilities: capability.BitValidator})

	sub := p.bus.Subscribe(events.KindIs(events.KindDelegation))
	defer sub.Close()

	env := ident.MustEnvId("env-1")
	err := p.UpdateAgentStates(map[ident.AgentId]AgentState{
		id: {Kind: AgentNode, Env: env},
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-sub.Events:
		if e.Agent == nil || *e.Agent != id {
			t.Fatalf("expected delegation event for %s, got %+v", id, e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delegation event")
	}

	got, err := p.GetAgent(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.State.Kind != AgentNode || got.State.Env != env {
		t.Fatalf("state not applied: %+v", got.State)
	}
}

func TestClaimEnvRefusesDoubleClaim(t *testing.T) {
	p := newTestPool(t)
	id := ident.MustAgentId("agent-2")
	p.RegisterAgent(&Agent{ID: id})

	if err := p.ClaimEnv(id); err != nil {
		t.Fatal(err)
	}
	if err := p.ClaimEnv(id); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	p.ReleaseEnv(id)
	if err := p.ClaimEnv(id); err != nil {
		t.Fatalf("claim after release should succeed: %v", err)
	}
}

func TestTryUnloadStorageRefusesWhileReferenced(t *testing.T) {
	p := newTestPool(t)
	sid := ident.MustStorageId("storage-1")
	p.PutStorage(&Storage{ID: sid})

	eid := ident.MustEnvId("env-2")
	p.PutEnv(&Environment{ID: eid, Storage: sid})

	ok, err := p.TryUnloadStorage(sid)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected unload to be refused while env references storage")
	}

	p.RemoveEnv(eid)
	ok, err = p.TryUnloadStorage(sid)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected unload to succeed once no env references storage")
	}
	if _, err := p.GetStorage(sid); err != ErrNotFound {
		t.Fatalf("expected storage removed, got %v", err)
	}
}

func TestEnforceBootInvariantResetsOrphanedNodeAgents(t *testing.T) {
	p := newTestPool(t)
	id := ident.MustAgentId("agent-3")
	env := ident.MustEnvId("env-missing")
	p.RegisterAgent(&Agent{ID: id, State: AgentState{Kind: AgentNode, Env: env}})

	p.EnforceBootInvariant()

	got, err := p.GetAgent(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.State.Kind != AgentInventory {
		t.Fatalf("expected agent reset to Inventory, got %+v", got.State)
	}
}

func TestSetConnectedTogglesOfflineSince(t *testing.T) {
	p := newTestPool(t)
	id := ident.MustAgentId("agent-4")
	p.RegisterAgent(&Agent{ID: id})

	now := time.Now()
	if err := p.SetConnected(id, false, now); err != nil {
		t.Fatal(err)
	}
	got, err := p.GetAgent(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Connected() {
		t.Fatal("expected agent to be marked offline")
	}

	if err := p.SetConnected(id, true, now); err != nil {
		t.Fatal(err)
	}
	if !got.Connected() {
		t.Fatal("expected agent to be marked connected")
	}
}

func TestGetScoredPeersSortsByFreshness(t *testing.T) {
	p := newTestPool(t)
	env := ident.MustEnvId("env-3")
	k1 := ident.NodeKey{Type: ident.NodeTypeValidator, Id: "node-0"}
	k2 := ident.NodeKey{Type: ident.NodeTypeValidator, Id: "node-1"}
	a1 := ident.MustAgentId("agent-a")
	a2 := ident.MustAgentId("agent-b")

	p.PutEnv(&Environment{
		ID: env,
		Nodes: map[ident.NodeKey]*EnvNode{
			k1: {Kind: EnvNodeInternal, AgentID: a1, NodeDoc: NodeState{Key: k1, Online: true}},
			k2: {Kind: EnvNodeInternal, AgentID: a2, NodeDoc: NodeState{Key: k2, Online: true}},
		},
	})

	now := time.Now()
	info := map[ident.NodeKey]BlockInfo{
		k1: {Height: 10, Timestamp: now.Add(-time.Minute)},
		k2: {Height: 12, Timestamp: now},
	}

	target, err := ident.ParseNodeTarget("*/*")
	if err != nil {
		t.Fatal(err)
	}
	peers, err := p.GetScoredPeers(env, target, info, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if peers[0].Node != k2 {
		t.Fatalf("expected freshest peer (k2) first, got %+v", peers[0])
	}
}
