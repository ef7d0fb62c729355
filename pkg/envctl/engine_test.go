package envctl

import (
	"testing"

	"github.com/cuemby/warren/pkg/capability"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/ident"
)

func newTestEngine(t *testing.T) (*Engine, *control.Pool) {
	t.Helper()
	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)
	pool := control.NewPool(bus, nil)
	return NewEngine(pool, bus, t.TempDir(), nil), pool
}

func storageDoc(id string, version uint64) Document {
	return Document{
		Kind: DocKindStorage,
		Storage: &StorageSpec{Storage: control.Storage{
			ID:            ident.MustStorageId(id),
			Network:       ident.MustNetworkId("net-1"),
			Version:       version,
			NativeGenesis: true,
		}},
	}
}

func nodesDoc(specs ...NodeSpec) Document {
	return Document{Kind: DocKindNodes, Nodes: &NodesSpec{Nodes: specs}}
}

func TestApplyDelegatesNewNodesToCapableAgents(t *testing.T) {
	e, pool := newTestEngine(t)
	env := ident.MustEnvId("env-1")

	validatorAgent := ident.MustAgentId("agent-validator")
	pool.RegisterAgent(&control.Agent{ID: validatorAgent, Capabilities: capability.BitValidator})
	clientAgent := ident.MustAgentId("agent-client")
	pool.RegisterAgent(&control.Agent{ID: clientAgent, Capabilities: capability.BitClient})

	result, err := e.Apply(env, []Document{
		storageDoc("storage-1", 1),
		nodesDoc(NodeSpec{Base: "val", Type: ident.NodeTypeValidator, Replicas: 1, Online: true}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("expected no delegation failures, got %+v", result.Failures)
	}
	if len(result.Intents) != 1 || result.Intents[0].Agent != validatorAgent {
		t.Fatalf("expected validator agent to be delegated, got %+v", result.Intents)
	}

	agent, err := pool.GetAgent(validatorAgent)
	if err != nil {
		t.Fatal(err)
	}
	if agent.State.Kind != control.AgentNode || agent.State.Env != env {
		t.Fatalf("expected agent state Node(%s), got %+v", env, agent.State)
	}

	stillIdle, err := pool.GetAgent(clientAgent)
	if err != nil {
		t.Fatal(err)
	}
	if stillIdle.State.Kind != control.AgentInventory {
		t.Fatalf("expected unmatched agent to remain Inventory, got %+v", stillIdle.State)
	}
}

func TestApplyEmitsDelegationFailureWhenNoAgentSatisfies(t *testing.T) {
	e, pool := newTestEngine(t)
	env := ident.MustEnvId("env-2")

	pool.RegisterAgent(&control.Agent{ID: ident.MustAgentId("agent-client"), Capabilities: capability.BitClient})

	result, err := e.Apply(env, []Document{
		storageDoc("storage-2", 1),
		nodesDoc(NodeSpec{Base: "val", Type: ident.NodeTypeValidator, Replicas: 1, Online: true}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Failures) != 1 {
		t.Fatalf("expected one delegation failure, got %+v", result.Failures)
	}
	if len(result.Intents) != 0 {
		t.Fatalf("expected no successful delegations, got %+v", result.Intents)
	}
}

func TestApplyReturnsUnpickedAgentToInventoryOnRemoval(t *testing.T) {
	e, pool := newTestEngine(t)
	env := ident.MustEnvId("env-3")

	agentID := ident.MustAgentId("agent-validator")
	pool.RegisterAgent(&control.Agent{ID: agentID, Capabilities: capability.BitValidator})

	if _, err := e.Apply(env, []Document{
		storageDoc("storage-3", 1),
		nodesDoc(NodeSpec{Base: "val", Type: ident.NodeTypeValidator, Replicas: 1, Online: true}),
	}); err != nil {
		t.Fatal(err)
	}

	result, err := e.Apply(env, []Document{
		storageDoc("storage-3", 1),
		nodesDoc(), // no nodes declared this time: val-0 is removed
	})
	if err != nil {
		t.Fatal(err)
	}

	agent, err := pool.GetAgent(agentID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.State.Kind != control.AgentInventory {
		t.Fatalf("expected agent reset to Inventory after removal, got %+v", agent.State)
	}
	found := false
	for _, intent := range result.Intents {
		if intent.Agent == agentID && intent.State.Kind == control.AgentInventory {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a reconcile intent resetting the agent, got %+v", result.Intents)
	}
}

func TestApplyExpandsReplicas(t *testing.T) {
	e, pool := newTestEngine(t)
	env := ident.MustEnvId("env-4")

	for i := 0; i < 3; i++ {
		pool.RegisterAgent(&control.Agent{ID: ident.MustAgentId("agent-" + string(rune('a'+i))), Capabilities: capability.BitValidator})
	}

	result, err := e.Apply(env, []Document{
		storageDoc("storage-4", 1),
		nodesDoc(NodeSpec{Base: "val", Type: ident.NodeTypeValidator, Replicas: 3, Online: true}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Intents) != 3 {
		t.Fatalf("expected 3 replicas delegated, got %d", len(result.Intents))
	}

	e2, err := pool.GetEnv(env)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		key := ident.NodeKey{Type: ident.NodeTypeValidator, Id: "val-" + string(rune('0'+i))}
		if _, ok := e2.Nodes[key]; !ok {
			t.Fatalf("expected node %s in merged env, got %+v", key, e2.Nodes)
		}
	}
}

func TestCleanupResetsAgentsAndUnloadsStorage(t *testing.T) {
	e, pool := newTestEngine(t)
	env := ident.MustEnvId("env-5")
	agentID := ident.MustAgentId("agent-validator")
	pool.RegisterAgent(&control.Agent{ID: agentID, Capabilities: capability.BitValidator})

	if _, err := e.Apply(env, []Document{
		storageDoc("storage-5", 1),
		nodesDoc(NodeSpec{Base: "val", Type: ident.NodeTypeValidator, Replicas: 1, Online: true}),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Cleanup(env); err != nil {
		t.Fatal(err)
	}

	if _, err := pool.GetEnv(env); err != control.ErrNotFound {
		t.Fatalf("expected env removed, got err=%v", err)
	}
	if _, err := pool.GetStorage(ident.MustStorageId("storage-5")); err != control.ErrNotFound {
		t.Fatalf("expected storage unloaded, got err=%v", err)
	}
	agent, err := pool.GetAgent(agentID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.State.Kind != control.AgentInventory {
		t.Fatalf("expected agent reset to Inventory after cleanup, got %+v", agent.State)
	}
}
