package peerproxy

import (
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/ident"
)

type fakeBlockInfoSource struct {
	byEnv map[ident.EnvId]map[ident.NodeKey]control.BlockInfo
}

func (f *fakeBlockInfoSource) BlockInfo(env ident.EnvId) map[ident.NodeKey]control.BlockInfo {
	return f.byEnv[env]
}

func TestSelectorBestReturnsFreshestPeer(t *testing.T) {
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()
	pool := control.NewPool(bus, nil)

	env := ident.MustEnvId("env-1")
	stale := ident.NodeKey{Type: ident.NodeTypeValidator, Id: "stale"}
	fresh := ident.NodeKey{Type: ident.NodeTypeValidator, Id: "fresh"}
	a1 := ident.MustAgentId("agent-1")
	a2 := ident.MustAgentId("agent-2")

	pool.PutEnv(&control.Environment{
		ID: env,
		Nodes: map[ident.NodeKey]*control.EnvNode{
			stale: {Kind: control.EnvNodeInternal, AgentID: a1, NodeDoc: control.NodeState{Key: stale, Online: true}},
			fresh: {Kind: control.EnvNodeInternal, AgentID: a2, NodeDoc: control.NodeState{Key: fresh, Online: true}},
		},
	})

	now := time.Now()
	blocks := &fakeBlockInfoSource{byEnv: map[ident.EnvId]map[ident.NodeKey]control.BlockInfo{
		env: {
			stale: {Height: 10, Timestamp: now.Add(-time.Hour)},
			fresh: {Height: 20, Timestamp: now},
		},
	}}

	sel := NewSelector(pool, blocks)
	sel.now = func() time.Time { return now }

	target, err := ident.ParseNodeTarget("*/*")
	if err != nil {
		t.Fatal(err)
	}

	got, err := sel.Best(env, target)
	if err != nil {
		t.Fatal(err)
	}
	if got.Node != fresh {
		t.Fatalf("expected freshest peer, got %+v", got)
	}
}

func TestSelectorBestReturnsErrNoPeersWhenNoneOnline(t *testing.T) {
	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()
	pool := control.NewPool(bus, nil)

	env := ident.MustEnvId("env-2")
	pool.PutEnv(&control.Environment{ID: env, Nodes: map[ident.NodeKey]*control.EnvNode{}})

	blocks := &fakeBlockInfoSource{byEnv: map[ident.EnvId]map[ident.NodeKey]control.BlockInfo{}}
	sel := NewSelector(pool, blocks)

	target, err := ident.ParseNodeTarget("*/*")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sel.Best(env, target); err != ErrNoPeers {
		t.Fatalf("expected ErrNoPeers, got %v", err)
	}
}
