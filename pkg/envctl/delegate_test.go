package envctl

import (
	"testing"

	"github.com/cuemby/warren/pkg/capability"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/ident"
)

func TestPickAgentPrefersAgentFreedFromThisEnv(t *testing.T) {
	fresh := &control.Agent{ID: ident.MustAgentId("agent-fresh"), Capabilities: capability.BitValidator}
	returning := &control.Agent{ID: ident.MustAgentId("agent-returning"), Capabilities: capability.BitValidator}

	removedAgentOf := map[ident.AgentId]ident.NodeKey{
		returning.ID: {Type: ident.NodeTypeValidator, Id: "val-0"},
	}

	picked := pickAgent([]*control.Agent{fresh, returning}, capability.BitValidator, map[ident.AgentId]bool{}, removedAgentOf)
	if picked == nil || picked.ID != returning.ID {
		t.Fatalf("expected the previously-attached agent to be preferred, got %+v", picked)
	}
}

func TestPickAgentSkipsUsedAndIncapable(t *testing.T) {
	used := &control.Agent{ID: ident.MustAgentId("agent-used"), Capabilities: capability.BitValidator}
	weak := &control.Agent{ID: ident.MustAgentId("agent-weak"), Capabilities: capability.BitClient}
	ok := &control.Agent{ID: ident.MustAgentId("agent-ok"), Capabilities: capability.BitValidator}

	picked := pickAgent(
		[]*control.Agent{used, weak, ok},
		capability.BitValidator,
		map[ident.AgentId]bool{used.ID: true},
		map[ident.AgentId]ident.NodeKey{},
	)
	if picked == nil || picked.ID != ok.ID {
		t.Fatalf("expected the only eligible agent to be picked, got %+v", picked)
	}
}

func TestPickAgentReturnsNilWhenNoneEligible(t *testing.T) {
	weak := &control.Agent{ID: ident.MustAgentId("agent-weak"), Capabilities: capability.BitClient}
	if picked := pickAgent([]*control.Agent{weak}, capability.BitValidator, map[ident.AgentId]bool{}, nil); picked != nil {
		t.Fatalf("expected nil, got %+v", picked)
	}
}
