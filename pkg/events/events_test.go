package events

import (
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/ident"
)

func TestBrokerFiltersByAgent(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	a1 := ident.MustAgentId("agent-1")
	a2 := ident.MustAgentId("agent-2")

	sub := b.Subscribe(AgentIs(a1))
	defer sub.Close()

	b.Publish(Event{Kind: KindAgentConnected, Agent: &a2})
	b.Publish(Event{Kind: KindAgentConnected, Agent: &a1})

	select {
	case e := <-sub.Events:
		if e.Agent == nil || *e.Agent != a1 {
			t.Fatalf("expected agent-1 event, got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case e := <-sub.Events:
		t.Fatalf("unexpected second event delivered: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerAndOrCombinators(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	env := ident.MustEnvId("mainnet")
	agent := ident.MustAgentId("agent-1")

	sub := b.Subscribe(And(EnvIs(env), Or(KindIs(KindEnvApplied), KindIs(KindEnvTornDown))))
	defer sub.Close()

	b.Publish(Event{Kind: KindEnvApplied, Agent: &agent}) // no env: filtered out
	b.Publish(Event{Kind: KindReconcileProgress, Env: &env}) // wrong kind: filtered out
	b.Publish(Event{Kind: KindEnvApplied, Env: &env})

	select {
	case e := <-sub.Events:
		if e.Kind != KindEnvApplied || e.Env == nil || *e.Env != env {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}
}

func TestSubscriberBufferFullDropsRatherThanBlocks(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(Any())
	defer sub.Close()

	for i := 0; i < 200; i++ {
		b.Publish(Event{Kind: KindReconcileProgress})
	}

	time.Sleep(50 * time.Millisecond)
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}
}
