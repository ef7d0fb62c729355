package mux

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/capability"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/ident"
)

func TestHandshakeRoundTrip(t *testing.T) {
	control_, agent, closeFn := dialPair(t)
	defer closeFn()

	ServeHandshake(control_, func(ctx context.Context, req HandshakeRequest) (HandshakeDecision, error) {
		if req.RequestedID != "worker-1" {
			t.Errorf("unexpected requested id %q", req.RequestedID)
		}
		if !req.Capabilities.Has(capability.BitValidator) {
			t.Errorf("expected validator capability to round-trip")
		}
		return HandshakeDecision{
			AgentID:        ident.MustAgentId("worker-1"),
			Token:          "minted-token",
			NeedsReconcile: true,
			Target:         control.AgentState{Kind: control.AgentInventory},
		}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := Handshake(ctx, agent, HandshakeRequest{
		RequestedID:  "worker-1",
		Capabilities: capability.BitValidator,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.AgentID.String() != "worker-1" {
		t.Fatalf("unexpected agent id %s", resp.AgentID)
	}
	if resp.Token != "minted-token" {
		t.Fatalf("unexpected token %q", resp.Token)
	}
	if !resp.NeedsReconcile {
		t.Fatal("expected NeedsReconcile to round-trip true")
	}
}

func TestHandshakeWrongMethodBeforeHandshakeFails(t *testing.T) {
	control_, agent, closeFn := dialPair(t)
	defer closeFn()

	ServeHandshake(control_, func(ctx context.Context, req HandshakeRequest) (HandshakeDecision, error) {
		return HandshakeDecision{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := agent.Call(ctx, ControlRequest, "not-handshake", nil); err == nil {
		t.Fatal("expected an error calling a non-handshake method against the handshake handler")
	}
}
