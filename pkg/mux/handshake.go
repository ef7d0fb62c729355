package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/warren/pkg/capability"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/ident"
)

// HandshakeMethod is the well-known method name carried in the first
// ControlRequest frame exchanged after a websocket upgrade (spec.md
// §4.K). It runs before any other traffic on the connection.
const HandshakeMethod = "handshake"

// handshakeDeadline bounds how long the control plane waits for an
// agent's half of the handshake before giving up (spec.md §5, "300s for
// handshake deadlines").
const handshakeDeadline = 300 * time.Second

// HandshakeRequest is the agent-to-control-plane handshake payload,
// JSON-encoded rather than reusing the binary record codec, since this
// envelope is never persisted — only exchanged once per connection.
type HandshakeRequest struct {
	Token         string              `json:"token,omitempty"`
	RequestedID   string              `json:"requested_id,omitempty"`
	Capabilities  capability.Mask     `json:"capabilities"`
	Labels        []string            `json:"labels,omitempty"`
	ReportedState *control.AgentState `json:"reported_state,omitempty"`
}

// HandshakeResponse is the control-plane-to-agent reply.
type HandshakeResponse struct {
	AgentID        ident.AgentId      `json:"agent_id"`
	Token          string             `json:"token"`
	NeedsReconcile bool               `json:"needs_reconcile"`
	Target         control.AgentState `json:"target"`
}

// HandshakeDecision mirrors pkg/authn.Decision's fields the handler needs,
// avoiding a direct import cycle between pkg/mux and pkg/authn.
type HandshakeDecision struct {
	AgentID        ident.AgentId
	Token          string
	NeedsReconcile bool
	Target         control.AgentState
}

// ServeHandshake registers the ControlRequest handler that answers the
// agent's handshake call on the control-plane side of a Mux: decode the
// request, run it through accept, and reply with the resolved decision.
// accept is typically authn.Registry.Accept adapted to this signature by
// the composition root.
func ServeHandshake(m *Mux, accept func(ctx context.Context, req HandshakeRequest) (HandshakeDecision, error)) {
	m.Handle(ControlRequest, func(ctx context.Context, method string, payload []byte) ([]byte, error) {
		if method != HandshakeMethod {
			return nil, fmt.Errorf("mux: unexpected method %q before handshake", method)
		}
		var req HandshakeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("mux: decode handshake request: %w", err)
		}
		decision, err := accept(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(HandshakeResponse{
			AgentID:        decision.AgentID,
			Token:          decision.Token,
			NeedsReconcile: decision.NeedsReconcile,
			Target:         decision.Target,
		})
	})
}

// Handshake issues the agent-side handshake call and returns the parsed
// response. Run this as the very first call after Run starts reading the
// connection; every other ControlRequest call must wait for it to return.
func Handshake(ctx context.Context, m *Mux, req HandshakeRequest) (HandshakeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeDeadline)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return HandshakeResponse{}, fmt.Errorf("mux: encode handshake request: %w", err)
	}
	respPayload, err := m.Call(ctx, ControlRequest, HandshakeMethod, payload)
	if err != nil {
		return HandshakeResponse{}, err
	}
	var resp HandshakeResponse
	if err := json.Unmarshal(respPayload, &resp); err != nil {
		return HandshakeResponse{}, fmt.Errorf("mux: decode handshake response: %w", err)
	}
	return resp, nil
}
