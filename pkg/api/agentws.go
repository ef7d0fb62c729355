package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuemby/warren/pkg/authn"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/envctl"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/mux"
	"github.com/cuemby/warren/pkg/network"
	"github.com/cuemby/warren/pkg/telemetry"
)

// defaultNodePort is appended to an internal node's owning agent's
// last-known address when resolving a peer/validator NodeKey that has no
// explicit EnvNode address recorded (spec.md §4.F step 7's peer
// resolution has no wire format of its own to borrow from, since the
// Rust original assumes a shared well-known node port per network).
const defaultNodePort = "4133"

// resolvePeersPayload/Result are the wire shapes of the "resolve_peers"
// ControlRequest method an agent calls during its process-launch
// reconciler step to turn declared peer/validator NodeKeys into socket
// addresses (spec.md §4.F step 7).
type resolvePeersPayload struct {
	Env  ident.EnvId     `json:"env"`
	Keys []ident.NodeKey `json:"keys"`
}

type resolvePeersResult struct {
	Addrs []string `json:"addrs"`
}

// reportBlockInfoPayload is the wire shape of the "report_block_info"
// ControlRequest method an agent calls after every successful height
// poll of its supervised node, feeding control.BlockCache the freshness
// data peerproxy and cannon broadcast ranking depend on (spec.md §4.G
// "get_scored_peers").
type reportBlockInfoPayload struct {
	Env    ident.EnvId   `json:"env"`
	Node   ident.NodeKey `json:"node"`
	Height uint64        `json:"height"`
	Hash   string        `json:"hash"`
}

// reportSocketsPayload is the wire shape of the "report_sockets"
// ControlRequest method an agent calls once it has launched a node
// process and claimed its local ports, feeding pkg/network.Resolver the
// address table peerproxy reverse-proxies reads through (spec.md §4.F
// step 7 populates the agent's own peer view; this populates the control
// plane's, since nothing else ever calls Resolver.Set).
type reportSocketsPayload struct {
	Env     ident.EnvId     `json:"env"`
	Node    ident.NodeKey   `json:"node"`
	Sockets network.Sockets `json:"sockets"`
}

// headerAgentKey is the shared-secret header spec.md §6 names: "the agent
// sends HEADER_AGENT_KEY if a shared secret is configured; mismatch
// yields 401", checked before the websocket upgrade even begins.
const headerAgentKey = "X-Agent-Key"

var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveAgent upgrades /agent, serves the handshake, registers the
// resulting connection in conns for as long as the socket stays open, and
// unregisters it on disconnect (spec.md §4.K, §6).
func (s *Server) serveAgent(w http.ResponseWriter, r *http.Request) {
	if s.agentSecret != "" {
		presented := r.Header.Get(headerAgentKey)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.agentSecret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := agentUpgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.Logger.Warn().Err(err).Msg("api: websocket upgrade failed")
		return
	}
	defer ws.Close()

	conn := mux.NewConn(ws)
	m := mux.New(conn)

	queryID := r.URL.Query().Get("id")
	var connectedID ident.AgentId
	var haveID bool

	handleHandshake := func(ctx context.Context, req mux.HandshakeRequest) (mux.HandshakeDecision, error) {
		requestedID := req.RequestedID
		if requestedID == "" {
			requestedID = queryID
		}
		decision, err := s.registry.Accept(req.Token, requestedID, authn.Declared{
			Capabilities: req.Capabilities,
			State:        req.ReportedState,
		})
		if err != nil {
			return mux.HandshakeDecision{}, err
		}

		connectedID = decision.AgentID
		haveID = true
		s.conns.Register(decision.AgentID, m)
		if s.bus != nil {
			s.bus.Publish(events.Event{Kind: events.KindAgentConnected, Agent: &decision.AgentID})
		}
		if decision.NeedsReconcile {
			go s.dispatchInitialReconcile(decision.AgentID, decision.Target)
		}

		return mux.HandshakeDecision{
			AgentID:        decision.AgentID,
			Token:          decision.Token,
			NeedsReconcile: decision.NeedsReconcile,
			Target:         decision.Target,
		}, nil
	}

	// A single ControlRequest handler multiplexes every method an agent
	// calls outbound: "handshake" (once, first), "resolve_peers"
	// (repeatedly, during process-launch reconciliation),
	// "report_block_info" and "report_sockets".
	m.Handle(mux.ControlRequest, func(ctx context.Context, method string, payload []byte) ([]byte, error) {
		switch method {
		case mux.HandshakeMethod:
			var req mux.HandshakeRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("api: decode handshake request: %w", err)
			}
			decision, err := handleHandshake(ctx, req)
			if err != nil {
				return nil, err
			}
			return json.Marshal(mux.HandshakeResponse{
				AgentID:        decision.AgentID,
				Token:          decision.Token,
				NeedsReconcile: decision.NeedsReconcile,
				Target:         decision.Target,
			})
		case "resolve_peers":
			var req resolvePeersPayload
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("api: decode resolve_peers request: %w", err)
			}
			return json.Marshal(resolvePeersResult{Addrs: s.resolvePeerAddrs(req.Env, req.Keys)})
		case "report_block_info":
			var req reportBlockInfoPayload
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("api: decode report_block_info request: %w", err)
			}
			if s.blocks != nil {
				s.blocks.Update(req.Env, req.Node, control.BlockInfo{
					Height:    req.Height,
					Hash:      req.Hash,
					Timestamp: time.Now(),
				})
			}
			return json.Marshal(struct{}{})
		case "report_sockets":
			var req reportSocketsPayload
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("api: decode report_sockets request: %w", err)
			}
			if s.resolver != nil {
				s.resolver.Set(req.Env, req.Node, req.Sockets)
			}
			return json.Marshal(struct{}{})
		default:
			return nil, fmt.Errorf("api: unknown control method %q", method)
		}
	})

	runErr := m.Run(r.Context())
	if haveID {
		s.conns.Unregister(connectedID, m)
		s.registry.Disconnect(connectedID)
		if s.bus != nil {
			s.bus.Publish(events.Event{Kind: events.KindAgentDisconnected, Agent: &connectedID})
		}
	}
	if runErr != nil {
		telemetry.Logger.Debug().Err(runErr).Str("agent", connectedID.String()).Msg("api: agent connection closed")
	}
}

// resolvePeerAddrs turns declared peer/validator NodeKeys into socket
// addresses: an external EnvNode's declared NodeAddr verbatim, or an
// internal one's owning agent's last-known address plus defaultNodePort.
// Keys that resolve to nothing (unknown env, unclaimed node, agent never
// connected) are silently skipped rather than failing the whole call.
func (s *Server) resolvePeerAddrs(envID ident.EnvId, keys []ident.NodeKey) []string {
	env, err := s.pool.GetEnv(envID)
	if err != nil {
		return nil
	}
	addrs := make([]string, 0, len(keys))
	for _, key := range keys {
		node, ok := env.Nodes[key]
		if !ok {
			continue
		}
		if node.Kind == control.EnvNodeExternal {
			if node.NodeAddr != "" {
				addrs = append(addrs, node.NodeAddr)
			}
			continue
		}
		if node.AgentID.IsZero() {
			continue
		}
		agent, err := s.pool.GetAgent(node.AgentID)
		if err != nil || len(agent.Addresses) == 0 {
			continue
		}
		addrs = append(addrs, agent.Addresses[0]+":"+defaultNodePort)
	}
	return addrs
}

// dispatchInitialReconcile pushes target to a freshly-connected agent
// whose reported state doesn't match the control plane's record — the
// same path envctl's post-Apply reconciliation uses, run once up front so
// a reconnecting agent converges without waiting for the next Apply.
func (s *Server) dispatchInitialReconcile(id ident.AgentId, target control.AgentState) {
	if target.Kind != control.AgentNode {
		return
	}
	intent := envctl.ReconcileIntent{Agent: id, Env: target.Env, State: target}
	if err := s.conns.Reconcile(context.Background(), intent); err != nil {
		telemetry.Logger.Warn().Err(err).Str("agent", id.String()).Msg("api: initial reconcile dispatch failed")
	}
}
