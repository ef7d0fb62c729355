// Package api implements the control plane's external HTTP surface: a
// chi-routed REST API under /api/v1 for operators and clients, and the
// /agent websocket endpoint agent processes dial in to, replacing the
// teacher's gRPC+mTLS swarm-orchestration server with the HTTP+websocket
// surface spec.md §6 describes.
//
// # Architecture
//
//	┌────────────── fleetctl / REST client ──────────────┐
//	│  GET/POST /api/v1/...  (agents, env, cannons, ...)  │
//	└──────────────────────┬───────────────────────────────┘
//	                       │ HTTP
//	┌──────────────────────▼──────────── control plane ────┐
//	│  pkg/api.Server (chi router)                          │
//	│   - AgentConns: live mux connection per agent          │
//	│   - authn.Registry: handshake accept/disconnect        │
//	│   - envctl.Engine: Apply/Cleanup                       │
//	│   - cannon.Manager / Broadcaster                       │
//	│   - peerproxy.Proxy: read-path reverse proxy           │
//	│   - events.Broker: /api/v1/events subscribers          │
//	└──────────────────────┬───────────────────────────────┘
//	                       │ websocket (length-prefixed mux frames)
//	┌──────────────────────▼──────────── fleet-agent ──────┐
//	│  pkg/reconcile.AgentReconciler                        │
//	└────────────────────────────────────────────────────────┘
//
// # Surface
//
// Agent lifecycle:
//   - GET  /agent                     websocket upgrade + handshake
//   - GET  /api/v1/agents             list every known agent
//   - POST /api/v1/agents/find        list connected agents by label
//   - POST /api/v1/agents/{id}/kill   ask an agent's node process to stop
//
// Environment lifecycle:
//   - GET    /api/v1/env/list
//   - GET    /api/v1/env/{id}/info
//   - POST   /api/v1/env/{id}/apply   YAML multi-document body
//   - DELETE /api/v1/env/{id}
//
// Read path (reverse-proxied to the freshest reachable node):
//   - GET /api/v1/env/{id}/block/{h}
//   - GET /api/v1/env/{id}/transaction/{txid}
//   - GET /api/v1/env/{id}/program/{program}
//   - GET /api/v1/env/{id}/program/{program}/mapping/{mapping}
//
// Fleet-wide mutations:
//   - POST /api/v1/env/{id}/action/{online,offline,reboot,execute,deploy,config}
//
// Transaction cannons:
//   - POST /api/v1/env/{id}/cannons/{cannon}/{network}/transaction/broadcast
//   - POST /api/v1/env/{id}/cannons/{cannon}/auth
//
// Events:
//   - GET /api/v1/events   websocket, filtered by kind/agent/env/cannon/transaction
package api
