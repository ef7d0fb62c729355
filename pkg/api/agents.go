package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/warren/pkg/capability"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/ident"
)

type agentView struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities,omitempty"`
	Addresses    []string `json:"addresses,omitempty"`
	Connected    bool     `json:"connected"`
}

func newAgentView(a *control.Agent) agentView {
	return agentView{
		ID:        a.ID.String(),
		Addresses: a.Addresses,
		Connected: a.Connected(),
	}
}

// handleListAgents serves GET /api/v1/agents: every agent the pool knows
// about, connected or not (spec.md §6).
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.pool.Agents()
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, newAgentView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

type findAgentsRequest struct {
	Labels []string `json:"labels,omitempty"`
}

// handleFindAgents serves POST /api/v1/agents/find: agents whose
// capability mask satisfies every requested label, connected only.
func (s *Server) handleFindAgents(w http.ResponseWriter, r *http.Request) {
	var req findAgentsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	required := capability.ForLabels(req.Labels...)

	var matches []agentView
	for _, a := range s.pool.Agents() {
		if !a.Connected() || !a.Capabilities.Satisfies(required) {
			continue
		}
		matches = append(matches, newAgentView(a))
	}
	writeJSON(w, http.StatusOK, matches)
}

// handleKillAgent serves POST /api/v1/agents/{id}/kill: asks the agent's
// node process to shut down gracefully over its live mux connection.
func (s *Server) handleKillAgent(w http.ResponseWriter, r *http.Request) {
	id, err := ident.NewAgentId(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.conns.Kill(r.Context(), id); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
