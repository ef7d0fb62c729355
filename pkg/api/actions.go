package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/envctl"
	"github.com/cuemby/warren/pkg/ident"
)

// actionRequest is the common body shape for every /action/* mutation:
// which nodes it applies to, and (for execute only) the fresh ledger
// height to converge to.
type actionRequest struct {
	Target string               `json:"target,omitempty"` // defaults to "*/*"
	Height *control.HeightRequest `json:"height,omitempty"`
	Config map[string]string    `json:"config,omitempty"`
}

func (s *Server) handleActionOnline(w http.ResponseWriter, r *http.Request) {
	s.mutateNodes(w, r, func(st *control.NodeState, req actionRequest) { st.Online = true })
}

func (s *Server) handleActionOffline(w http.ResponseWriter, r *http.Request) {
	s.mutateNodes(w, r, func(st *control.NodeState, req actionRequest) { st.Online = false })
}

// handleActionReboot bumps every matching node's generation without
// changing its ledger height request, forcing the agent reconciler to
// restart the node process in place (spec.md §4.F step 7's "process-launch
// reconciler", triggered whenever Gen advances).
func (s *Server) handleActionReboot(w http.ResponseWriter, r *http.Request) {
	s.mutateNodes(w, r, func(st *control.NodeState, req actionRequest) { st.Gen++ })
}

// handleActionExecute submits a fresh ledger action: Gen advances even if
// the requested height is unchanged, forcing re-application (spec.md §3
// "(gen, request) is the pivot for ledger reconciliation").
func (s *Server) handleActionExecute(w http.ResponseWriter, r *http.Request) {
	s.mutateNodes(w, r, func(st *control.NodeState, req actionRequest) {
		st.Gen++
		if req.Height != nil {
			st.Request = *req.Height
		}
	})
}

// handleActionDeploy relaunches matching nodes through the same Gen-bump
// path as reboot (spec.md §4.F step 7) and sets ApplyOpts.RefetchInfo on
// dispatch. The agent decodes that option but does not act on it, so a
// binary or genesis file that already matches its expected digest is not
// fetched again.
func (s *Server) handleActionDeploy(w http.ResponseWriter, r *http.Request) {
	s.mutateNodesWithOpts(w, r, envctl.ApplyOpts{RefetchInfo: true}, func(st *control.NodeState, req actionRequest) {
		st.Gen++
	})
}

// handleActionConfig merges new environment variable overrides into
// matching nodes (spec.md §3 AgentState.Node "environment variable
// overrides").
func (s *Server) handleActionConfig(w http.ResponseWriter, r *http.Request) {
	s.mutateNodes(w, r, func(st *control.NodeState, req actionRequest) {
		if st.EnvOverrides == nil {
			st.EnvOverrides = make(map[string]string, len(req.Config))
		}
		for k, v := range req.Config {
			st.EnvOverrides[k] = v
		}
	})
}

func (s *Server) mutateNodes(w http.ResponseWriter, r *http.Request, mutate func(*control.NodeState, actionRequest)) {
	s.mutateNodesWithOpts(w, r, envctl.ApplyOpts{}, mutate)
}

// mutateNodesWithOpts loads env, applies mutate to every node matching
// the request's target, persists the result, and dispatches a reconcile
// intent per changed agent — the shared machinery every /action/* handler
// composes with a different per-node mutation.
func (s *Server) mutateNodesWithOpts(w http.ResponseWriter, r *http.Request, opts envctl.ApplyOpts, mutate func(*control.NodeState, actionRequest)) {
	envID, err := ident.NewEnvId(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req actionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	targetExpr := req.Target
	if targetExpr == "" {
		targetExpr = "*/*"
	}
	target, err := ident.ParseNodeTarget(targetExpr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	env, err := s.pool.GetEnv(envID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	changes := make(map[ident.AgentId]control.AgentState)
	for key, node := range env.Nodes {
		if node.Kind != control.EnvNodeInternal || node.AgentID.IsZero() || !target.Matches(key) {
			continue
		}
		st := node.NodeDoc
		mutate(&st, req)
		node.NodeDoc = st
		changes[node.AgentID] = control.AgentState{Kind: control.AgentNode, Env: envID, Node: st}
	}
	if len(changes) == 0 {
		writeJSON(w, http.StatusOK, map[string]int{"agents": 0})
		return
	}

	if err := s.pool.UpdateAgentStates(changes); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.pool.PutEnv(env)

	dispatchErrors := make(map[string]string)
	for agentID, st := range changes {
		intent := envctl.ReconcileIntent{Agent: agentID, Env: envID, State: st, Opts: opts}
		if err := s.conns.Reconcile(r.Context(), intent); err != nil {
			dispatchErrors[agentID.String()] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":          len(changes),
		"dispatch_errors": dispatchErrors,
	})
}
