package api

import (
	"bytes"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/envctl"
	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/peerproxy"
)

type envView struct {
	ID      string   `json:"id"`
	Storage string   `json:"storage,omitempty"`
	Network string   `json:"network,omitempty"`
	Nodes   []string `json:"nodes,omitempty"`
}

func newEnvView(e *control.Environment) envView {
	v := envView{ID: e.ID.String()}
	if !e.Storage.IsZero() {
		v.Storage = e.Storage.String()
	}
	if !e.Network.IsZero() {
		v.Network = e.Network.String()
	}
	for key := range e.Nodes {
		v.Nodes = append(v.Nodes, key.String())
	}
	return v
}

// handleListEnvs serves GET /api/v1/env/list.
func (s *Server) handleListEnvs(w http.ResponseWriter, r *http.Request) {
	envs := s.pool.Envs()
	views := make([]envView, 0, len(envs))
	for _, e := range envs {
		views = append(views, newEnvView(e))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleEnvInfo serves GET /api/v1/env/{id}/info.
func (s *Server) handleEnvInfo(w http.ResponseWriter, r *http.Request) {
	id, err := ident.NewEnvId(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	env, err := s.pool.GetEnv(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, newEnvView(env))
}

// applyDocument is the YAML wire shape of one envctl.Document submitted
// to POST /env/{id}/apply (spec.md §4.H step 1: storage, nodes, or
// cannon documents, applied together as one batch).
type applyDocument struct {
	Storage *envctl.StorageSpec `yaml:"storage,omitempty"`
	Nodes   *envctl.NodesSpec   `yaml:"nodes,omitempty"`
	Cannon  *envctl.CannonSpec  `yaml:"cannon,omitempty"`
}

func (d applyDocument) toDocument() envctl.Document {
	switch {
	case d.Storage != nil:
		return envctl.Document{Kind: envctl.DocKindStorage, Storage: d.Storage}
	case d.Nodes != nil:
		return envctl.Document{Kind: envctl.DocKindNodes, Nodes: d.Nodes}
	default:
		return envctl.Document{Kind: envctl.DocKindCannon, Cannon: d.Cannon}
	}
}

// handleApplyEnv serves POST /api/v1/env/{id}/apply: a YAML multi-document
// body (storage/nodes/cannon documents separated by "---", spec.md §4.H),
// run through envctl.Engine.Apply. Successful reconcile intents are
// dispatched to their agents' live connections; failures are reported in
// the response body rather than aborting the whole apply, matching the
// "log, skip, never crash" posture spec.md §7 describes for reconcile
// failures.
func (s *Server) handleApplyEnv(w http.ResponseWriter, r *http.Request) {
	id, err := ident.NewEnvId(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var docs []envctl.Document
	dec := yaml.NewDecoder(bytes.NewReader(body))
	for {
		var d applyDocument
		if err := dec.Decode(&d); err != nil {
			if err == io.EOF {
				break
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		docs = append(docs, d.toDocument())
	}

	result, err := s.engine.Apply(id, docs)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	dispatchErrors := make(map[string]string)
	for _, intent := range result.Intents {
		if err := s.conns.Reconcile(r.Context(), intent); err != nil {
			dispatchErrors[intent.Agent.String()] = err.Error()
		}
	}

	s.syncCannons(id)

	writeJSON(w, http.StatusOK, applyResponse{
		Intents:        len(result.Intents),
		Failures:       result.Failures,
		DispatchErrors: dispatchErrors,
	})
}

type applyResponse struct {
	Intents        int                      `json:"intents"`
	Failures       []envctl.DelegationError `json:"failures,omitempty"`
	DispatchErrors map[string]string        `json:"dispatch_errors,omitempty"`
}

// handleDeleteEnv serves DELETE /api/v1/env/{id}: reconciles every
// attached agent back to Inventory and stops this environment's cannons.
func (s *Server) handleDeleteEnv(w http.ResponseWriter, r *http.Request) {
	id, err := ident.NewEnvId(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	intents, err := s.engine.Cleanup(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	for _, intent := range intents {
		_ = s.conns.Reconcile(r.Context(), intent)
	}
	if s.cannons != nil {
		_ = s.cannons.PurgeEnv(id)
	}
	if s.blocks != nil {
		s.blocks.Forget(id)
	}
	if s.resolver != nil {
		s.resolver.Forget(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProxyRead serves the read-only block/transaction/program/mapping
// routes by reverse-proxying to the freshest reachable node in the
// requested environment (spec.md §6 "proxy-read").
func (s *Server) handleProxyRead(w http.ResponseWriter, r *http.Request) {
	id, err := ident.NewEnvId(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := ident.ParseNodeTarget("*/*")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	rp := peerproxy.RouteParams{Env: id, Target: target}
	s.proxy.ServeHTTP(w, peerproxy.WithRouteParams(r, rp))
}
