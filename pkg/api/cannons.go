package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/warren/pkg/cannon"
	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/telemetry"
)

// errCannonNotRunning is returned when a broadcast/auth request names a
// cannon that isn't (yet, or any longer) running for its environment.
var errCannonNotRunning = errors.New("api: cannon is not running for this environment")

// noopLedgerCache always reports a transaction as absent from the
// on-chain ledger. The real dedup guarantee is enforced at broadcast time
// by cannon/dispatch.go's isAlreadyInLedger check, which treats a node's
// "exists in the ledger" response as success; this cache is only a
// pre-broadcast optimization, so skipping it changes performance, not
// correctness.
type noopLedgerCache struct{}

func (noopLedgerCache) Contains(ident.EnvId, string) bool { return false }

// fileSinkWriter appends each accepted transaction to an environment's
// configured sink file, one line per transaction (spec.md §4.H step 7
// "append-only file").
type fileSinkWriter struct {
	path string
}

func (f fileSinkWriter) Write(txID string, payload []byte) error {
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(append(append([]byte(txID+" "), payload...), '\n'))
	return err
}

// computeTarget builds the ComputeExecutor a cannon with the given id
// dispatches authorizations through, following the configured
// computeTarget: the first connected compute-capable agent (whether or not
// it is already executing another authorization), or a pre-configured
// demox executor (spec.md §4.I).
func (s *Server) computeTarget(id ident.CannonId) cannon.ComputeExecutor {
	if s.computeKind == "demox" {
		return cannon.NewDemoxComputeTarget(s.demoxURL)
	}
	return &cannon.AgentComputeTarget{
		Pool:     s.pool,
		Dispatch: s.conns,
		QueryURL: func(c ident.CannonId) string { return fmt.Sprintf("/cannon/%s/query", c) },
		Cannon:   id,
	}
}

// syncCannons starts every cannon named in env's current Sinks set that
// isn't already running (spec.md §4.H step 7's cannons are declared
// alongside nodes and storage). Logs and skips individual failures rather
// than aborting the apply that triggered this sync.
func (s *Server) syncCannons(env ident.EnvId) {
	if s.cannons == nil {
		return
	}
	e, err := s.pool.GetEnv(env)
	if err != nil {
		return
	}
	target, err := ident.ParseNodeTarget("validator/*")
	if err != nil {
		return
	}
	for idStr, sinkPath := range e.Sinks {
		id, err := ident.NewCannonId(idStr)
		if err != nil {
			telemetry.Logger.Warn().Err(err).Str("cannon", idStr).Msg("api: skip cannon with invalid id")
			continue
		}
		var sink cannon.SinkWriter
		if sinkPath != "" {
			sink = fileSinkWriter{path: sinkPath}
		}
		if _, err := s.cannons.Create(context.Background(), env, id, target, s.computeTarget(id), s.broadcaster, noopLedgerCache{}, sink, s.bus); err != nil {
			telemetry.Logger.Warn().Err(err).Str("cannon", idStr).Msg("api: failed to start cannon")
		}
	}
}

// newTxID derives a stable transaction id from its payload when the
// caller doesn't supply one, so resubmitting the same bytes is naturally
// idempotent against the cannon's tracker table.
func newTxID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "tx-" + hex.EncodeToString(sum[:])[:16]
}

// handleCannonBroadcast serves POST
// /api/v1/env/{id}/cannons/{cannon}/{network}/transaction/broadcast: a
// pre-signed transaction submitted straight to the cannon's broadcast
// path, bypassing the authorization/execute stage (spec.md §4.I "a
// transaction may also be submitted pre-signed").
func (s *Server) handleCannonBroadcast(w http.ResponseWriter, r *http.Request) {
	envID, cannonID, ok := s.parseEnvCannon(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c, ok := s.cannons.Lookup(envID, cannonID)
	if !ok {
		writeError(w, http.StatusNotFound, errCannonNotRunning)
		return
	}
	txID := newTxID(body)
	if err := c.SubmitTransaction(txID, body); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"tx": txID})
}

// handleCannonAuth serves POST /api/v1/env/{id}/cannons/{cannon}/auth: an
// authorization for the cannon to execute into a transaction and
// broadcast (spec.md §4.I's main flow).
func (s *Server) handleCannonAuth(w http.ResponseWriter, r *http.Request) {
	envID, cannonID, ok := s.parseEnvCannon(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	c, ok := s.cannons.Lookup(envID, cannonID)
	if !ok {
		writeError(w, http.StatusNotFound, errCannonNotRunning)
		return
	}
	txID := newTxID(body)
	if err := c.SubmitAuthorization(txID, body); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"tx": txID})
}

func (s *Server) parseEnvCannon(w http.ResponseWriter, r *http.Request) (ident.EnvId, ident.CannonId, bool) {
	envID, err := ident.NewEnvId(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return ident.EnvId{}, ident.CannonId{}, false
	}
	cannonID, err := ident.NewCannonId(chi.URLParam(r, "cannon"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return ident.EnvId{}, ident.CannonId{}, false
	}
	return envID, cannonID, true
}
