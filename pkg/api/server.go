// Package api implements the control plane's external surface: a
// chi-routed /api/v1 REST API for operators (cmd/fleetctl) and a
// websocket upgrade endpoint agents dial in to (cmd/fleet-agent),
// replacing the teacher's gRPC+mTLS swarm-orchestration API with the
// HTTP+websocket surface spec.md §6 names.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/warren/pkg/authn"
	"github.com/cuemby/warren/pkg/cannon"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/envctl"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/network"
	"github.com/cuemby/warren/pkg/peerproxy"
	"github.com/cuemby/warren/pkg/telemetry"
)

// Server wires the control plane's stateful collaborators (the agent
// pool, the apply engine, the event bus, live agent connections) behind
// one HTTP surface.
type Server struct {
	pool        *control.Pool
	registry    *authn.Registry
	conns       *AgentConns
	bus         *events.Broker
	engine      *envctl.Engine
	broadcaster *cannon.Broadcaster
	cannons     *cannon.Manager
	proxy       *peerproxy.Proxy
	selector    *peerproxy.Selector
	blocks      *control.BlockCache
	resolver    *network.Resolver
	agentSecret string
	computeKind string
	demoxURL    string

	router chi.Router
	http   *http.Server
}

// Deps collects Server's collaborators so NewServer's argument list stays
// readable as the surface grows.
type Deps struct {
	Pool        *control.Pool
	Registry    *authn.Registry
	Conns       *AgentConns
	Bus         *events.Broker
	Engine      *envctl.Engine
	Broadcaster *cannon.Broadcaster
	Cannons     *cannon.Manager
	Selector    *peerproxy.Selector
	Proxy       *peerproxy.Proxy
	Blocks      *control.BlockCache
	Resolver    *network.Resolver
	AgentSecret string
	// ComputeTarget selects how cannons dispatch authorizations: "agent"
	// (the default) or "demox". DemoxURL is required when it's "demox".
	ComputeTarget string
	DemoxURL      string
}

// NewServer assembles the chi router and binds it to addr.
func NewServer(addr string, d Deps) *Server {
	s := &Server{
		pool:        d.Pool,
		registry:    d.Registry,
		conns:       d.Conns,
		bus:         d.Bus,
		engine:      d.Engine,
		broadcaster: d.Broadcaster,
		cannons:     d.Cannons,
		proxy:       d.Proxy,
		blocks:      d.Blocks,
		resolver:    d.Resolver,
		computeKind: d.ComputeTarget,
		demoxURL:    d.DemoxURL,
		selector:    d.Selector,
		agentSecret: d.AgentSecret,
	}
	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/agent", s.serveAgent)
	r.Get("/metrics", telemetry.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/agents", s.handleListAgents)
		r.Post("/agents/find", s.handleFindAgents)
		r.Post("/agents/{id}/kill", s.handleKillAgent)

		r.Get("/env/list", s.handleListEnvs)
		r.Post("/env/{id}/apply", s.handleApplyEnv)
		r.Delete("/env/{id}", s.handleDeleteEnv)
		r.Get("/env/{id}/info", s.handleEnvInfo)

		r.Get("/env/{id}/block/{height}", s.handleProxyRead)
		r.Get("/env/{id}/transaction/{txid}", s.handleProxyRead)
		r.Get("/env/{id}/program/{program}", s.handleProxyRead)
		r.Get("/env/{id}/program/{program}/mapping/{mapping}", s.handleProxyRead)

		r.Post("/env/{id}/action/online", s.handleActionOnline)
		r.Post("/env/{id}/action/offline", s.handleActionOffline)
		r.Post("/env/{id}/action/reboot", s.handleActionReboot)
		r.Post("/env/{id}/action/execute", s.handleActionExecute)
		r.Post("/env/{id}/action/deploy", s.handleActionDeploy)
		r.Post("/env/{id}/action/config", s.handleActionConfig)

		r.Post("/env/{id}/cannons/{cannon}/{network}/transaction/broadcast", s.handleCannonBroadcast)
		r.Post("/env/{id}/cannons/{cannon}/auth", s.handleCannonAuth)

		r.Get("/events", s.handleEvents)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		telemetry.Logger.Debug().Str("path", r.URL.Path).Dur("elapsed", time.Since(start)).Msg("api: request")
	})
}

// Serve blocks until ctx is cancelled, then gracefully shuts down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
