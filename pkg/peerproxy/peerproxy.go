// Package peerproxy reverse-proxies REST reads against the freshest
// reachable node in an environment, and load-balances cannon broadcasts
// across the best online peers (spec.md §4.G "get_scored_peers", §6
// "proxy-read"). Adapted from the teacher's ingress package
// (loadbalancer_old.go.bak, proxy_old.go.bak): the round-robin backend
// selection becomes freshness-ranked peer selection over the control
// plane's Pool instead of a gRPC query to a scheduler.
package peerproxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/telemetry"
)

// Clock abstracts time.Now so selection ranking is testable.
type Clock func() time.Time

// BlockInfoSource supplies the latest known BlockInfo per node, kept
// current by the agent reconciler's height polling (spec.md §4.F).
type BlockInfoSource interface {
	BlockInfo(env ident.EnvId) map[ident.NodeKey]control.BlockInfo
}

// Selector ranks and picks the best reachable node for a proxy read or
// cannon broadcast.
type Selector struct {
	pool   *control.Pool
	blocks BlockInfoSource
	now    Clock
}

// NewSelector builds a Selector over pool, reading freshness data from
// blocks.
func NewSelector(pool *control.Pool, blocks BlockInfoSource) *Selector {
	return &Selector{pool: pool, blocks: blocks, now: time.Now}
}

// Best returns the freshest online node in env matching target, or
// ErrNoPeers if none qualify.
func (s *Selector) Best(env ident.EnvId, target ident.NodeTarget) (control.ScoredPeer, error) {
	info := s.blocks.BlockInfo(env)
	peers, err := s.pool.GetScoredPeers(env, target, info, s.now())
	if err != nil {
		return control.ScoredPeer{}, err
	}
	if len(peers) == 0 {
		return control.ScoredPeer{}, ErrNoPeers
	}
	return peers[0], nil
}

// Ranked returns every online node in env matching target, freshest
// first — the scored candidate list pkg/cannon walks in order when
// broadcasting a transaction (spec.md §4.I "try a scored list of target
// peers in order").
func (s *Selector) Ranked(env ident.EnvId, target ident.NodeTarget) ([]control.ScoredPeer, error) {
	info := s.blocks.BlockInfo(env)
	return s.pool.GetScoredPeers(env, target, info, s.now())
}

// ErrNoPeers is returned when no node in the requested environment
// matches the target and is online.
var ErrNoPeers = fmt.Errorf("peerproxy: no online peers match target")

// AddressResolver maps a node key to the REST socket address to proxy
// reads to — backed by pkg/network's NodeKey-to-socket table.
type AddressResolver interface {
	RESTAddr(env ident.EnvId, node ident.NodeKey) (string, error)
}

// Proxy is an HTTP reverse proxy that forwards /env/{id}/rest/* requests
// to the freshest node in the named environment.
type Proxy struct {
	selector *Selector
	resolve  AddressResolver
	server   *http.Server
}

// NewProxy builds a Proxy listening on addr.
func NewProxy(addr string, selector *Selector, resolve AddressResolver) *Proxy {
	p := &Proxy{selector: selector, resolve: resolve}
	p.server = &http.Server{
		Addr:         addr,
		Handler:      http.HandlerFunc(p.ServeHTTP),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return p
}

// Serve blocks until ctx is cancelled, then gracefully shuts down.
func (p *Proxy) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
	return p.server.Shutdown(shutdownCtx)
}

// RouteParams names the env and node target a request is asking to reach;
// callers (the chi router in pkg/api) extract these from the URL and pass
// them through the request context.
type routeParamsKey struct{}

// RouteParams is attached to a request's context before it reaches handle.
type RouteParams struct {
	Env    ident.EnvId
	Target ident.NodeTarget
}

// WithRouteParams returns a copy of r carrying rp for handle to read.
func WithRouteParams(r *http.Request, rp RouteParams) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), routeParamsKey{}, rp))
}

// ServeHTTP proxies r to the freshest reachable node for the RouteParams
// attached to its context (see WithRouteParams). Exported so pkg/api can
// mount it directly inside the shared /api/v1 chi router instead of
// running its own listener.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rp, ok := r.Context().Value(routeParamsKey{}).(RouteParams)
	if !ok {
		http.Error(w, "missing route params", http.StatusInternalServerError)
		return
	}

	timer := telemetry.NewTimer()
	peer, err := p.selector.Best(rp.Env, rp.Target)
	if err != nil {
		telemetry.APIRequestsTotal.WithLabelValues("proxy_read", "404").Inc()
		http.Error(w, "no reachable peer", http.StatusNotFound)
		return
	}

	addr, err := p.resolve.RESTAddr(rp.Env, peer.Node)
	if err != nil {
		telemetry.APIRequestsTotal.WithLabelValues("proxy_read", "502").Inc()
		http.Error(w, "peer unreachable", http.StatusBadGateway)
		return
	}

	target, err := url.Parse(fmt.Sprintf("http://%s", addr))
	if err != nil {
		http.Error(w, "invalid peer address", http.StatusBadGateway)
		return
	}

	rev := httputil.NewSingleHostReverseProxy(target)
	director := rev.Director
	rev.Director = func(req *http.Request) {
		director(req)
		req.Header.Set("X-Forwarded-For", req.RemoteAddr)
		req.Header.Set("X-Fleet-Proxied-Node", peer.Node.String())
	}
	rev.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		telemetry.APIRequestsTotal.WithLabelValues("proxy_read", "502").Inc()
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	rev.ServeHTTP(w, r)
	telemetry.APIRequestsTotal.WithLabelValues("proxy_read", "200").Inc()
	timer.ObserveDurationVec(telemetry.APIRequestDuration, "proxy_read")
}
