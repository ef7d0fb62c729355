// Package network allocates free local ports for a node's BFT/node/REST/
// metrics sockets and maintains the resolved NodeKey-to-socket-address
// table the agent reconciler and peerproxy consult to assemble peer
// lists and proxy targets (spec.md §4.F step 7 "resolve all peer/
// validator NodeKeys into concrete socket addresses"). Adapted from the
// teacher's HostPortPublisher (hostports_old.go.bak): its per-task port
// bookkeeping becomes per-node port bookkeeping, and its iptables
// forwarding is dropped since nodes bind host ports directly rather than
// running inside an overlay network.
package network

import (
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/warren/pkg/ident"
)

// Sockets is the set of addresses one running node exposes.
type Sockets struct {
	BFT     string
	Node    string
	REST    string
	Metrics string
}

// PortAllocator hands out free host ports and tracks which ports are
// currently claimed by a running node, so two nodes on the same agent
// never collide.
type PortAllocator struct {
	mu     sync.Mutex
	claims map[int]ident.NodeKey
}

// NewPortAllocator builds an empty allocator.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{claims: make(map[int]ident.NodeKey)}
}

// Claim finds a free TCP port on the loopback interface not already
// claimed by this allocator and reserves it for key.
func (a *PortAllocator) Claim(key ident.NodeKey) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < 64; attempt++ {
		port, err := freePort()
		if err != nil {
			return 0, fmt.Errorf("network: find free port: %w", err)
		}
		if _, taken := a.claims[port]; taken {
			continue
		}
		a.claims[port] = key
		return port, nil
	}
	return 0, fmt.Errorf("network: could not find an unclaimed free port after 64 attempts")
}

// ClaimN reserves n distinct ports for key in one call (BFT/node/REST/
// metrics), retrying on collision with a previous claim.
func (a *PortAllocator) ClaimN(key ident.NodeKey, n int) ([]int, error) {
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		p, err := a.Claim(key)
		if err != nil {
			a.ReleaseAll(key)
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// Release frees a single claimed port.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.claims, port)
}

// ReleaseAll frees every port claimed by key, called when a node is torn
// down.
func (a *PortAllocator) ReleaseAll(key ident.NodeKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port, k := range a.claims {
		if k == key {
			delete(a.claims, port)
		}
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Resolver maintains the resolved socket address for every node in every
// environment this agent (or the control plane's peerproxy) cares about.
type Resolver struct {
	mu      sync.RWMutex
	sockets map[ident.EnvId]map[ident.NodeKey]Sockets
}

// NewResolver builds an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{sockets: make(map[ident.EnvId]map[ident.NodeKey]Sockets)}
}

// Set records the resolved sockets for a node, replacing any prior entry.
func (r *Resolver) Set(env ident.EnvId, key ident.NodeKey, s Sockets) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sockets[env] == nil {
		r.sockets[env] = make(map[ident.NodeKey]Sockets)
	}
	r.sockets[env][key] = s
}

// ErrUnresolved is returned when no socket address is on record for a
// node — a cache miss the control plane must fill before retrying.
var ErrUnresolved = fmt.Errorf("network: no resolved socket for node")

// Get returns the resolved sockets for a node, or ErrUnresolved.
func (r *Resolver) Get(env ident.EnvId, key ident.NodeKey) (Sockets, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sockets[env]
	if !ok {
		return Sockets{}, ErrUnresolved
	}
	v, ok := s[key]
	if !ok {
		return Sockets{}, ErrUnresolved
	}
	return v, nil
}

// RESTAddr implements peerproxy.AddressResolver.
func (r *Resolver) RESTAddr(env ident.EnvId, key ident.NodeKey) (string, error) {
	s, err := r.Get(env, key)
	if err != nil {
		return "", err
	}
	if s.REST == "" {
		return "", fmt.Errorf("network: node %s has no REST socket", key)
	}
	return s.REST, nil
}

// Forget removes every resolved socket entry for env, called on
// environment teardown.
func (r *Resolver) Forget(env ident.EnvId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sockets, env)
}
