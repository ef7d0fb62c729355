package cannon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/warren/pkg/capability"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/peerproxy"
)

// ComputeExecutor turns an authorization into a signed transaction —
// spec.md §4.I's "configured compute target", either an agent or demox.
type ComputeExecutor interface {
	Execute(ctx context.Context, auth []byte) ([]byte, error)
}

// AgentComputeDispatcher invokes execute_authorization against a
// connected agent over whatever RPC transport pkg/mux provides in
// production (a fake in tests).
type AgentComputeDispatcher interface {
	ExecuteAuthorization(ctx context.Context, agent ident.AgentId, queryURL string, auth []byte) ([]byte, error)
}

// AgentComputeTarget dispatches authorizations to any idle compute-capable
// agent, claiming it for the duration of the call (spec.md §4.I "pick any
// compute-capable idle agent, claim it, RPC-invoke execute_authorization").
type AgentComputeTarget struct {
	Pool     *control.Pool
	Dispatch AgentComputeDispatcher
	QueryURL func(ident.CannonId) string
	Cannon   ident.CannonId
}

func pickComputeAgent(pool *control.Pool) *control.Agent {
	for _, a := range pool.Agents() {
		if a.Connected() && a.Capabilities.Has(capability.BitCompute) {
			return a
		}
	}
	return nil
}

func (t *AgentComputeTarget) Execute(ctx context.Context, auth []byte) ([]byte, error) {
	agent := pickComputeAgent(t.Pool)
	if agent == nil {
		return nil, ErrNoComputeAgent
	}
	if err := t.Pool.ClaimCompute(agent.ID); err != nil {
		return nil, err
	}
	defer t.Pool.ReleaseCompute(agent.ID)
	return t.Dispatch.ExecuteAuthorization(ctx, agent.ID, t.QueryURL(t.Cannon), auth)
}

// DemoxComputeTarget POSTs an authorization to a pre-configured external
// executor (spec.md §4.I "demox").
type DemoxComputeTarget struct {
	URL    string
	Client *http.Client
}

// NewDemoxComputeTarget builds a DemoxComputeTarget with a bounded HTTP
// client appropriate for a compute round trip.
func NewDemoxComputeTarget(url string) *DemoxComputeTarget {
	return &DemoxComputeTarget{URL: url, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *DemoxComputeTarget) Execute(ctx context.Context, auth []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(auth))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannon: demox execute: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("cannon: demox execute: status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// AgentBroadcastDispatcher invokes broadcast_transaction against a
// connected agent, the preferred path before falling back to REST.
type AgentBroadcastDispatcher interface {
	BroadcastTransaction(ctx context.Context, agent ident.AgentId, node ident.NodeKey, tx []byte) (height uint64, err error)
}

// broadcastResponse is the shape a node's REST broadcast endpoint returns
// on acceptance.
type broadcastResponse struct {
	Height uint64 `json:"height"`
}

// alreadyInLedgerSubstring is the marker spec.md §4.I names for treating a
// 5xx broadcast response as success: the node already holds the
// transaction.
const alreadyInLedgerSubstring = "exists in the ledger"

// Broadcaster fans a signed transaction out to a scored list of
// candidate peers, preferring a direct agent RPC and falling back to a
// REST POST (spec.md §4.I "Transaction arrives").
type Broadcaster struct {
	Pool     *control.Pool
	Selector *peerproxy.Selector
	Dispatch AgentBroadcastDispatcher // may be nil to always use REST
	Resolve  peerproxy.AddressResolver
	Client   *http.Client
}

// NewBroadcaster builds a Broadcaster with the 5s REST timeout spec.md
// §4.I specifies.
func NewBroadcaster(pool *control.Pool, selector *peerproxy.Selector, dispatch AgentBroadcastDispatcher, resolve peerproxy.AddressResolver) *Broadcaster {
	return &Broadcaster{
		Pool:     pool,
		Selector: selector,
		Dispatch: dispatch,
		Resolve:  resolve,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Broadcast tries every online node in env matching target, freshest
// first, until one accepts tx.
func (b *Broadcaster) Broadcast(ctx context.Context, env ident.EnvId, target ident.NodeTarget, tx []byte) (uint64, error) {
	peers, err := b.Selector.Ranked(env, target)
	if err != nil {
		return 0, err
	}

	var lastErr error
	for _, p := range peers {
		if b.Dispatch != nil {
			if agent, err := b.Pool.GetAgent(p.Agent); err == nil && agent.Connected() {
				height, err := b.Dispatch.BroadcastTransaction(ctx, p.Agent, p.Node, tx)
				if err == nil {
					return height, nil
				}
				if isAlreadyInLedger(err.Error()) {
					return height, nil
				}
				lastErr = err
				continue
			}
		}

		addr, err := b.Resolve.RESTAddr(env, p.Node)
		if err != nil {
			lastErr = err
			continue
		}
		height, err := b.postTransaction(ctx, addr, tx)
		if err == nil {
			return height, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrNoBroadcastTarget
	}
	return 0, fmt.Errorf("%w: %v", ErrNoBroadcastTarget, lastErr)
}

func (b *Broadcaster) postTransaction(ctx context.Context, addr string, tx []byte) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/transaction/broadcast", bytes.NewReader(tx))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := b.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode >= 500 && isAlreadyInLedger(string(body)) {
		return 0, nil
	}
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("broadcast: status %d: %s", resp.StatusCode, string(body))
	}
	var out broadcastResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, nil
	}
	return out.Height, nil
}

func isAlreadyInLedger(s string) bool {
	return strings.Contains(s, alreadyInLedgerSubstring)
}
