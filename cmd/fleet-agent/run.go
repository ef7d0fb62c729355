package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/cuemby/warren/pkg/capability"
	"github.com/cuemby/warren/pkg/config"
	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/ledgerstore"
	"github.com/cuemby/warren/pkg/mux"
	"github.com/cuemby/warren/pkg/network"
	"github.com/cuemby/warren/pkg/procsup"
	"github.com/cuemby/warren/pkg/reconcile"
	"github.com/cuemby/warren/pkg/telemetry"
)

// Wire shapes duplicated from pkg/api (unexported there): the handshake
// payload is public via pkg/mux, but the ControlRequest methods an agent
// calls outbound (resolve_peers, report_block_info, report_sockets) and
// the AgentRequest methods the control plane calls inbound (reconcile,
// kill, execute_authorization, broadcast_transaction) are defined as
// unexported structs on the server side, so the agent's wire-compatible
// copies live here, matching field-for-field.

type resolvePeersPayload struct {
	Env  ident.EnvId     `json:"env"`
	Keys []ident.NodeKey `json:"keys"`
}

type resolvePeersResult struct {
	Addrs []string `json:"addrs"`
}

type reportBlockInfoPayload struct {
	Env    ident.EnvId   `json:"env"`
	Node   ident.NodeKey `json:"node"`
	Height uint64        `json:"height"`
	Hash   string        `json:"hash"`
}

type reportSocketsPayload struct {
	Env     ident.EnvId     `json:"env"`
	Node    ident.NodeKey   `json:"node"`
	Sockets network.Sockets `json:"sockets"`
}

type reconcilePayload struct {
	Env     ident.EnvId       `json:"env"`
	Node    control.NodeState `json:"node"`
	Online  bool              `json:"online"`
	Storage *control.Storage  `json:"storage,omitempty"`
	Opts    applyOpts         `json:"opts"`
}

// applyOpts mirrors envctl.ApplyOpts's wire shape without importing the
// control-plane-only envctl package into the agent binary.
type applyOpts struct {
	RefetchInfo     bool `json:"refetch_info"`
	ClearLastHeight bool `json:"clear_last_height"`
}

type executeAuthorizationPayload struct {
	QueryURL string `json:"query_url"`
	Auth     []byte `json:"auth"`
}

type broadcastTransactionPayload struct {
	Node ident.NodeKey `json:"node"`
	Tx   []byte        `json:"tx"`
}

type broadcastTransactionResult struct {
	Height uint64 `json:"height"`
}

func marshalJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fleet-agent: encode payload: %w", err)
	}
	return b, nil
}

func unmarshalJSON(b []byte, v interface{}) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("fleet-agent: decode payload: %w", err)
	}
	return nil
}

// heightReportInterval is how often the agent polls its supervised node's
// own REST port for its latest height and reports it upstream via
// report_block_info, feeding control.BlockCache (spec.md §4.G
// "get_scored_peers").
const heightReportInterval = 10 * time.Second

// agentProcess wires one connected mux.Mux to the reconcile pipeline and
// the supervised node process, and drives the outbound height-report
// loop for as long as a node is declared online.
type agentProcess struct {
	cfg   *config.Agent
	store *ledgerstore.Store
	super *procsup.Supervisor
	proc  *processController
	m     *mux.Mux

	reconciler *reconcile.AgentReconciler
	ledgerBind ledgerStorageBinder

	mu            sync.Mutex
	haveTarget    bool
	currentTarget reconcile.Target

	heightCancel context.CancelFunc
}

func runServeAgent(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("fleet-agent: load config: %w", err)
	}
	telemetry.Init(cfg.Log.Logger())

	store, err := ledgerstore.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("fleet-agent: open ledgerstore: %w", err)
	}

	super, err := procsup.NewSupervisor(cfg.ContainerdSocket)
	if err != nil {
		return fmt.Errorf("fleet-agent: connect containerd: %w", err)
	}
	defer super.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for ctx.Err() == nil {
		if err := dialAndServe(ctx, cfg, store, super); err != nil && ctx.Err() == nil {
			telemetry.Logger.Warn().Err(err).Msg("fleet-agent: connection lost, reconnecting")
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
		}
	}
	return nil
}

// dialAndServe dials the control plane once, runs the handshake, serves
// inbound AgentRequest calls, and blocks until the connection drops.
func dialAndServe(ctx context.Context, cfg *config.Agent, store *ledgerstore.Store, super *procsup.Supervisor) error {
	wsURL, err := toWebsocketURL(cfg.ControlAddr, cfg.RequestedID)
	if err != nil {
		return err
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("fleet-agent: dial %s: %w", wsURL, err)
	}
	defer ws.Close()

	conn := mux.NewConn(ws)
	m := mux.New(conn)

	ports := network.NewPortAllocator()
	call := func(ctx context.Context, method string, payload []byte) ([]byte, error) {
		return m.Call(ctx, mux.ControlRequest, method, payload)
	}

	proc := &processController{supervisor: super, ports: ports, store: store, call: call, bindAddr: cfg.BindAddr}
	ap := &agentProcess{cfg: cfg, store: store, super: super, proc: proc, m: m}
	ap.reconciler, ap.ledgerBind = buildReconciler(store, proc, call)

	m.Handle(mux.AgentRequest, ap.handleAgentRequest)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- m.Run(ctx) }()
	defer func() {
		ap.mu.Lock()
		if ap.heightCancel != nil {
			ap.heightCancel()
		}
		ap.mu.Unlock()
	}()

	caps := capability.ForNodeType(ident.NodeTypeClient).
		Set(uint64(capability.ForNodeType(ident.NodeTypeValidator))).
		Set(uint64(capability.ForNodeType(ident.NodeTypeProver))).
		Set(capability.BitCompute).
		Set(capability.BitLocalPrivateKey).
		Set(uint64(capability.ForLabels(cfg.Labels...)))

	resp, err := mux.Handshake(ctx, m, mux.HandshakeRequest{
		Token:        cfg.Token,
		RequestedID:  cfg.RequestedID,
		Capabilities: caps,
		Labels:       cfg.Labels,
	})
	if err != nil {
		return fmt.Errorf("fleet-agent: handshake: %w", err)
	}
	// The control plane, not the agent, drives reconciliation: when
	// resp.NeedsReconcile is set it already knows to follow up with its
	// own "reconcile" AgentRequest call on this same connection (see
	// pkg/api/agentws.go's post-handshake dispatch), carrying the full
	// Storage the agent's bare AgentState response can't express.
	telemetry.Logger.Info().Str("agent_id", resp.AgentID.String()).Bool("needs_reconcile", resp.NeedsReconcile).Msg("fleet-agent: connected")

	return <-runErrCh
}

func toWebsocketURL(controlAddr, requestedID string) (string, error) {
	u, err := url.Parse(controlAddr)
	if err != nil {
		return "", fmt.Errorf("fleet-agent: parse controlAddr %q: %w", controlAddr, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if requestedID != "" {
		q := u.Query()
		q.Set("id", requestedID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// ledgerStorageBinder rebinds the three ledger-side adapters to whichever
// storage the next reconcile pass targets; an agent reconciles one node
// (and thus one storage) at a time, so this is set just before each call
// to AgentReconciler.Reconcile rather than threaded through its interface.
type ledgerStorageBinder struct {
	finder  *checkpointFinder
	applier *checkpointApplier
	wiper   *ledgerWiper
}

func (b ledgerStorageBinder) bind(id ident.StorageId) {
	b.finder.SetStorage(id)
	b.applier.SetStorage(id)
	b.wiper.SetStorage(id)
}

func buildReconciler(store *ledgerstore.Store, proc *processController, call controlCaller) (*reconcile.AgentReconciler, ledgerStorageBinder) {
	version := &storageVersion{store: store}
	binaries := &binaryResolver{store: store}
	files := reconcile.NewFileReconciler(func() bool { return false })
	genesis := newGenesisChecker(store, files)
	peers := &peerResolver{call: call}

	finder := &checkpointFinder{store: store}
	applier := &checkpointApplier{supervisor: proc.supervisor, store: store}
	wiper := &ledgerWiper{store: store}
	ledger := reconcile.NewLedgerReconciler(true, finder, applier, wiper, func(control.HeightRequest) error { return nil })

	r := reconcile.NewAgentReconciler(proc, version, binaries, genesis, files, peers, ledger)
	return r, ledgerStorageBinder{finder: finder, applier: applier, wiper: wiper}
}

func (ap *agentProcess) reconcile(ctx context.Context, rt reconcile.Target) error {
	ap.mu.Lock()
	ap.haveTarget = true
	ap.currentTarget = rt
	ap.mu.Unlock()

	if rt.Storage != nil {
		ap.ledgerBind.bind(rt.Storage.ID)
	}

	err := ap.reconciler.Reconcile(ctx, rt)

	ap.mu.Lock()
	if rt.Online && err == nil {
		if ap.heightCancel == nil {
			hctx, cancel := context.WithCancel(context.Background())
			ap.heightCancel = cancel
			go ap.reportHeightLoop(hctx, rt.Env, rt.Node.Key)
		}
	} else if !rt.Online && ap.heightCancel != nil {
		ap.heightCancel()
		ap.heightCancel = nil
	}
	ap.mu.Unlock()

	return err
}

// handleAgentRequest answers the four AgentRequest methods the control
// plane invokes over this connection (pkg/api/conns.go).
func (ap *agentProcess) handleAgentRequest(ctx context.Context, method string, payload []byte) ([]byte, error) {
	switch method {
	case "reconcile":
		var req reconcilePayload
		if err := unmarshalJSON(payload, &req); err != nil {
			return nil, err
		}
		rt := reconcile.Target{Env: req.Env, Node: req.Node, Online: req.Online, Storage: req.Storage}
		if err := ap.reconcile(ctx, rt); err != nil {
			return nil, fmt.Errorf("fleet-agent: reconcile: %w", err)
		}
		return marshalJSON(struct{}{})

	case "kill":
		ap.mu.Lock()
		target := ap.currentTarget
		have := ap.haveTarget
		ap.mu.Unlock()
		if have {
			_ = ap.proc.Stop(ctx, target.Node.Key)
		}
		return marshalJSON(struct{}{})

	case "execute_authorization":
		var req executeAuthorizationPayload
		if err := unmarshalJSON(payload, &req); err != nil {
			return nil, err
		}
		// The control plane never executes cryptography itself (spec.md
		// §2 Non-goals); this proxies the authorization straight to the
		// already-running node's own REST surface at queryURL and hands
		// its response back verbatim as the signed transaction.
		out, err := postBytes(ctx, req.QueryURL, req.Auth)
		if err != nil {
			return nil, fmt.Errorf("fleet-agent: execute_authorization: %w", err)
		}
		return out, nil

	case "broadcast_transaction":
		var req broadcastTransactionPayload
		if err := unmarshalJSON(payload, &req); err != nil {
			return nil, err
		}
		ap.mu.Lock()
		target := ap.currentTarget
		ap.mu.Unlock()
		sockets, ok := ap.proc.socketsFor(req.Node)
		if !ok {
			return nil, fmt.Errorf("fleet-agent: node %s is not running on this agent", req.Node)
		}
		network_ := target.Storage.Network.String()
		url_ := fmt.Sprintf("http://%s/%s/transaction/broadcast", sockets.REST, network_)
		respBody, err := postBytes(ctx, url_, req.Tx)
		if err != nil {
			return nil, fmt.Errorf("fleet-agent: broadcast_transaction: %w", err)
		}
		var parsed broadcastTransactionResult
		_ = unmarshalJSON(respBody, &parsed) // a non-JSON body just reports height 0
		return marshalJSON(parsed)

	default:
		return nil, fmt.Errorf("fleet-agent: unknown agent method %q", method)
	}
}

// reportHeightLoop polls the node's own REST surface for its latest
// height every heightReportInterval and forwards it via the
// "report_block_info" ControlRequest RPC, until ctx is cancelled (the
// node goes offline or the connection drops).
func (ap *agentProcess) reportHeightLoop(ctx context.Context, env ident.EnvId, key ident.NodeKey) {
	ticker := time.NewTicker(heightReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sockets, ok := ap.proc.socketsFor(key)
		if !ok {
			continue
		}
		ap.mu.Lock()
		network_ := ""
		if ap.currentTarget.Storage != nil {
			network_ = ap.currentTarget.Storage.Network.String()
		}
		ap.mu.Unlock()
		if network_ == "" {
			continue
		}
		height, hash, err := fetchLatestHeight(ctx, sockets.REST, network_)
		if err != nil {
			telemetry.Logger.Debug().Err(err).Str("node", key.String()).Msg("fleet-agent: height poll failed")
			continue
		}
		payload, err := marshalJSON(reportBlockInfoPayload{Env: env, Node: key, Height: height, Hash: hash})
		if err != nil {
			continue
		}
		if _, err := ap.m.Call(ctx, mux.ControlRequest, "report_block_info", payload); err != nil {
			telemetry.Logger.Debug().Err(err).Msg("fleet-agent: report_block_info failed")
		}
	}
}

// latestHeightResponse is the JSON body the node subprocess's own REST
// surface returns for a "latest block" query, matching the
// "{network}/transaction/broadcast" path convention (spec.md §6).
type latestHeightResponse struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

func fetchLatestHeight(ctx context.Context, restAddr, network string) (uint64, string, error) {
	url_ := fmt.Sprintf("http://%s/%s/block/height/latest", restAddr, network)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url_, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("fleet-agent: height query status %d", resp.StatusCode)
	}
	var out latestHeightResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, "", err
	}
	return out.Height, out.Hash, nil
}

func postBytes(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fleet-agent: read response body: %w", err)
	}
	return out, nil
}
