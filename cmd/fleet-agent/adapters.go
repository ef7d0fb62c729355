package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/health"
	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/ledgerstore"
	"github.com/cuemby/warren/pkg/network"
	"github.com/cuemby/warren/pkg/procsup"
	"github.com/cuemby/warren/pkg/reconcile"
	"github.com/cuemby/warren/pkg/retention"
	"github.com/cuemby/warren/pkg/telemetry"
)

// nodeBinaryName is the fixed filename every downloaded node binary is
// stored under within its storage's binaries/ directory. The name is the
// same for every node type, so all node types backed by one storage on an
// agent share a single binary file (spec.md §4.F step 4).
const nodeBinaryName = "node"

// genesisSlotName interns the dedicated ident.StorageId slot a non-native
// storage's genesis.block entry is published under in Storage.Binaries,
// distinct from the per-node-type binary slots (spec.md §4.F step 5).
const genesisSlotName = "genesis-block"

// builtinDefaults is the built-in compile-time fallback used when neither
// a node-type-specific nor a DefaultStorageId binary entry is declared
// (spec.md §4.F step 4, "a built-in compile-time default").
var builtinDefaults = control.BinaryEntry{
	Source: "https://snarkos-builds.s3.amazonaws.com/latest/snarkos",
}

// binaryResolver implements reconcile.BinaryResolver against a storage's
// declared Binaries map, keyed by a per-node-type slot with DefaultStorageId
// and a built-in constant as successive fallbacks.
type binaryResolver struct {
	store *ledgerstore.Store
}

func (b *binaryResolver) Resolve(storage *control.Storage, key ident.NodeKey) (string, string, *reconcile.Expected, error) {
	slot, err := ident.NewStorageId(string(key.Type))
	if err != nil {
		return "", "", nil, fmt.Errorf("fleet-agent: intern binary slot %q: %w", key.Type, err)
	}
	entry, ok := storage.Binaries[slot]
	if !ok {
		entry, ok = storage.Binaries[ident.DefaultStorageId]
	}
	if !ok {
		entry = builtinDefaults
	}
	dst := b.store.BinaryPath(storage.ID, nodeBinaryName)
	var expected *reconcile.Expected
	if entry.SHA256 != "" || entry.Size != 0 {
		expected = &reconcile.Expected{SHA256: entry.SHA256, Size: entry.Size}
	}
	return entry.Source, dst, expected, nil
}

// storageVersion implements reconcile.StorageVersionChecker against the
// ledgerstore "version" marker file (spec.md §4.F step 3).
type storageVersion struct {
	store *ledgerstore.Store
}

func (v *storageVersion) Check(storage *control.Storage) (bool, error) {
	onDisk, exists, err := v.store.ReadVersion(storage.ID)
	if err != nil {
		return false, err
	}
	return exists && onDisk == storage.Version, nil
}

func (v *storageVersion) Wipe(storage *control.Storage) error {
	if err := v.store.Remove(storage.ID); err != nil {
		return err
	}
	if err := v.store.Ensure(storage.ID); err != nil {
		return err
	}
	return v.store.WriteVersion(storage.ID, storage.Version)
}

// genesisChecker implements reconcile.GenesisChecker: it downloads
// genesis.block from the storage's dedicated genesis slot, caching a
// success for five minutes per storage to avoid hot-loop re-checks
// (spec.md §4.F step 5).
type genesisChecker struct {
	store *ledgerstore.Store
	files *reconcile.FileReconciler

	mu     sync.Mutex
	lastOK map[ident.StorageId]time.Time
}

func newGenesisChecker(store *ledgerstore.Store, files *reconcile.FileReconciler) *genesisChecker {
	return &genesisChecker{store: store, files: files, lastOK: make(map[ident.StorageId]time.Time)}
}

func (g *genesisChecker) Check(storage *control.Storage) (reconcile.Result, error) {
	g.mu.Lock()
	if last, ok := g.lastOK[storage.ID]; ok && time.Since(last) < 5*time.Minute {
		g.mu.Unlock()
		return reconcile.ResultOK, nil
	}
	g.mu.Unlock()

	slot, err := ident.NewStorageId(genesisSlotName)
	if err != nil {
		return reconcile.ResultRequeue, fmt.Errorf("fleet-agent: intern genesis slot: %w", err)
	}
	entry, ok := storage.Binaries[slot]
	if !ok {
		return reconcile.ResultRequeue, fmt.Errorf("fleet-agent: storage %s declares no genesis artefact", storage.ID)
	}

	dst := g.store.GenesisPath(storage.ID)
	var expected *reconcile.Expected
	if entry.SHA256 != "" || entry.Size != 0 {
		expected = &reconcile.Expected{SHA256: entry.SHA256, Size: entry.Size}
	}
	res, err := g.files.Reconcile(context.Background(), entry.Source, dst, expected)
	if err != nil {
		return res, err
	}
	if res == reconcile.ResultOK {
		g.mu.Lock()
		g.lastOK[storage.ID] = time.Now()
		g.mu.Unlock()
	}
	return res, nil
}

// peerResolver implements reconcile.PeerResolver over the "resolve_peers"
// ControlRequest RPC the control plane serves (pkg/api/agentws.go).
type peerResolver struct {
	call controlCaller
}

func (p *peerResolver) Resolve(env ident.EnvId, keys []ident.NodeKey) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	payload, err := marshalJSON(resolvePeersPayload{Env: env, Keys: keys})
	if err != nil {
		return nil, err
	}
	respPayload, err := p.call(context.Background(), "resolve_peers", payload)
	if err != nil {
		return nil, fmt.Errorf("fleet-agent: resolve_peers: %w", err)
	}
	var resp resolvePeersResult
	if err := unmarshalJSON(respPayload, &resp); err != nil {
		return nil, err
	}
	return resp.Addrs, nil
}

// ledgerWiper implements reconcile.LedgerWiper against the storage this
// agent's current node is bound to. An agent reconciles one node target
// at a time, so SetStorage is called once per reconcile pass, from
// agentProcess.reconcile, before the ledger reconciler runs.
type ledgerWiper struct {
	store *ledgerstore.Store

	mu        sync.Mutex
	storageID ident.StorageId
}

func (w *ledgerWiper) SetStorage(id ident.StorageId) {
	w.mu.Lock()
	w.storageID = id
	w.mu.Unlock()
}

func (w *ledgerWiper) WipeLedger() error {
	w.mu.Lock()
	id := w.storageID
	w.mu.Unlock()
	return w.store.WipeLedger(id)
}

// checkpointFinder implements reconcile.CheckpointFinder over the storage's
// on-disk checkpoint directory, listed and parsed via pkg/ledgerstore and
// pkg/retention (spec.md §4.F "find_checkpoint"). Re-bound to the current
// target's storage the same way as ledgerWiper.
type checkpointFinder struct {
	store *ledgerstore.Store

	mu        sync.Mutex
	storageID ident.StorageId
}

func (f *checkpointFinder) SetStorage(id ident.StorageId) {
	f.mu.Lock()
	f.storageID = id
	f.mu.Unlock()
}

func (f *checkpointFinder) FindCheckpoint(req control.HeightRequest) (string, bool, error) {
	f.mu.Lock()
	storageID := f.storageID
	f.mu.Unlock()
	names, err := f.store.ListCheckpointFiles(storageID)
	if err != nil {
		return "", false, err
	}
	var checkpoints []retention.Checkpoint
	byName := make(map[retention.Checkpoint]string, len(names))
	for _, name := range names {
		cp, err := retention.ParseCheckpointFilename(name)
		if err != nil {
			telemetry.Logger.Warn().Str("file", name).Err(err).Msg("fleet-agent: skipping unparseable checkpoint file")
			continue
		}
		checkpoints = append(checkpoints, cp)
		byName[cp] = name
	}
	if len(checkpoints) == 0 {
		return "", false, nil
	}

	switch req.Kind {
	case control.HeightAbsolute:
		var best *retention.Checkpoint
		for i := range checkpoints {
			cp := checkpoints[i]
			if cp.Height > req.Height {
				continue
			}
			if best == nil || cp.Height > best.Height {
				best = &checkpoints[i]
			}
		}
		if best == nil {
			return "", false, nil
		}
		return f.store.CheckpointPathFor(storageID, byName[*best]), true, nil
	case control.HeightCheckpoint:
		span, err := retention.ParseSpan(req.Span)
		if err != nil {
			return "", false, fmt.Errorf("fleet-agent: checkpoint span %q: %w", req.Span, err)
		}
		wantAge, bounded := span.AsDuration()
		now := time.Now()
		var best *retention.Checkpoint
		var bestDelta time.Duration
		for i := range checkpoints {
			cp := checkpoints[i]
			age := now.Sub(cp.Time)
			var delta time.Duration
			if bounded {
				delta = age - wantAge
				if delta < 0 {
					delta = -delta
				}
			} else {
				delta = -age // Unlimited favours the oldest checkpoint on record.
			}
			if best == nil || delta < bestDelta {
				best = &checkpoints[i]
				bestDelta = delta
			}
		}
		if best == nil {
			return "", false, nil
		}
		return f.store.CheckpointPathFor(storageID, byName[*best]), true, nil
	default:
		return "", false, nil
	}
}

// checkpointApplier implements reconcile.CheckpointApplier by running the
// node binary's checkpoint-apply subprocess through pkg/procsup (spec.md
// §6 "checkpoint-apply subprocess").
type checkpointApplier struct {
	supervisor *procsup.Supervisor
	store      *ledgerstore.Store

	mu        sync.Mutex
	storageID ident.StorageId
}

func (a *checkpointApplier) SetStorage(id ident.StorageId) {
	a.mu.Lock()
	a.storageID = id
	a.mu.Unlock()
}

func (a *checkpointApplier) Apply(ctx context.Context, checkpointFile string) error {
	a.mu.Lock()
	storageID := a.storageID
	a.mu.Unlock()
	binPath := a.store.BinaryPath(storageID, nodeBinaryName)
	ledgerDir := a.store.LedgerPath(storageID)
	args := []string{"ledger", "--ledger", ledgerDir, "checkpoint", "apply", "/checkpoint"}
	if !a.store.Exists(storageID) {
		return fmt.Errorf("fleet-agent: storage %s has no on-disk directory", storageID)
	}
	return a.supervisor.RunCheckpointApply(ctx, binPath, args, ledgerDir, checkpointFile)
}

// controlCaller issues an outbound ControlRequest-kind mux call; bound to
// (*mux.Mux).Call by run.go once the connection is established.
type controlCaller func(ctx context.Context, method string, payload []byte) ([]byte, error)

// processController implements reconcile.ProcessController: it assembles
// the node subprocess contract's command line (spec.md §6), claims local
// ports, launches the container via pkg/procsup, and reports the resolved
// sockets back to the control plane over "report_sockets" once the node
// answers a TCP health probe on its REST port. It also remembers the
// sockets it resolved for each running key, so broadcast_transaction and
// the height-report loop can address the node without re-deriving ports.
type processController struct {
	supervisor *procsup.Supervisor
	ports      *network.PortAllocator
	store      *ledgerstore.Store
	call       controlCaller
	bindAddr   string

	mu      sync.Mutex
	sockets map[ident.NodeKey]network.Sockets
}

func (p *processController) Stop(ctx context.Context, key ident.NodeKey) error {
	p.ports.ReleaseAll(key)
	p.mu.Lock()
	delete(p.sockets, key)
	p.mu.Unlock()
	return p.supervisor.Stop(ctx, key, 10*time.Second)
}

// socketsFor returns the sockets last resolved for key by Launch, if any.
func (p *processController) socketsFor(key ident.NodeKey) (network.Sockets, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sockets[key]
	return s, ok
}

func (p *processController) Launch(ctx context.Context, target reconcile.Target, peers, validators []string) error {
	if target.Storage == nil {
		return fmt.Errorf("fleet-agent: launch: target has no storage")
	}
	storageID := target.Storage.ID
	ports, err := p.ports.ClaimN(target.Node.Key, 4)
	if err != nil {
		return fmt.Errorf("fleet-agent: claim ports: %w", err)
	}
	bftPort, nodePort, restPort, metricsPort := ports[0], ports[1], ports[2], ports[3]

	ledgerDir := p.store.LedgerPath(storageID)
	args := []string{
		"run",
		"--type", string(target.Node.Key.Type),
		"--ledger", ledgerDir,
		"--bind", p.bindAddr,
		"--bft", strconv.Itoa(bftPort),
		"--rest", strconv.Itoa(restPort),
		"--metrics", strconv.Itoa(metricsPort),
		"--node", strconv.Itoa(nodePort),
	}
	if !target.Storage.NativeGenesis {
		args = append(args, "--genesis", p.store.GenesisPath(storageID))
	}
	if target.Node.PrivateKeyFile != "" {
		args = append(args, "--private-key-file", "/keys/private.key")
	}
	if len(peers) > 0 {
		args = append(args, "--peers", strings.Join(peers, ","))
	}
	if len(validators) > 0 {
		args = append(args, "--validators", strings.Join(validators, ","))
	}
	policy := target.Storage.RetentionPolicy
	if policy != "" {
		args = append(args, "--retention-policy", policy)
	}

	env := []string{
		"NETWORK=" + target.Storage.Network.String(),
		"HOME=" + ledgerDir,
	}
	for k, v := range target.Node.EnvOverrides {
		env = append(env, k+"="+v)
	}

	spec := procsup.Spec{
		Key:        target.Node.Key,
		Image:      procsup.BaseImage,
		Args:       args,
		Env:        env,
		LedgerDir:  ledgerDir,
		KeyFile:    target.Node.PrivateKeyFile,
		BinaryPath: p.store.BinaryPath(storageID, nodeBinaryName),
	}
	if err := p.supervisor.Launch(ctx, spec); err != nil {
		p.ports.ReleaseAll(target.Node.Key)
		return err
	}

	sockets := network.Sockets{
		BFT:     loopback(bftPort),
		Node:    loopback(nodePort),
		REST:    loopback(restPort),
		Metrics: loopback(metricsPort),
	}
	p.mu.Lock()
	if p.sockets == nil {
		p.sockets = make(map[ident.NodeKey]network.Sockets)
	}
	p.sockets[target.Node.Key] = sockets
	p.mu.Unlock()

	go p.awaitReadyAndReport(target.Env, target.Node.Key, sockets)
	return nil
}

func loopback(port int) string { return "127.0.0.1:" + strconv.Itoa(port) }

// awaitReadyAndReport polls the node's REST port until it accepts TCP
// connections, then reports its sockets to the control plane so
// pkg/network.Resolver (and, through it, peerproxy) can reach it. Grounded
// on pkg/health's TCPChecker/Status hysteresis rather than a bare dial
// loop, adapted here from container readiness probing to node-process
// readiness probing.
func (p *processController) awaitReadyAndReport(env ident.EnvId, key ident.NodeKey, sockets network.Sockets) {
	checker := health.NewTCPChecker(sockets.REST)
	cfg := health.DefaultConfig()
	status := health.NewStatus()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		result := checker.Check(ctx)
		status.Update(result, cfg)
		if status.Healthy && status.ConsecutiveSuccesses >= 1 {
			break
		}
		select {
		case <-ctx.Done():
			telemetry.Logger.Warn().Str("node", key.String()).Msg("fleet-agent: node REST port never became ready")
			return
		case <-ticker.C:
		}
	}

	payload, err := marshalJSON(reportSocketsPayload{Env: env, Node: key, Sockets: sockets})
	if err != nil {
		telemetry.Logger.Error().Err(err).Msg("fleet-agent: encode report_sockets")
		return
	}
	if _, err := p.call(ctx, "report_sockets", payload); err != nil {
		telemetry.Logger.Warn().Err(err).Str("node", key.String()).Msg("fleet-agent: report_sockets failed")
	}
}
