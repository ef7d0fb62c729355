package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/warren/pkg/control"
	"github.com/cuemby/warren/pkg/ident"
)

// Target is the declared state one agent reconciliation pass converges
// its node process toward.
type Target struct {
	Env     ident.EnvId
	Node    control.NodeState
	Online  bool
	Storage *control.Storage
}

// ProcessController stops and starts the supervised node process; backed
// by pkg/procsup in production and a fake in tests.
type ProcessController interface {
	Stop(ctx context.Context, key ident.NodeKey) error
	Launch(ctx context.Context, target Target, peers []string, validators []string) error
}

// StorageVersionChecker compares the on-disk version marker against a
// storage's declared version and rewrites it after a wipe (spec.md §4.F
// step 3).
type StorageVersionChecker interface {
	Check(storage *control.Storage) (upToDate bool, err error)
	Wipe(storage *control.Storage) error
}

// BinaryResolver picks the download URL and expected digest for a node's
// binary, falling back to the storage's default entry and finally a
// built-in compile-time default (spec.md §4.F step 4).
type BinaryResolver interface {
	Resolve(storage *control.Storage, key ident.NodeKey) (url, dst string, expected *Expected, err error)
}

// PeerResolver turns declared peer/validator NodeKeys into socket
// addresses, invoking the control plane to fill cache misses (spec.md
// §4.F step 7).
type PeerResolver interface {
	Resolve(env ident.EnvId, keys []ident.NodeKey) ([]string, error)
}

// GenesisChecker downloads and verifies genesis.block when the storage
// does not use the network's native genesis (spec.md §4.F step 5).
type GenesisChecker interface {
	Check(storage *control.Storage) (Result, error)
}

// AgentReconciler sequences the sub-reconcilers from spec.md §4.F into
// one cancellable pass per declared Target. Only one reconciliation runs
// at a time: a new Reconcile call cancels the in-flight one and waits
// for it to finish before starting.
type AgentReconciler struct {
	mu sync.Mutex

	process  ProcessController
	version  StorageVersionChecker
	binaries BinaryResolver
	genesis  GenesisChecker
	files    *FileReconciler
	peers    PeerResolver
	ledger   *LedgerReconciler

	current    *Target
	cancelFunc context.CancelFunc
	inflight   chan struct{}
}

// NewAgentReconciler wires the sub-reconcilers together.
func NewAgentReconciler(process ProcessController, version StorageVersionChecker, binaries BinaryResolver, genesis GenesisChecker, files *FileReconciler, peers PeerResolver, ledger *LedgerReconciler) *AgentReconciler {
	return &AgentReconciler{
		process:  process,
		version:  version,
		binaries: binaries,
		genesis:  genesis,
		files:    files,
		peers:    peers,
		ledger:   ledger,
	}
}

// Reconcile drives the agent toward target, aborting any in-flight
// reconciliation for a previous target first (spec.md §4.F, "only one
// reconciliation runs at a time").
func (r *AgentReconciler) Reconcile(ctx context.Context, target Target) error {
	r.mu.Lock()
	if r.cancelFunc != nil {
		r.cancelFunc()
		inflight := r.inflight
		r.mu.Unlock()
		<-inflight
		r.mu.Lock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancelFunc = cancel
	r.inflight = done
	prev := r.current
	r.current = &target
	r.mu.Unlock()

	defer close(done)
	defer func() {
		r.mu.Lock()
		r.cancelFunc = nil
		r.mu.Unlock()
	}()

	return r.run(runCtx, prev, target)
}

func (r *AgentReconciler) run(ctx context.Context, prev *Target, target Target) error {
	// 1. Process shutdown gate. A Gen bump with Online still true is a
	// reboot: the control plane wants the same process relaunched, not
	// left running, so it must be stopped here or step 7's Launch will
	// collide with the still-running container (pkg/procsup derives a
	// stable container id from the node key alone).
	reboot := prev != nil && prev.Online && target.Online && prev.Node.Gen != target.Node.Gen
	if prev != nil && (prev.Env != target.Env || (!target.Online && prev.Online) || reboot) {
		if err := r.process.Stop(ctx, prev.Node.Key); err != nil {
			return fmt.Errorf("reconcile: shutdown gate: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return ErrAborted
	}

	if target.Storage == nil {
		return fmt.Errorf("reconcile: target has no storage")
	}

	// 3. Storage-version reconciler.
	upToDate, err := r.version.Check(target.Storage)
	if err != nil {
		return fmt.Errorf("reconcile: storage version check: %w", err)
	}
	if !upToDate {
		if err := r.version.Wipe(target.Storage); err != nil {
			return fmt.Errorf("reconcile: storage version wipe: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return ErrAborted
	}

	// 4. Binary reconciler.
	url, dst, expected, err := r.binaries.Resolve(target.Storage, target.Node.Key)
	if err != nil {
		return fmt.Errorf("reconcile: resolve binary: %w", err)
	}
	res, err := r.files.Reconcile(ctx, url, dst, expected)
	if err != nil {
		return fmt.Errorf("reconcile: binary fetch: %w", err)
	}
	if res != ResultOK {
		return fmt.Errorf("reconcile: binary not yet available: PendingConnection")
	}
	if err := ctx.Err(); err != nil {
		return ErrAborted
	}

	// 5. Genesis reconciler.
	if !target.Storage.NativeGenesis {
		gres, err := r.genesis.Check(target.Storage)
		if err != nil {
			return fmt.Errorf("reconcile: genesis check: %w", err)
		}
		if gres != ResultOK {
			return fmt.Errorf("reconcile: genesis not yet available: PendingConnection")
		}
	}
	if err := ctx.Err(); err != nil {
		return ErrAborted
	}

	// 6. Ledger reconciler.
	lres, reason, err := r.ledger.Reconcile(ctx, target.Node.Request, target.Node.Gen)
	if err != nil {
		return fmt.Errorf("reconcile: ledger: %w", err)
	}
	if lres != ResultOK {
		return fmt.Errorf("reconcile: ledger not converged: requeue (%s)", reason)
	}
	if err := ctx.Err(); err != nil {
		return ErrAborted
	}

	// 7. Process-launch reconciler.
	if !target.Online {
		return nil
	}
	peers, err := r.peers.Resolve(target.Env, target.Node.Peers)
	if err != nil {
		return fmt.Errorf("reconcile: resolve peers: %w", err)
	}
	validators, err := r.peers.Resolve(target.Env, target.Node.Validators)
	if err != nil {
		return fmt.Errorf("reconcile: resolve validators: %w", err)
	}
	if err := r.process.Launch(ctx, target, peers, validators); err != nil {
		return fmt.Errorf("reconcile: launch: %w", err)
	}
	return nil
}
