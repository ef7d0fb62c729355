package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/warren/pkg/control"
)

// ErrAborted is returned when an in-flight ledger reconciliation is
// cancelled by a newer target arriving (spec.md §4.F "Cancellation
// semantics").
var ErrAborted = errors.New("reconcile: aborted")

// PendingProcess is the requeue reason surfaced while a checkpoint-apply
// subprocess is still running.
const PendingProcess = "pending_process"

// CheckpointFinder resolves a HeightRequest to the checkpoint file that
// should be applied, via the retention-policy engine (spec.md §4.F
// "find_checkpoint").
type CheckpointFinder interface {
	FindCheckpoint(req control.HeightRequest) (file string, ok bool, err error)
}

// CheckpointApplier runs the node binary's checkpoint-apply subprocess
// and reports success or failure once it exits.
type CheckpointApplier interface {
	Apply(ctx context.Context, checkpointFile string) error
}

// LedgerWiper removes a storage's ledger directory contents, used both
// for a fresh-Top adoption on a non-persistent storage and for an
// Absolute(0) reset request.
type LedgerWiper interface {
	WipeLedger() error
}

// ledgerJob tracks one in-flight checkpoint-apply subprocess.
type ledgerJob struct {
	target control.HeightRequest
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// LedgerReconciler implements the per-agent ledger state machine from
// spec.md §4.F: last_height/pending_height plus an optional in-flight
// checkpoint-apply job. lastGen pairs with lastHeight: it is the
// NodeState.Gen that last committed, and a Reconcile call whose gen
// differs from lastGen is treated as a fresh target even when its
// HeightRequest is byte-identical to the one already converged, since
// Gen bumps whenever the declared request changes meaning without the
// symbolic request itself changing (e.g. a reboot re-requesting the
// same height).
type LedgerReconciler struct {
	mu         sync.Mutex
	lastHeight *control.HeightRequest
	lastGen    uint64
	persistent bool
	finder     CheckpointFinder
	applier    CheckpointApplier
	wiper      LedgerWiper
	persist    func(control.HeightRequest) error
	job        *ledgerJob
}

// NewLedgerReconciler builds a reconciler for one storage. persistent
// reports whether the storage survives a fresh adoption (non-persistent
// storages get their ledger wiped on first adoption). persist is called
// whenever last_height commits to a new value.
func NewLedgerReconciler(persistent bool, finder CheckpointFinder, applier CheckpointApplier, wiper LedgerWiper, persist func(control.HeightRequest) error) *LedgerReconciler {
	return &LedgerReconciler{persistent: persistent, finder: finder, applier: applier, wiper: wiper, persist: persist}
}

// Reconcile drives last_height toward (target, gen), returning Ok,
// Requeue (with a reason), or a terminal error. gen is the declaring
// NodeState's Gen (control.NodeState.Gen): it advances whenever the
// control plane wants this target re-applied even if target itself is
// unchanged — a reboot action, for instance, bumps Gen without touching
// the requested height. Calling Reconcile with a new (target, gen) pair
// while a checkpoint-apply job is in flight for a *different* pair
// aborts the job first.
func (l *LedgerReconciler) Reconcile(ctx context.Context, target control.HeightRequest, gen uint64) (Result, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.job != nil && !(sameRequest(l.job.target, target) && l.job.gen == gen) {
		l.job.cancel()
		<-l.job.done
		l.job = nil
	}

	if l.lastHeight == nil {
		adopted := control.HeightRequest{Kind: control.HeightTop}
		if !l.persistent {
			if err := l.wiper.WipeLedger(); err != nil {
				return ResultRequeue, "", fmt.Errorf("reconcile: wipe ledger on adopt: %w", err)
			}
		}
		if err := l.persist(adopted); err != nil {
			return ResultRequeue, "", err
		}
		l.lastHeight = &adopted
		l.lastGen = gen
		return ResultOK, "", nil
	}

	if sameRequest(*l.lastHeight, target) && l.lastGen == gen {
		return ResultOK, "", nil
	}

	if target.IsTop() {
		if err := l.persist(target); err != nil {
			return ResultRequeue, "", err
		}
		l.lastHeight = &target
		l.lastGen = gen
		return ResultOK, "", nil
	}

	if target.IsReset() {
		if err := l.wiper.WipeLedger(); err != nil {
			return ResultRequeue, "", fmt.Errorf("reconcile: wipe ledger on reset: %w", err)
		}
		if err := l.persist(target); err != nil {
			return ResultRequeue, "", err
		}
		l.lastHeight = &target
		l.lastGen = gen
		return ResultRequeue, "", nil
	}

	if l.job != nil {
		select {
		case <-l.job.done:
			err := l.job.err
			l.job = nil
			if err != nil {
				// Process-nonzero-exit (or abort): do not commit, requeue;
				// the operator may escalate to a manual wipe.
				return ResultRequeue, "", nil
			}
			committed := target
			if err := l.persist(committed); err != nil {
				return ResultRequeue, "", err
			}
			l.lastHeight = &committed
			l.lastGen = gen
			return ResultOK, "", nil
		default:
			return ResultRequeue, PendingProcess, nil
		}
	}

	file, ok, err := l.finder.FindCheckpoint(target)
	if err != nil {
		return ResultRequeue, "", fmt.Errorf("reconcile: find checkpoint: %w", err)
	}
	if !ok {
		return ResultRequeue, "", fmt.Errorf("reconcile: no checkpoint satisfies target")
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := &ledgerJob{target: target, gen: gen, cancel: cancel, done: make(chan struct{})}
	l.job = job
	go func() {
		defer close(job.done)
		err := l.applier.Apply(jobCtx, file)
		if jobCtx.Err() != nil {
			job.err = ErrAborted
			return
		}
		job.err = err
	}()
	return ResultRequeue, PendingProcess, nil
}

// Abort cancels any in-flight checkpoint-apply job without waiting for it
// to exit — used when the whole agent reconciliation is superseded.
func (l *LedgerReconciler) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.job != nil {
		l.job.cancel()
	}
}

func sameRequest(a, b control.HeightRequest) bool {
	return a.Kind == b.Kind && a.Height == b.Height && a.Span == b.Span
}
