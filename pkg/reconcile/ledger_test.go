package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/control"
)

type fakeFinder struct {
	file string
	ok   bool
}

func (f *fakeFinder) FindCheckpoint(control.HeightRequest) (string, bool, error) {
	return f.file, f.ok, nil
}

type fakeApplier struct {
	delay time.Duration
	err   error
}

func (a *fakeApplier) Apply(ctx context.Context, file string) error {
	select {
	case <-time.After(a.delay):
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeWiper struct{ wiped int }

func (w *fakeWiper) WipeLedger() error {
	w.wiped++
	return nil
}

func TestLedgerReconcilerAdoptsTopOnFirstPass(t *testing.T) {
	wiper := &fakeWiper{}
	var persisted control.HeightRequest
	l := NewLedgerReconciler(false, &fakeFinder{}, &fakeApplier{}, wiper, func(h control.HeightRequest) error {
		persisted = h
		return nil
	})

	res, _, err := l.Reconcile(context.Background(), control.HeightRequest{Kind: control.HeightAbsolute, Height: 100}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultOK {
		t.Fatalf("expected OK on adoption, got %v", res)
	}
	if wiper.wiped != 1 {
		t.Fatalf("expected non-persistent storage to wipe ledger on adopt, got %d wipes", wiper.wiped)
	}
	if !persisted.IsTop() {
		t.Fatalf("expected adopted value to be Top, got %+v", persisted)
	}
}

func TestLedgerReconcilerAcceptsTopUnconditionally(t *testing.T) {
	l := NewLedgerReconciler(true, &fakeFinder{}, &fakeApplier{}, &fakeWiper{}, func(control.HeightRequest) error { return nil })
	ctx := context.Background()

	if _, _, err := l.Reconcile(ctx, control.HeightRequest{Kind: control.HeightTop}, 1); err != nil {
		t.Fatal(err)
	}
	res, _, err := l.Reconcile(ctx, control.HeightRequest{Kind: control.HeightTop}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultOK {
		t.Fatalf("expected done on repeated Top, got %v", res)
	}
}

func TestLedgerReconcilerChekpointApplyRequeuesThenCommits(t *testing.T) {
	wiper := &fakeWiper{}
	var persisted control.HeightRequest
	finder := &fakeFinder{file: "100-50.checkpoint", ok: true}
	applier := &fakeApplier{delay: 20 * time.Millisecond}
	l := NewLedgerReconciler(true, finder, applier, wiper, func(h control.HeightRequest) error {
		persisted = h
		return nil
	})
	ctx := context.Background()

	// First pass adopts Top.
	if _, _, err := l.Reconcile(ctx, control.HeightRequest{Kind: control.HeightAbsolute, Height: 50}, 1); err != nil {
		t.Fatal(err)
	}

	target := control.HeightRequest{Kind: control.HeightAbsolute, Height: 50}
	res, reason, err := l.Reconcile(ctx, target, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultRequeue || reason != PendingProcess {
		t.Fatalf("expected requeue(pending_process) while job runs, got %v/%s", res, reason)
	}

	time.Sleep(50 * time.Millisecond)

	res, _, err = l.Reconcile(ctx, target, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultOK {
		t.Fatalf("expected OK after checkpoint apply completes, got %v", res)
	}
	if persisted.Height != 50 {
		t.Fatalf("expected committed height 50, got %+v", persisted)
	}
}

func TestLedgerReconcilerResetRemovesLedger(t *testing.T) {
	wiper := &fakeWiper{}
	l := NewLedgerReconciler(true, &fakeFinder{}, &fakeApplier{}, wiper, func(control.HeightRequest) error { return nil })
	ctx := context.Background()

	if _, _, err := l.Reconcile(ctx, control.HeightRequest{Kind: control.HeightTop}, 1); err != nil {
		t.Fatal(err)
	}
	before := wiper.wiped
	res, _, err := l.Reconcile(ctx, control.HeightRequest{Kind: control.HeightAbsolute, Height: 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultRequeue {
		t.Fatalf("expected requeue after reset, got %v", res)
	}
	if wiper.wiped != before+1 {
		t.Fatalf("expected ledger wipe on reset")
	}
}

func TestLedgerReconcilerGenBumpForcesReapplicationOfSameHeight(t *testing.T) {
	wiper := &fakeWiper{}
	var persistCount int
	finder := &fakeFinder{file: "100-50.checkpoint", ok: true}
	applier := &fakeApplier{}
	l := NewLedgerReconciler(true, finder, applier, wiper, func(control.HeightRequest) error {
		persistCount++
		return nil
	})
	ctx := context.Background()
	target := control.HeightRequest{Kind: control.HeightAbsolute, Height: 50}

	// Adopt Top, then converge on target at gen 1.
	if _, _, err := l.Reconcile(ctx, control.HeightRequest{Kind: control.HeightAbsolute, Height: 50}, 1); err != nil {
		t.Fatal(err)
	}
	if res, _, err := l.Reconcile(ctx, target, 1); err != nil || res != ResultRequeue {
		t.Fatalf("expected requeue while checkpoint-apply job starts, got %v/%v", res, err)
	}
	time.Sleep(20 * time.Millisecond)
	if res, _, err := l.Reconcile(ctx, target, 1); err != nil || res != ResultOK {
		t.Fatalf("expected OK once job completes, got %v/%v", res, err)
	}

	// Same symbolic target but a fresh gen (e.g. an "execute" action
	// re-submitting the identical height) must not be short-circuited as
	// already-converged: it has to re-run the checkpoint-apply job.
	res, reason, err := l.Reconcile(ctx, target, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultRequeue || reason != PendingProcess {
		t.Fatalf("expected gen bump to restart checkpoint-apply, got %v/%s", res, reason)
	}
	time.Sleep(20 * time.Millisecond)
	res, _, err = l.Reconcile(ctx, target, 2)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultOK {
		t.Fatalf("expected OK after re-application commits, got %v", res)
	}
	if persistCount < 2 {
		t.Fatalf("expected the gen bump to commit a fresh persist, got %d persists", persistCount)
	}
}
