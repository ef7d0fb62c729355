package cannon

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/store"
)

type fakeCompute struct {
	signed []byte
	err    error
	calls  int
}

func (f *fakeCompute) Execute(ctx context.Context, auth []byte) ([]byte, error) {
	f.calls++
	return f.signed, f.err
}

type fakeLedger struct{ has map[string]bool }

func (f *fakeLedger) Contains(env ident.EnvId, txID string) bool { return f.has[txID] }

type fakeSink struct{ writes map[string][]byte }

func (f *fakeSink) Write(txID string, payload []byte) error {
	f.writes[txID] = payload
	return nil
}

func waitForStatus(t *testing.T, c *Cannon, txID string, kind StatusKind) Tracker {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr, ok := c.Tracker(txID); ok && tr.Status.Kind == kind {
			return tr
		}
		time.Sleep(5 * time.Millisecond)
	}
	tr, _ := c.Tracker(txID)
	t.Fatalf("tracker %s never reached status %v, last seen %+v", txID, kind, tr)
	return Tracker{}
}

func TestCannonRejectsDuplicateAuthorization(t *testing.T) {
	s := NewStore(store.NewMemStore(), ident.MustEnvId("env-1"), ident.MustCannonId("cannon-1"))
	c, err := New(ident.MustEnvId("env-1"), ident.MustCannonId("cannon-1"), ident.NodeTarget{}, s, &fakeCompute{}, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SubmitAuthorization("tx-1", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := c.SubmitAuthorization("tx-1", []byte("a")); err != ErrDuplicateAuthorization {
		t.Fatalf("expected ErrDuplicateAuthorization, got %v", err)
	}
}

func TestCannonRejectsTransactionAlreadyOnChain(t *testing.T) {
	s := NewStore(store.NewMemStore(), ident.MustEnvId("env-1"), ident.MustCannonId("cannon-1"))
	ledger := &fakeLedger{has: map[string]bool{"tx-1": true}}
	c, err := New(ident.MustEnvId("env-1"), ident.MustCannonId("cannon-1"), ident.NodeTarget{}, s, &fakeCompute{}, nil, ledger, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SubmitTransaction("tx-1", []byte("tx")); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, ok := c.Tracker("tx-1"); ok {
		t.Fatal("expected tracker to not exist after AlreadyExists rejection")
	}
}

func TestCannonExecutesAuthorizationThenRequeuesForBroadcast(t *testing.T) {
	s := NewStore(store.NewMemStore(), ident.MustEnvId("env-1"), ident.MustCannonId("cannon-1"))
	compute := &fakeCompute{signed: []byte("signed-tx")}
	c, err := New(ident.MustEnvId("env-1"), ident.MustCannonId("cannon-1"), ident.NodeTarget{}, s, compute, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.SubmitAuthorization("tx-1", []byte("auth")); err != nil {
		t.Fatal(err)
	}

	// No broadcaster is wired, so dispatchBroadcast returns without
	// broadcasting; assert the tracker reaches Unsent (post-execute,
	// pre-dispatch) without crashing the loop.
	tr := waitForStatusAny(t, c, "tx-1", []StatusKind{StatusUnsent, StatusBroadcasted})
	if string(tr.Transaction) != "signed-tx" {
		t.Fatalf("expected executed transaction to carry the signed payload, got %q", tr.Transaction)
	}
}

func waitForStatusAny(t *testing.T, c *Cannon, txID string, kinds []StatusKind) Tracker {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr, ok := c.Tracker(txID); ok {
			for _, k := range kinds {
				if tr.Status.Kind == k {
					return tr
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("tracker %s never reached any of %v", txID, kinds)
	return Tracker{}
}

func TestCannonAwaitingComputeResetsToAuthorized(t *testing.T) {
	s := NewStore(store.NewMemStore(), ident.MustEnvId("env-1"), ident.MustCannonId("cannon-1"))
	compute := &fakeCompute{err: ErrNoComputeAgent}
	c, err := New(ident.MustEnvId("env-1"), ident.MustCannonId("cannon-1"), ident.NodeTarget{}, s, compute, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := c.SubmitAuthorization("tx-1", []byte("auth")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	tr := waitForStatus(t, c, "tx-1", StatusAuthorized)
	if tr.Status.Kind != StatusAuthorized {
		t.Fatalf("expected tracker to fall back to Authorized, got %+v", tr)
	}
}

func TestCannonRestoresPendingTrackersOnRestart(t *testing.T) {
	backing := store.NewMemStore()
	env := ident.MustEnvId("env-1")
	cannonID := ident.MustCannonId("cannon-1")
	s1 := NewStore(backing, env, cannonID)

	c1, err := New(env, cannonID, ident.NodeTarget{}, s1, &fakeCompute{err: ErrNoComputeAgent}, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c1.SubmitAuthorization("tx-1", []byte("auth")); err != nil {
		t.Fatal(err)
	}

	s2 := NewStore(backing, env, cannonID)
	c2, err := New(env, cannonID, ident.NodeTarget{}, s2, &fakeCompute{}, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case txID := <-c2.authCh:
		if txID != "tx-1" {
			t.Fatalf("expected tx-1 requeued, got %s", txID)
		}
	default:
		t.Fatal("expected restored tracker to re-enter the auth queue")
	}
}
