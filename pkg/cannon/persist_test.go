package cannon

import (
	"testing"
	"time"

	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/store"
)

func TestEncodeDecodeTrackerRoundTrip(t *testing.T) {
	tr := &Tracker{
		TxID:          "tx-1",
		Index:         7,
		Authorization: []byte("auth-bytes"),
		Transaction:   []byte("tx-bytes"),
		Status:        Status{Kind: StatusBroadcasted, Height: 100, At: time.Unix(1700000000, 0).UTC()},
		Attempts:      3,
	}

	decoded, err := decodeTracker(encodeTracker(tr))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.TxID != tr.TxID || decoded.Index != tr.Index || decoded.Attempts != tr.Attempts {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, tr)
	}
	if string(decoded.Authorization) != string(tr.Authorization) || string(decoded.Transaction) != string(tr.Transaction) {
		t.Fatalf("payload mismatch: %+v", decoded)
	}
	if decoded.Status.Kind != tr.Status.Kind || decoded.Status.Height != tr.Status.Height {
		t.Fatalf("status mismatch: %+v", decoded.Status)
	}
}

func TestDecodeTrackerRejectsUnknownVersion(t *testing.T) {
	tr := &Tracker{TxID: "tx-1", Index: 1, Status: Status{Kind: StatusUnsent}}
	b := encodeTracker(tr)
	b[2] = trackerVersion + 1 // header is Type(2) + Version(1)
	if _, err := decodeTracker(b); err == nil {
		t.Fatal("expected an error decoding an unknown schema version")
	}
}

func TestStoreSaveLoadAllSkipsMalformedRecords(t *testing.T) {
	backing := store.NewMemStore()
	env := ident.MustEnvId("env-1")
	cannonID := ident.MustCannonId("cannon-1")
	s := NewStore(backing, env, cannonID)

	good := &Tracker{TxID: "tx-good", Index: 3, Authorization: []byte("a"), Status: Status{Kind: StatusAuthorized}}
	if err := s.SaveTracker(good); err != nil {
		t.Fatal(err)
	}
	// Inject a malformed record directly.
	if err := backing.Save(s.collection, trackerKeyPrefix+"tx-bad", []byte{0xFF}); err != nil {
		t.Fatal(err)
	}

	trackers, maxIndex, err := s.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(trackers) != 1 {
		t.Fatalf("expected malformed record to be skipped, got %d trackers", len(trackers))
	}
	if maxIndex != 3 {
		t.Fatalf("expected max index 3, got %d", maxIndex)
	}
}

func TestStoreReceivedCountPersists(t *testing.T) {
	backing := store.NewMemStore()
	s := NewStore(backing, ident.MustEnvId("env-1"), ident.MustCannonId("cannon-1"))

	if n, err := s.LoadReceivedCount(); err != nil || n != 0 {
		t.Fatalf("expected 0 before any save, got %d/%v", n, err)
	}
	if err := s.SaveReceivedCount(42); err != nil {
		t.Fatal(err)
	}
	n, err := s.LoadReceivedCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 42 {
		t.Fatalf("expected 42, got %d", n)
	}
}

func TestStorePurgeRemovesEverything(t *testing.T) {
	backing := store.NewMemStore()
	s := NewStore(backing, ident.MustEnvId("env-1"), ident.MustCannonId("cannon-1"))
	if err := s.SaveTracker(&Tracker{TxID: "tx-1", Index: 1, Status: Status{Kind: StatusUnsent}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveReceivedCount(5); err != nil {
		t.Fatal(err)
	}
	if err := s.Purge(); err != nil {
		t.Fatal(err)
	}
	trackers, _, err := s.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(trackers) != 0 {
		t.Fatalf("expected no trackers after purge, got %d", len(trackers))
	}
	if n, _ := s.LoadReceivedCount(); n != 0 {
		t.Fatalf("expected received count reset after purge, got %d", n)
	}
}
