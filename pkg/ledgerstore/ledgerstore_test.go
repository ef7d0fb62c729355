package ledgerstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/warren/pkg/ident"
)

func TestEnsureAndRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	id := ident.MustStorageId("storage-a")

	if err := s.Ensure(id); err != nil {
		t.Fatal(err)
	}
	if !s.Exists(id) {
		t.Fatal("expected storage directory to exist")
	}
	for _, p := range []string{s.Path(id), s.LedgerPath(id), s.CheckpointPath(id)} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s to exist: %v", p, err)
		}
	}

	if err := s.Remove(id); err != nil {
		t.Fatal(err)
	}
	if s.Exists(id) {
		t.Fatal("expected storage directory to be removed")
	}
}

func TestWipeLedgerPreservesCheckpoints(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id := ident.MustStorageId("storage-b")
	if err := s.Ensure(id); err != nil {
		t.Fatal(err)
	}

	marker := filepath.Join(s.LedgerPath(id), "db.bin")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cp := filepath.Join(s.CheckpointPath(id), "100-5.checkpoint")
	if err := os.WriteFile(cp, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.WipeLedger(id); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("expected ledger contents to be wiped")
	}
	if _, err := os.Stat(cp); err != nil {
		t.Fatal("expected checkpoint to survive a ledger wipe")
	}
}

func TestListCheckpointFiles(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	id := ident.MustStorageId("storage-c")
	if err := s.Ensure(id); err != nil {
		t.Fatal(err)
	}
	names, err := s.ListCheckpointFiles(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Fatalf("expected empty checkpoint dir, got %v", names)
	}

	if err := os.WriteFile(filepath.Join(s.CheckpointPath(id), "1-1.checkpoint"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	names, err = s.ListCheckpointFiles(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "1-1.checkpoint" {
		t.Fatalf("unexpected checkpoint list: %v", names)
	}

	if err := s.RemoveCheckpointFile(id, "1-1.checkpoint"); err != nil {
		t.Fatal(err)
	}
	names, err = s.ListCheckpointFiles(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Fatalf("expected checkpoint removed, got %v", names)
	}
}
