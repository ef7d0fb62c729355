package store

import "testing"

func TestMemStoreScanAndDeletePrefix(t *testing.T) {
	s := NewMemStore()
	if err := s.Save("agents", "agent/1", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save("agents", "agent/2", []byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save("agents", "other/1", []byte("c")); err != nil {
		t.Fatal(err)
	}

	got, err := s.ScanPrefix("agents", "agent/")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}

	n, err := s.DeletePrefix("agents", "agent/")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected to delete 2, deleted %d", n)
	}

	remaining, _ := s.ScanPrefix("agents", "")
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining record, got %d", len(remaining))
	}
}

func TestMemStoreGetMissing(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Get("agents", "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
