package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileReconcilerDownloadsAndVerifies(t *testing.T) {
	payload := []byte("node-binary-bytes")
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dst := filepath.Join(dir, "bin", "node")

	r := NewFileReconciler(func() bool { return false })
	expected := &Expected{SHA256: digest, Size: int64(len(payload))}

	res, err := r.Reconcile(context.Background(), srv.URL, dst, expected)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultRequeue {
		t.Fatalf("expected first call to requeue while downloading, got %v", res)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err = r.Reconcile(context.Background(), srv.URL, dst, expected)
		if err != nil {
			t.Fatal(err)
		}
		if res == ResultOK {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if res != ResultOK {
		t.Fatalf("expected eventual OK, got %v", res)
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Fatalf("expected downloaded binary to be executable, got mode %v", info.Mode())
	}
}

func TestFileReconcilerSkipsDownloadWhenAlreadyMatching(t *testing.T) {
	payload := []byte("already-here")
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	dir := t.TempDir()
	dst := filepath.Join(dir, "node")
	if err := os.WriteFile(dst, payload, 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewFileReconciler(func() bool { return false })
	res, err := r.Reconcile(context.Background(), "http://example.invalid/should-not-be-fetched", dst, &Expected{SHA256: digest, Size: int64(len(payload))})
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultOK {
		t.Fatalf("expected OK without network I/O, got %v", res)
	}
}

func TestFileReconcilerDigestMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wrong-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dst := filepath.Join(dir, "node")

	r := NewFileReconciler(func() bool { return false })
	expected := &Expected{SHA256: "0000000000000000000000000000000000000000000000000000000000000000"[:64], Size: 11}

	if _, err := r.Reconcile(context.Background(), srv.URL, dst, expected); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		res, err := r.Reconcile(context.Background(), srv.URL, dst, expected)
		if err != nil {
			lastErr = err
			break
		}
		if res == ResultOK {
			t.Fatal("expected digest mismatch to never succeed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if lastErr == nil {
		t.Fatal("expected a digest mismatch error")
	}
	var mismatch *DigestMismatchError
	if !asDigestMismatch(lastErr, &mismatch) {
		t.Fatalf("expected DigestMismatchError, got %v", lastErr)
	}
}

func asDigestMismatch(err error, target **DigestMismatchError) bool {
	for err != nil {
		if m, ok := err.(*DigestMismatchError); ok {
			*target = m
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
