// Package ledgerstore manages the on-disk directory lifecycle of a
// Storage: the shared genesis/binary/ledger directory an environment's
// nodes are launched against (spec.md §6 "on-disk layout"). Adapted from
// the teacher's local volume driver (pkg/volume/local_old.go.bak),
// generalised from arbitrary named volumes to one directory per
// ident.StorageId.
package ledgerstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/warren/pkg/ident"
)

// DefaultBasePath is the root directory storages are created under when
// no override is configured.
const DefaultBasePath = "/var/lib/fleet-agent/storages"

// Store manages the local directories backing each loaded Storage.
type Store struct {
	basePath string
}

// New constructs a Store rooted at basePath, creating it if absent.
// basePath defaults to DefaultBasePath when empty.
func New(basePath string) (*Store, error) {
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("ledgerstore: create base directory: %w", err)
	}
	return &Store{basePath: basePath}, nil
}

// Path returns the directory a storage's artefacts live under, without
// guaranteeing it exists.
func (s *Store) Path(id ident.StorageId) string {
	return filepath.Join(s.basePath, id.String())
}

// LedgerPath returns the subdirectory holding the node's ledger database
// within a storage, the part WipeLedger removes (spec.md §4.F "ledger
// reconciler").
func (s *Store) LedgerPath(id ident.StorageId) string {
	return filepath.Join(s.Path(id), "ledger")
}

// CheckpointPath returns the directory checkpoint files for a storage are
// written to (spec.md §6 "retention DSL").
func (s *Store) CheckpointPath(id ident.StorageId) string {
	return filepath.Join(s.Path(id), "checkpoints")
}

// GenesisPath returns the path genesis.block is downloaded to (spec.md
// §6 "on-disk layout").
func (s *Store) GenesisPath(id ident.StorageId) string {
	return filepath.Join(s.Path(id), "genesis.block")
}

// BinaryPath returns the path a named binary artefact is downloaded to,
// under the storage's binaries/ subdirectory.
func (s *Store) BinaryPath(id ident.StorageId, name string) string {
	return filepath.Join(s.Path(id), "binaries", name)
}

// Ensure creates the storage's directory tree (root, ledger, checkpoints)
// if absent, idempotently.
func (s *Store) Ensure(id ident.StorageId) error {
	for _, p := range []string{s.Path(id), s.LedgerPath(id), s.CheckpointPath(id)} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("ledgerstore: ensure %s: %w", p, err)
		}
	}
	return nil
}

// Exists reports whether a storage's directory has been created.
func (s *Store) Exists(id ident.StorageId) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// WipeLedger removes and recreates a storage's ledger subdirectory,
// leaving checkpoints and genesis artefacts untouched. The agent's ledger
// reconciler calls it for a reset target and when adopting a
// non-persistent storage.
func (s *Store) WipeLedger(id ident.StorageId) error {
	p := s.LedgerPath(id)
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("ledgerstore: wipe ledger %s: %w", p, err)
	}
	return os.MkdirAll(p, 0o755)
}

// Remove deletes a storage's entire directory tree, called once
// Pool.TryUnloadStorage reports it is safe to evict.
func (s *Store) Remove(id ident.StorageId) error {
	p := s.Path(id)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("ledgerstore: remove %s: %w", p, err)
	}
	return nil
}

// ListCheckpointFiles returns the names of every file directly under a
// storage's checkpoint directory, for the retention engine to parse with
// retention.ParseCheckpointFilename.
func (s *Store) ListCheckpointFiles(id ident.StorageId) ([]string, error) {
	entries, err := os.ReadDir(s.CheckpointPath(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: list checkpoints: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// CheckpointPathFor returns the full path of one named checkpoint file
// within a storage's checkpoint directory.
func (s *Store) CheckpointPathFor(id ident.StorageId, name string) string {
	return filepath.Join(s.CheckpointPath(id), name)
}

// RemoveCheckpointFile deletes one named checkpoint file from a storage's
// checkpoint directory.
func (s *Store) RemoveCheckpointFile(id ident.StorageId, name string) error {
	p := filepath.Join(s.CheckpointPath(id), name)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ledgerstore: remove checkpoint %s: %w", p, err)
	}
	return nil
}

// versionPath returns the "version" marker file's path (spec.md §6
// "on-disk layout"): integer text naming the storage version this
// directory was last reconciled to.
func (s *Store) versionPath(id ident.StorageId) string {
	return filepath.Join(s.Path(id), "version")
}

// ReadVersion reads the on-disk version marker, returning (0, false) when
// no storage directory has been reconciled yet.
func (s *Store) ReadVersion(id ident.StorageId) (uint64, bool, error) {
	data, err := os.ReadFile(s.versionPath(id))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("ledgerstore: read version: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("ledgerstore: parse version file: %w", err)
	}
	return v, true, nil
}

// WriteVersion rewrites the on-disk version marker after Ensure has run.
func (s *Store) WriteVersion(id ident.StorageId, version uint64) error {
	p := s.versionPath(id)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("ledgerstore: create storage dir: %w", err)
	}
	if err := os.WriteFile(p, []byte(strconv.FormatUint(version, 10)), 0o644); err != nil {
		return fmt.Errorf("ledgerstore: write version: %w", err)
	}
	return nil
}
