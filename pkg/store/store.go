// Package store is a thin typed-document layer over an embedded
// single-file key/value engine (bbolt). It knows nothing about the domain
// types it stores — every record is an opaque, wire-encoded byte slice
// keyed by a collection name (a bolt bucket) and a string key. Callers in
// pkg/cannon layer their own Encode/Decode on top; pkg/control's Pool
// holds a Store but does not write to it.
package store

// Store is the interface every collection is accessed through: atomic
// save, point get, delete, and delete/scan by key prefix (used for
// "delete every record belonging to this environment" and "restore every
// tracker for this cannon" respectively).
type Store interface {
	// Save writes value under key in collection, creating the collection
	// on first use. It is atomic: a reader never observes a partial write.
	Save(collection, key string, value []byte) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(collection, key string) ([]byte, error)

	// Delete removes key from collection. Deleting an absent key is not
	// an error.
	Delete(collection, key string) error

	// ScanPrefix returns every key/value pair in collection whose key has
	// the given prefix. Order is unspecified.
	ScanPrefix(collection, prefix string) (map[string][]byte, error)

	// DeletePrefix deletes every key in collection with the given prefix
	// and reports how many records were removed.
	DeletePrefix(collection, prefix string) (int, error)

	// Close releases the underlying file handle.
	Close() error
}

// ErrNotFound is returned by Get when the key does not exist in the
// collection.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: record not found" }
