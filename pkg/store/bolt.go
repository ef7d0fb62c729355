package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store on top of a single bbolt file. Collections map
// 1:1 to bolt buckets, created lazily on first Save so callers never need
// to pre-declare their collection names.
type BoltStore struct {
	db *bolt.DB

	mu      sync.Mutex
	buckets map[string]bool
}

// Open creates or opens the store's database file under dataDir.
func Open(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "fleet.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &BoltStore{db: db, buckets: make(map[string]bool)}, nil
}

func (s *BoltStore) ensureBucket(tx *bolt.Tx, collection string) (*bolt.Bucket, error) {
	b, err := tx.CreateBucketIfNotExists([]byte(collection))
	if err != nil {
		return nil, fmt.Errorf("store: create bucket %s: %w", collection, err)
	}
	return b, nil
}

func (s *BoltStore) Save(collection, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.ensureBucket(tx, collection)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) Get(collection, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) Delete(collection, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) ScanPrefix(collection, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			out[string(k)] = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) DeletePrefix(collection, prefix string) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		var toDelete [][]byte
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (s *BoltStore) Close() error { return s.db.Close() }
