package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltOptions configure a BoltBackend
type BoltOptions struct {
	Path string
	// Timeout waits for the file lock; zero means one second
	Timeout time.Duration
}

// BoltBackend persists entries in a bbolt file, one bucket per collection
type BoltBackend struct {
	db *bolt.DB
}

// OpenBoltBackend opens or creates the database at opts.Path
func OpenBoltBackend(opts BoltOptions) (*BoltBackend, error) {
	if opts.Path == "" {
		return nil, errors.New("storage: bolt path required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", opts.Path, err)
	}
	return &BoltBackend{db: db}, nil
}

// Put implements Backend
func (b *BoltBackend) Put(collection, key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), value)
	})
}

// Get implements Backend
func (b *BoltBackend) Get(collection, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return ErrEntryNotFound
		}
		v := bucket.Get([]byte(key))
		if v == nil {
			return ErrEntryNotFound
		}
		// bbolt memory is only valid inside the transaction
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Delete implements Backend
func (b *BoltBackend) Delete(collection, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// ForEach implements Backend
func (b *BoltBackend) ForEach(collection string, fn func(key string, value []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			return fn(string(k), append([]byte(nil), v...))
		})
	})
}

// Close implements Backend
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
