package storage

import (
	"sort"
	"sync"
)

// Backend persists encoded entries, one namespace per collection
type Backend interface {
	Put(collection, key string, value []byte) error
	// Get returns ErrEntryNotFound for a missing key
	Get(collection, key string) ([]byte, error)
	Delete(collection, key string) error
	// ForEach visits every key of collection in key order
	ForEach(collection string, fn func(key string, value []byte) error) error
	Close() error
}

// MemoryBackend keeps entries in memory
type MemoryBackend struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{buckets: make(map[string]map[string][]byte)}
}

// Put implements Backend
func (b *MemoryBackend) Put(collection, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	bucket, ok := b.buckets[collection]
	if !ok {
		bucket = make(map[string][]byte)
		b.buckets[collection] = bucket
	}
	bucket[key] = append([]byte(nil), value...)
	return nil
}

// Get implements Backend
func (b *MemoryBackend) Get(collection, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	v, ok := b.buckets[collection][key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return append([]byte(nil), v...), nil
}

// Delete implements Backend
func (b *MemoryBackend) Delete(collection, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	delete(b.buckets[collection], key)
	return nil
}

// ForEach implements Backend
func (b *MemoryBackend) ForEach(collection string, fn func(key string, value []byte) error) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBackendClosed
	}
	bucket := b.buckets[collection]
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	values := make(map[string][]byte, len(bucket))
	for k, v := range bucket {
		values[k] = append([]byte(nil), v...)
	}
	b.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Backend
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
