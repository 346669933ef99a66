package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/steward/pkg/store"
)

// entry represents a single entry in the memory store
type entry struct {
	value     []byte
	expiresAt time.Time
	hasExpiry bool
}

func (e *entry) isExpired() bool {
	return e.hasExpiry && time.Now().After(e.expiresAt)
}

// MemoryStore implements both store.Store and store.AtomicStore in process
// memory. It backs tests and single-router deployments without external
// dependencies.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	counters map[string]int64
	watchers map[string][]store.WatchCallback
	closed   bool
}

// New creates a new in-memory store instance.
func New() *MemoryStore {
	return &MemoryStore{
		data:     make(map[string]*entry),
		counters: make(map[string]int64),
		watchers: make(map[string][]store.WatchCallback),
	}
}

// IncrBy atomically increments the counter stored at key.
func (ms *MemoryStore) IncrBy(_ context.Context, key string, value int64) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.counters[key] += value
	return ms.counters[key], nil
}

// Set stores a value with optional TTL.
func (ms *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	ms.mu.Lock()
	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
		e.hasExpiry = true
	}
	ms.data[key] = e
	callbacks := ms.watchersFor(key)
	ms.mu.Unlock()

	for _, cb := range callbacks {
		cb(key, value, store.EventTypePut)
	}
	return nil
}

// Put stores a value without expiry.
func (ms *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	return ms.Set(ctx, key, value, 0)
}

// Get retrieves a value by key.
func (ms *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	e, ok := ms.data[key]
	if !ok || e.isExpired() {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Delete removes a key.
func (ms *MemoryStore) Delete(_ context.Context, key string) error {
	ms.mu.Lock()
	delete(ms.data, key)
	delete(ms.counters, key)
	callbacks := ms.watchersFor(key)
	ms.mu.Unlock()

	for _, cb := range callbacks {
		cb(key, nil, store.EventTypeDelete)
	}
	return nil
}

// Exists checks if a key exists.
func (ms *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if e, ok := ms.data[key]; ok && !e.isExpired() {
		return true, nil
	}
	_, ok := ms.counters[key]
	return ok, nil
}

// List returns all live key/value pairs under prefix.
func (ms *MemoryStore) List(_ context.Context, prefix string) (map[string][]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make(map[string][]byte)
	for k, e := range ms.data {
		if strings.HasPrefix(k, prefix) && !e.isExpired() {
			out[k] = append([]byte(nil), e.value...)
		}
	}
	return out, nil
}

// Watch registers a callback for changes under prefix.
func (ms *MemoryStore) Watch(prefix string, callback store.WatchCallback) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.watchers[prefix] = append(ms.watchers[prefix], callback)
	return nil
}

// Unwatch drops all callbacks for prefix.
func (ms *MemoryStore) Unwatch(prefix string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.watchers, prefix)
	return nil
}

// Close releases the store.
func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	ms.data = make(map[string]*entry)
	ms.counters = make(map[string]int64)
	ms.watchers = make(map[string][]store.WatchCallback)
	return nil
}

// watchersFor collects callbacks whose prefix matches key. Caller holds the
// lock.
func (ms *MemoryStore) watchersFor(key string) []store.WatchCallback {
	var out []store.WatchCallback
	for prefix, cbs := range ms.watchers {
		if strings.HasPrefix(key, prefix) {
			out = append(out, cbs...)
		}
	}
	return out
}
