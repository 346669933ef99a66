package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Store defines the interface for key-value storage operations. Service
// descriptions live behind this interface; etcd is the production driver.
type Store interface {
	// Get retrieves a value by key
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores a value by key
	Put(ctx context.Context, key string, value []byte) error

	// Delete deletes a value by key
	Delete(ctx context.Context, key string) error

	// List lists all key/value pairs with the given prefix
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Watch watches for changes under a key prefix
	Watch(prefix string, callback WatchCallback) error

	// Unwatch stops watching a key prefix
	Unwatch(prefix string) error

	// Close closes the store connection
	Close() error
}

// WatchCallback is called when a watched key changes.
type WatchCallback func(key string, value []byte, eventType EventType)

// EventType represents the type of store event.
type EventType int

const (
	EventTypePut EventType = iota
	EventTypeDelete
)

// AtomicStore defines the interface for atomic counter operations with TTL
// support. The work-stealing coordinator keeps cross-router demand counters
// behind this interface; redis is the production driver.
type AtomicStore interface {
	// IncrBy atomically increments the value of a key by the given amount,
	// creating the key when absent. Returns the new value.
	IncrBy(ctx context.Context, key string, value int64) (int64, error)

	// Set stores a value by key with optional TTL; a zero ttl never expires
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value by key, nil when the key doesn't exist
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists
	Exists(ctx context.Context, key string) (bool, error)

	// List lists all key/value pairs with the given prefix
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Close closes the store connection and releases resources
	Close() error
}

// Config represents common driver configuration.
type Config struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	Database  int           `yaml:"database"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultConfig returns sane driver defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:   "localhost:6379",
		KeyPrefix: "steward",
		Timeout:   5 * time.Second,
	}
}
