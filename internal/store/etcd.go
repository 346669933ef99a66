package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/songzhibin97/steward/pkg/store"
)

// EtcdConfig holds the etcd connection settings.
type EtcdConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	Timeout   time.Duration `yaml:"timeout"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
}

// EtcdStore implements the store.Store interface using etcd. Service
// descriptions live here; watches drive the description cache refresh.
type EtcdStore struct {
	client *clientv3.Client

	mu       sync.Mutex
	watchers map[string]*watcher
}

type watcher struct {
	prefix   string
	callback store.WatchCallback
	cancel   context.CancelFunc
}

// NewEtcdStore creates a new etcd store.
func NewEtcdStore(cfg EtcdConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	clientConfig := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
	}
	if cfg.Username != "" {
		clientConfig.Username = cfg.Username
		clientConfig.Password = cfg.Password
	}

	client, err := clientv3.New(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &EtcdStore{
		client:   client,
		watchers: make(map[string]*watcher),
	}, nil
}

// Get retrieves a value by key.
func (es *EtcdStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := es.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, store.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

// Put stores a value by key.
func (es *EtcdStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := es.client.Put(ctx, key, string(value)); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}
	return nil
}

// Delete deletes a value by key.
func (es *EtcdStore) Delete(ctx context.Context, key string) error {
	if _, err := es.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// List lists all key/value pairs with the given prefix.
func (es *EtcdStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	resp, err := es.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
	}
	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out, nil
}

// Watch watches for changes under a key prefix.
func (es *EtcdStore) Watch(prefix string, callback store.WatchCallback) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	if _, exists := es.watchers[prefix]; exists {
		return fmt.Errorf("prefix %s is already being watched", prefix)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{prefix: prefix, callback: callback, cancel: cancel}
	es.watchers[prefix] = w

	watchCh := es.client.Watch(ctx, prefix, clientv3.WithPrefix())
	go func() {
		for resp := range watchCh {
			for _, ev := range resp.Events {
				eventType := store.EventTypePut
				if ev.Type == clientv3.EventTypeDelete {
					eventType = store.EventTypeDelete
				}
				callback(string(ev.Kv.Key), ev.Kv.Value, eventType)
			}
		}
	}()
	return nil
}

// Unwatch stops watching a key prefix.
func (es *EtcdStore) Unwatch(prefix string) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	w, exists := es.watchers[prefix]
	if !exists {
		return fmt.Errorf("prefix %s is not being watched", prefix)
	}
	w.cancel()
	delete(es.watchers, prefix)
	return nil
}

// Close closes the etcd client and stops all watchers.
func (es *EtcdStore) Close() error {
	es.mu.Lock()
	for prefix, w := range es.watchers {
		w.cancel()
		delete(es.watchers, prefix)
	}
	es.mu.Unlock()
	return es.client.Close()
}
