package descriptor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/songzhibin97/steward/internal/types"
	"github.com/songzhibin97/steward/pkg/store"
)

// KeyPrefix is where service descriptions live in the backing store.
const KeyPrefix = "steward/services/"

// Store resolves service ids to descriptions. Reads are served from a cache
// refreshed by store watch events, so the read-mostly lookup path never
// waits on the backend once warm.
type Store struct {
	backend  store.Store
	defaults types.ServiceDescription
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]*types.ServiceDescription
}

// New creates a description store over backend and installs the cache
// refresh watch.
func New(backend store.Store, defaults types.ServiceDescription, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		backend:  backend,
		defaults: defaults,
		logger:   logger.With(zap.String("component", "descriptor")),
		cache:    make(map[string]*types.ServiceDescription),
	}
	if err := backend.Watch(KeyPrefix, s.onChange); err != nil {
		return nil, fmt.Errorf("failed to watch descriptions: %w", err)
	}
	return s, nil
}

func key(serviceID string) string {
	return KeyPrefix + serviceID
}

func (s *Store) onChange(k string, value []byte, eventType store.EventType) {
	serviceID := strings.TrimPrefix(k, KeyPrefix)
	s.mu.Lock()
	defer s.mu.Unlock()

	if eventType == store.EventTypeDelete {
		delete(s.cache, serviceID)
		return
	}
	desc, err := s.decode(value)
	if err != nil {
		s.logger.Warn("ignoring malformed service description",
			zap.String("service_id", serviceID), zap.Error(err))
		delete(s.cache, serviceID)
		return
	}
	s.cache[serviceID] = desc
}

func (s *Store) decode(value []byte) (*types.ServiceDescription, error) {
	var desc types.ServiceDescription
	if err := json.Unmarshal(value, &desc); err != nil {
		return nil, err
	}
	desc.Normalize(s.defaults)
	return &desc, nil
}

// Get returns the description for serviceID, falling through to the backend
// on a cache miss.
func (s *Store) Get(ctx context.Context, serviceID string) (*types.ServiceDescription, error) {
	s.mu.RLock()
	cached, ok := s.cache[serviceID]
	s.mu.RUnlock()
	if ok {
		copied := *cached
		return &copied, nil
	}

	value, err := s.backend.Get(ctx, key(serviceID))
	if err != nil {
		return nil, fmt.Errorf("description for %s: %w", serviceID, err)
	}
	desc, err := s.decode(value)
	if err != nil {
		return nil, fmt.Errorf("description for %s: %w", serviceID, err)
	}
	desc.ServiceID = serviceID

	s.mu.Lock()
	s.cache[serviceID] = desc
	s.mu.Unlock()

	copied := *desc
	return &copied, nil
}

// Put writes a description to the backend.
func (s *Store) Put(ctx context.Context, desc *types.ServiceDescription) error {
	if desc.ServiceID == "" {
		return types.ErrInvalidMessage
	}
	value, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encode description for %s: %w", desc.ServiceID, err)
	}
	return s.backend.Put(ctx, key(desc.ServiceID), value)
}

// List returns every stored description keyed by service id.
func (s *Store) List(ctx context.Context) (map[string]*types.ServiceDescription, error) {
	kvs, err := s.backend.List(ctx, KeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*types.ServiceDescription, len(kvs))
	for k, value := range kvs {
		serviceID := strings.TrimPrefix(k, KeyPrefix)
		desc, err := s.decode(value)
		if err != nil {
			s.logger.Warn("skipping malformed service description",
				zap.String("service_id", serviceID), zap.Error(err))
			continue
		}
		desc.ServiceID = serviceID
		out[serviceID] = desc
	}
	return out, nil
}

// Close stops the cache refresh watch.
func (s *Store) Close() error {
	return s.backend.Unwatch(KeyPrefix)
}
