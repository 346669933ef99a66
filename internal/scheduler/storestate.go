package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/steward/internal/types"
	"github.com/songzhibin97/steward/pkg/scheduler"
	"github.com/songzhibin97/steward/pkg/store"
)

const (
	// StateKey is where the orchestrator publishes its cluster snapshot.
	StateKey = "steward/scheduler/state"

	// CommandPrefix is where launch and kill requests are queued for the
	// orchestrator to pick up.
	CommandPrefix = "steward/scheduler/commands/"
)

// Command is one launch or kill request queued for the orchestrator.
type Command struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"` // "launch" or "kill"
	ServiceID  string    `json:"service_id"`
	InstanceID string    `json:"instance_id,omitempty"`
	Count      int       `json:"count,omitempty"`
	Issued     time.Time `json:"issued"`
}

// StoreScheduler talks to the orchestrator through the shared store: the
// orchestrator keeps its snapshot under StateKey, and the router enqueues
// launch/kill commands under CommandPrefix.
type StoreScheduler struct {
	backend store.Store
}

// NewStoreScheduler creates a store-backed scheduler driver.
func NewStoreScheduler(backend store.Store) *StoreScheduler {
	return &StoreScheduler{backend: backend}
}

var _ scheduler.Scheduler = (*StoreScheduler)(nil)

// State reads and decodes the orchestrator's published snapshot. A missing
// key reads as an empty cluster, not an error.
func (s *StoreScheduler) State(ctx context.Context) (types.Snapshot, error) {
	raw, err := s.backend.Get(ctx, StateKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Snapshot{Time: time.Now()}, nil
		}
		return types.Snapshot{}, fmt.Errorf("failed to read scheduler state: %w", err)
	}

	var snap types.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return types.Snapshot{}, fmt.Errorf("failed to decode scheduler state: %w", err)
	}
	if snap.Time.IsZero() {
		snap.Time = time.Now()
	}
	return snap, nil
}

// LaunchInstances enqueues a launch command for the orchestrator.
func (s *StoreScheduler) LaunchInstances(ctx context.Context, serviceID string, count int) error {
	if count <= 0 {
		return fmt.Errorf("launch count must be positive, got %d", count)
	}
	return s.enqueue(ctx, Command{
		Action:    "launch",
		ServiceID: serviceID,
		Count:     count,
	})
}

// KillInstance enqueues a kill command for the orchestrator.
func (s *StoreScheduler) KillInstance(ctx context.Context, serviceID, instanceID string) error {
	if instanceID == "" {
		return fmt.Errorf("kill needs an instance id")
	}
	return s.enqueue(ctx, Command{
		Action:     "kill",
		ServiceID:  serviceID,
		InstanceID: instanceID,
	})
}

func (s *StoreScheduler) enqueue(ctx context.Context, cmd Command) error {
	cmd.ID = uuid.NewString()
	cmd.Issued = time.Now()
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode scheduler command: %w", err)
	}
	if err := s.backend.Put(ctx, CommandPrefix+cmd.ID, raw); err != nil {
		return fmt.Errorf("failed to enqueue scheduler command: %w", err)
	}
	return nil
}
