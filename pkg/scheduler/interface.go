// Package scheduler defines the narrow interface the router consumes from
// the backend orchestrator. Concrete drivers (container platforms, test
// fixtures) live outside the routing core; the core only ever sees polled
// state snapshots and launch/kill requests.
package scheduler

import (
	"context"

	"github.com/songzhibin97/steward/internal/types"
)

// Scheduler is the orchestrator collaborator. Transient backend errors are
// the driver's problem to retry; the core only observes instances staying
// unhealthy or missing.
type Scheduler interface {
	// State returns the current cluster state: known service ids and the
	// healthy, unhealthy and killed instances per service.
	State(ctx context.Context) (types.Snapshot, error)

	// LaunchInstances asks the orchestrator to start count instances.
	LaunchInstances(ctx context.Context, serviceID string, count int) error

	// KillInstance asks the orchestrator to stop one instance.
	KillInstance(ctx context.Context, serviceID, instanceID string) error
}
