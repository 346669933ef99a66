package interstitial

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/steward/internal/types"
	"github.com/songzhibin97/steward/pkg/metrics"
)

// Reason records why a service's readiness promise resolved.
type Reason string

const (
	// ReasonHealthyInstanceFound means the scheduler reported a healthy
	// instance before the interstitial window elapsed.
	ReasonHealthyInstanceFound Reason = "healthy-instance-found"

	// ReasonTimeout means the interstitial window elapsed first.
	ReasonTimeout Reason = "interstitial-timeout"
)

// Promise is a write-once readiness cell for one service. Exactly one
// resolution wins; later resolutions are no-ops and do not change the
// recorded reason.
type Promise struct {
	serviceID string
	created   time.Time

	once   sync.Once
	done   chan struct{}
	reason Reason // written once before done is closed
}

func newPromise(serviceID string, now time.Time) *Promise {
	return &Promise{
		serviceID: serviceID,
		created:   now,
		done:      make(chan struct{}),
	}
}

// Resolve records the reason and resolves the promise. It reports whether
// this call won the resolution race.
func (p *Promise) Resolve(reason Reason) bool {
	won := false
	p.once.Do(func() {
		p.reason = reason
		close(p.done)
		won = true
	})
	return won
}

// Resolved returns the recorded reason, if any.
func (p *Promise) Resolved() (Reason, bool) {
	select {
	case <-p.done:
		return p.reason, true
	default:
		return "", false
	}
}

// Deref blocks until the promise resolves or ctx is done.
func (p *Promise) Deref(ctx context.Context) (Reason, error) {
	select {
	case <-p.done:
		return p.reason, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Created returns the promise's creation time.
func (p *Promise) Created() time.Time {
	return p.created
}

// State is one entry of the gate's observable state.
type State struct {
	ServiceID string    `json:"service_id"`
	Resolved  bool      `json:"resolved"`
	Reason    Reason    `json:"reason,omitempty"`
	Created   time.Time `json:"created"`
}

// Gate owns the per-service readiness promises. The promise map is mutated
// only via compare-and-set (LoadOrStore / CompareAndDelete), never
// read-modify-write under a lock: creation races are resolved by the losing
// creator discarding its candidate and adopting the winner's promise.
type Gate struct {
	promises sync.Map // service id -> *Promise
	logger   *zap.Logger
	sink     metrics.Sink
	now      func() time.Time

	// healthy holds the service ids with at least one healthy instance in
	// the last observed snapshot, so promises created after a restart do
	// not wait a full poll interval for a resolution already known.
	mu      sync.RWMutex
	healthy map[string]bool
}

// NewGate creates an empty gate.
func NewGate(logger *zap.Logger, sink metrics.Sink) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = metrics.Noop()
	}
	return &Gate{
		logger:  logger.With(zap.String("component", "interstitial")),
		sink:    sink,
		now:     time.Now,
		healthy: make(map[string]bool),
	}
}

// Ensure returns the service's promise, creating it on first touch. Only the
// creator that wins the insert installs the timeout watcher, so a promise
// can time out at most once.
func (g *Gate) Ensure(serviceID string, timeout time.Duration) *Promise {
	if p, ok := g.promises.Load(serviceID); ok {
		return p.(*Promise)
	}
	candidate := newPromise(serviceID, g.now())
	actual, loaded := g.promises.LoadOrStore(serviceID, candidate)
	p := actual.(*Promise)
	if !loaded && g.knownHealthy(serviceID) {
		// The last snapshot already showed a healthy instance; do not make
		// callers wait for the next poll.
		if p.Resolve(ReasonHealthyInstanceFound) {
			g.sink.Counter(metrics.ServiceCounter(serviceID, "interstitial-resolved")).Inc()
		}
		return p
	}
	if !loaded && timeout > 0 {
		time.AfterFunc(timeout, func() {
			if p.Resolve(ReasonTimeout) {
				g.sink.Counter(metrics.ServiceCounter(serviceID, "interstitial-timeouts")).Inc()
				g.logger.Info("interstitial window elapsed without a healthy instance",
					zap.String("service_id", serviceID))
			}
		})
	}
	return p
}

func (g *Gate) knownHealthy(serviceID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.healthy[serviceID]
}

// Lookup returns the service's promise without creating one.
func (g *Gate) Lookup(serviceID string) (*Promise, bool) {
	p, ok := g.promises.Load(serviceID)
	if !ok {
		return nil, false
	}
	return p.(*Promise), true
}

// Observe applies one scheduler snapshot: services with a healthy instance
// resolve their promise, and resolved promises for services no longer
// present are purged. Unresolved promises are never purged, so no waiter is
// orphaned.
func (g *Gate) Observe(snap types.Snapshot) {
	seen := make(map[string]bool, len(snap.Healthy))
	for serviceID, instances := range snap.Healthy {
		if len(instances) > 0 {
			seen[serviceID] = true
		}
	}
	g.mu.Lock()
	g.healthy = seen
	g.mu.Unlock()

	for serviceID, instances := range snap.Healthy {
		if len(instances) == 0 {
			continue
		}
		p, ok := g.Lookup(serviceID)
		if !ok {
			continue
		}
		if p.Resolve(ReasonHealthyInstanceFound) {
			g.sink.Counter(metrics.ServiceCounter(serviceID, "interstitial-resolved")).Inc()
			g.logger.Info("healthy instance observed, interstitial gate open",
				zap.String("service_id", serviceID))
		}
	}

	present := make(map[string]bool, len(snap.ServiceIDs))
	for _, id := range snap.ServiceIDs {
		present[id] = true
	}
	g.promises.Range(func(key, value any) bool {
		serviceID := key.(string)
		p := value.(*Promise)
		if present[serviceID] {
			return true
		}
		if _, resolved := p.Resolved(); resolved {
			g.promises.CompareAndDelete(key, value)
		}
		return true
	})
}

// Run consumes scheduler snapshots until ctx is done.
func (g *Gate) Run(ctx context.Context, snapshots <-chan types.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			g.Observe(snap)
		}
	}
}

// Snapshot returns the observable state of every live promise.
func (g *Gate) Snapshot() map[string]State {
	out := make(map[string]State)
	g.promises.Range(func(key, value any) bool {
		p := value.(*Promise)
		st := State{ServiceID: p.serviceID, Created: p.created}
		if reason, ok := p.Resolved(); ok {
			st.Resolved = true
			st.Reason = reason
		}
		out[p.serviceID] = st
		return true
	})
	return out
}
