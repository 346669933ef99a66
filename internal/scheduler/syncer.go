package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/steward/internal/types"
	"github.com/songzhibin97/steward/pkg/metrics"
	"github.com/songzhibin97/steward/pkg/scheduler"
)

const defaultInterval = 5 * time.Second

// Syncer polls the orchestrator on a fixed interval and broadcasts each
// snapshot to its subscribers. The broadcast is read-only fan-out: every
// subscriber gets its own channel and a slow subscriber only ever misses
// intermediate snapshots, it never blocks the poll loop.
type Syncer struct {
	sched    scheduler.Scheduler
	interval time.Duration
	logger   *zap.Logger
	sink     metrics.Sink

	mu       sync.Mutex
	subs     []chan types.Snapshot
	last     types.Snapshot
	haveLast bool
}

// NewSyncer creates a syncer polling sched every interval.
func NewSyncer(sched scheduler.Scheduler, interval time.Duration, logger *zap.Logger, sink metrics.Sink) *Syncer {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = metrics.Noop()
	}
	return &Syncer{
		sched:    sched,
		interval: interval,
		logger:   logger.With(zap.String("component", "scheduler-syncer")),
		sink:     sink,
	}
}

// Subscribe returns a channel carrying future snapshots. Each channel holds
// one snapshot; when the subscriber lags, older snapshots are replaced by
// newer ones.
func (s *Syncer) Subscribe() <-chan types.Snapshot {
	ch := make(chan types.Snapshot, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	if s.haveLast {
		ch <- s.last
	}
	s.mu.Unlock()
	return ch
}

// Last returns the most recent good snapshot.
func (s *Syncer) Last() (types.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.haveLast
}

// Run polls until ctx is done. The first poll happens immediately.
func (s *Syncer) Run(ctx context.Context) {
	s.poll(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Syncer) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	start := time.Now()
	snap, err := s.sched.State(pollCtx)
	s.sink.Timer(metrics.RouterCounter("scheduler-poll")).Observe(time.Since(start))
	if err != nil {
		// Keep serving from the last good snapshot; the next poll retries.
		s.sink.Counter(metrics.RouterCounter("scheduler-poll-errors")).Inc()
		s.logger.Warn("scheduler poll failed", zap.Error(err))
		return
	}
	if snap.Time.IsZero() {
		snap.Time = time.Now()
	}

	s.mu.Lock()
	s.last = snap
	s.haveLast = true
	subs := make([]chan types.Snapshot, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, ch := range subs {
		publishLatest(ch, snap)
	}
}

// publishLatest delivers snap without blocking: a full channel has its stale
// snapshot displaced by the new one.
func publishLatest(ch chan types.Snapshot, snap types.Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
