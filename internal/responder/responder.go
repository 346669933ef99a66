package responder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/songzhibin97/steward/internal/blacklist"
	"github.com/songzhibin97/steward/internal/types"
	"github.com/songzhibin97/steward/internal/worksteal"
	"github.com/songzhibin97/steward/pkg/metrics"
)

const (
	defaultMailboxSize    = 64
	defaultReserveTimeout = 1000 * time.Millisecond

	// ReasonKilled marks blacklist requests issued for killed instances.
	// Kill notifications bypass the busy-instance policy check.
	ReasonKilled = "killed"
)

// Config configures one per-service responder.
type Config struct {
	ServiceID   string
	Description types.ServiceDescription

	Blacklist      blacklist.Config
	BlacklistInUse bool // allow blacklisting instances with in-flight requests
	ReserveTimeout time.Duration
	MailboxSize    int

	// QueueComparator orders the pending-request queue; nil means priority
	// descending with FIFO tie-break.
	QueueComparator Comparator

	Logger *zap.Logger
	Sink   metrics.Sink
}

// State is a read-only snapshot of one responder's slot accounting.
type State struct {
	ServiceID   string                     `json:"service_id"`
	Available   []string                   `json:"available"`
	InUse       map[string]int             `json:"in_use"`
	Offered     map[string]string          `json:"offered"` // cid -> instance id
	Blacklisted map[string]blacklist.Entry `json:"blacklisted"`
	QueueLength int                        `json:"queue_length"`
	Concurrency int                        `json:"concurrency"`
	LastUpdate  time.Time                  `json:"last_update"`
}

// Responder is the per-service actor owning that service's instance and slot
// state. All access goes through its mailbox; messages are handled strictly
// in arrival order by a single goroutine, so slot state is never shared.
type Responder struct {
	serviceID string
	cfg       Config
	logger    *zap.Logger
	sink      metrics.Sink

	mailbox chan message
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	now func() time.Time

	// Loop-owned state below; never touched outside run().
	slots      *slotState
	bl         *blacklist.Tracker
	queue      *waitQueue
	reverted   map[string]revertedOffer
	lastUpdate time.Time
}

// revertedOffer remembers a reservation that timed out, so a late acceptance
// from the peer can still be honored without double-assigning the instance.
type revertedOffer struct {
	instanceID string
	at         time.Time
}

// New creates and starts a responder for the given service.
func New(cfg Config) *Responder {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if cfg.ReserveTimeout <= 0 {
		cfg.ReserveTimeout = defaultReserveTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.Noop()
	}
	cfg.Description.Normalize(types.ServiceDescription{MaxQueueLength: 100, ConcurrencyLevel: 1})

	r := &Responder{
		serviceID: cfg.ServiceID,
		cfg:       cfg,
		logger:    cfg.Logger.With(zap.String("component", "responder"), zap.String("service_id", cfg.ServiceID)),
		sink:      cfg.Sink,
		mailbox:   make(chan message, cfg.MailboxSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		now:       time.Now,
		slots:     newSlotState(cfg.Description.ConcurrencyLevel),
		bl:        blacklist.NewTracker(cfg.Blacklist),
		queue:     newWaitQueue(cfg.QueueComparator),
		reverted:  make(map[string]revertedOffer),
	}
	go r.run()
	return r
}

// ServiceID returns the service this responder owns.
func (r *Responder) ServiceID() string {
	return r.serviceID
}

// Stop asks the loop to drain and exit. Pending waiters are failed with
// ErrNoInstanceAvailable. Safe to call more than once.
func (r *Responder) Stop() {
	r.once.Do(func() { close(r.done) })
}

// Done is closed once the loop has fully drained and exited.
func (r *Responder) Done() <-chan struct{} {
	return r.stopped
}

// ApplyUpdate hands one scheduler snapshot slice to the loop. It never
// blocks: when the mailbox is full the update is dropped and the next poll
// supersedes it.
func (r *Responder) ApplyUpdate(healthy, unhealthy, killed []types.ServiceInstance, at time.Time) {
	select {
	case r.mailbox <- updateMsg{healthy: healthy, unhealthy: unhealthy, killed: killed, time: at}:
	case <-r.stopped:
	default:
		r.logger.Warn("mailbox full, dropping scheduler update")
	}
}

// SelectInstance picks an instance for one request, parking the caller on
// the pending queue when nothing is selectable. It fails with ErrQueueFull
// when the queue is at max-queue-length and with ErrNoInstanceAvailable when
// ctx expires first. A successful selection must be balanced by Release.
func (r *Responder) SelectInstance(ctx context.Context, priority int) (types.ServiceInstance, error) {
	w := &waiter{
		ctx:      ctx,
		priority: priority,
		enqueued: r.now(),
		reply:    make(chan selectReply, 1),
	}
	if err := r.send(ctx, selectMsg{w: w}); err != nil {
		return types.ServiceInstance{}, err
	}
	select {
	case rep := <-w.reply:
		return rep.instance, rep.err
	case <-ctx.Done():
		// The loop may assign an instance concurrently with our deadline.
		// Handing the waiter back through the mailbox lets the loop drain
		// the reply after any such assignment, so the slot is reclaimed.
		select {
		case r.mailbox <- cancelMsg{w: w}:
		case <-r.stopped:
		}
		return types.ServiceInstance{}, fmt.Errorf("service %s: %w: %w", r.serviceID, types.ErrNoInstanceAvailable, ctx.Err())
	case <-r.stopped:
		return types.ServiceInstance{}, types.ErrNoInstanceAvailable
	}
}

// Release returns a slot after a request finished. failed marks the request
// as errored, which blacklists the instance with backoff.
func (r *Responder) Release(instanceID string, failed bool) {
	select {
	case r.mailbox <- releaseMsg{instanceID: instanceID, failed: failed}:
	case <-r.stopped:
	}
}

// Blacklist temporarily excludes an instance from routing.
func (r *Responder) Blacklist(ctx context.Context, instanceID string, period time.Duration, reason string) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, blacklistMsg{instanceID: instanceID, period: period, reason: reason, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return types.ErrServiceUnknown
	}
}

// Offer hands a peer router's work-stealing offer to the loop. The loop
// resolves the offer immediately based on current demand; this call only
// fails when the offer cannot be delivered.
func (r *Responder) Offer(ctx context.Context, offer *worksteal.Offer) error {
	if err := offer.Validate(); err != nil {
		return err
	}
	return r.send(ctx, offerMsg{offer: offer})
}

// Reserve parks an idle instance for a work-stealing offer and returns it
// with the reservation's correlation id. The reservation reverts on its own
// after reserve-timeout unless resolved first via OfferResolved.
func (r *Responder) Reserve(ctx context.Context) (types.ServiceInstance, string, error) {
	reply := make(chan reserveReply, 1)
	if err := r.send(ctx, reserveMsg{reply: reply}); err != nil {
		return types.ServiceInstance{}, "", err
	}
	select {
	case rep := <-reply:
		if !rep.ok {
			return types.ServiceInstance{}, "", types.ErrNoInstanceAvailable
		}
		return rep.instance, rep.cid, nil
	case <-ctx.Done():
		return types.ServiceInstance{}, "", ctx.Err()
	case <-r.stopped:
		return types.ServiceInstance{}, "", types.ErrServiceUnknown
	}
}

// OfferResolved reports the outcome of an outstanding reservation.
func (r *Responder) OfferResolved(cid string, accepted bool) {
	select {
	case r.mailbox <- offerResolvedMsg{cid: cid, accepted: accepted}:
	case <-r.stopped:
	}
}

// QueryState returns a read-only snapshot, serialized with mutations.
func (r *Responder) QueryState(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	if err := r.send(ctx, queryMsg{reply: reply}); err != nil {
		return State{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-r.stopped:
		return State{}, types.ErrServiceUnknown
	}
}

func (r *Responder) send(ctx context.Context, m message) error {
	select {
	case r.mailbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return types.ErrServiceUnknown
	}
}

// post delivers loop-internal timer messages. It gives up on shutdown.
func (r *Responder) post(m message) {
	select {
	case r.mailbox <- m:
	case <-r.stopped:
	case <-r.done:
	}
}

func (r *Responder) run() {
	defer close(r.stopped)
	for {
		// Shutdown is checked with priority over data so teardown is prompt
		// even under a full mailbox.
		select {
		case <-r.done:
			r.drain()
			return
		default:
		}
		select {
		case <-r.done:
			r.drain()
			return
		case m := <-r.mailbox:
			r.handle(m)
		}
	}
}

// drain finishes messages already queued, then fails pending waiters so no
// caller is left hanging.
func (r *Responder) drain() {
	for {
		select {
		case m := <-r.mailbox:
			r.handle(m)
		default:
			r.queue.failAll(fmt.Errorf("service %s: %w", r.serviceID, types.ErrNoInstanceAvailable))
			return
		}
	}
}

func (r *Responder) handle(m message) {
	switch m := m.(type) {
	case updateMsg:
		r.handleUpdate(m)
	case selectMsg:
		r.handleSelect(m.w)
	case cancelMsg:
		r.handleCancel(m.w)
	case releaseMsg:
		r.handleRelease(m)
	case blacklistMsg:
		m.reply <- r.handleBlacklist(m)
	case offerMsg:
		r.handleOffer(m.offer)
	case reserveMsg:
		m.reply <- r.handleReserve()
	case offerResolvedMsg:
		r.handleOfferResolved(m)
	case reservationExpiredMsg:
		r.handleReservationExpired(m.cid)
	case sweepMsg:
		r.bl.Sweep(r.now())
		r.pruneReverted()
		r.wakeQueue()
	case queryMsg:
		m.reply <- r.snapshot()
	default:
		r.logger.Warn("unknown message type dropped", zap.Any("message", m))
		return
	}
	r.publishGauges()
}

func (r *Responder) blocked(instanceID string) bool {
	return r.bl.Blacklisted(instanceID, r.now())
}

func (r *Responder) handleUpdate(m updateMsg) {
	known := make(map[string]bool, len(m.healthy)+len(m.unhealthy))

	for _, inst := range m.healthy {
		if !inst.Valid() {
			r.logger.Warn("ignoring malformed instance in scheduler update", zap.String("instance_id", inst.ID))
			continue
		}
		known[inst.ID] = true
		r.slots.add(inst)
	}
	for _, inst := range m.unhealthy {
		if inst.ID == "" {
			continue
		}
		known[inst.ID] = true
		r.slots.retire(inst.ID)
		r.slots.invalidate(inst.ID)
	}
	for _, inst := range m.killed {
		if inst.ID == "" {
			continue
		}
		// Killed instances are removed outright, blacklist entry included.
		r.slots.remove(inst.ID)
		r.bl.Remove(inst.ID)
		delete(known, inst.ID)
	}
	// Instances that disappeared from scheduler state entirely are purged
	// the same way.
	for _, id := range append([]string(nil), r.slots.order...) {
		if !known[id] {
			r.slots.remove(id)
			r.bl.Remove(id)
		}
	}
	// Instances parked in offered vanish the same way; the reservation stays
	// until resolved but its instance must not rejoin the pool.
	for _, id := range r.slots.offeredInstanceIDs() {
		if !known[id] {
			r.slots.invalidate(id)
		}
	}

	if m.time.IsZero() {
		r.lastUpdate = r.now()
	} else {
		r.lastUpdate = m.time
	}
	r.wakeQueue()
}

func (r *Responder) handleSelect(w *waiter) {
	if w.ctx != nil && w.ctx.Err() != nil {
		// The caller already gave up; assigning would leak the slot.
		w.reply <- selectReply{err: fmt.Errorf("service %s: %w", r.serviceID, types.ErrNoInstanceAvailable)}
		return
	}
	if inst, ok := r.slots.selectInstance(r.blocked); ok {
		w.reply <- selectReply{instance: inst}
		return
	}
	if err := r.queue.enqueue(w, r.cfg.Description.MaxQueueLength); err != nil {
		r.sink.Counter(metrics.ServiceCounter(r.serviceID, "requests-rejected")).Inc()
		w.reply <- selectReply{err: fmt.Errorf("service %s: %w", r.serviceID, err)}
	}
}

// handleCancel reclaims the slot of a waiter whose caller timed out. The
// reply buffer holds any assignment that raced the caller's deadline.
func (r *Responder) handleCancel(w *waiter) {
	select {
	case rep := <-w.reply:
		if rep.err == nil {
			r.slots.release(rep.instance.ID)
			r.wakeQueue()
		}
	default:
	}
}

func (r *Responder) handleRelease(m releaseMsg) {
	if !r.slots.knows(m.instanceID) {
		r.logger.Debug("release for unknown instance", zap.String("instance_id", m.instanceID))
	}
	r.slots.release(m.instanceID)
	if m.failed {
		entry := r.bl.Blacklist(m.instanceID, 0, "request-failed", r.now())
		r.scheduleSweep(entry.Expiry)
		r.logger.Info("instance blacklisted after failed request",
			zap.String("instance_id", m.instanceID),
			zap.Int("consecutive_failures", entry.ConsecutiveFailures),
			zap.Time("expiry", entry.Expiry))
	}
	r.wakeQueue()
}

func (r *Responder) handleBlacklist(m blacklistMsg) error {
	if m.instanceID == "" {
		return types.ErrInvalidMessage
	}
	if !r.slots.knows(m.instanceID) {
		return fmt.Errorf("service %s instance %s: %w", r.serviceID, m.instanceID, types.ErrNoSuchInstance)
	}
	busy := r.slots.inUse[m.instanceID] > 0
	if busy && !r.cfg.BlacklistInUse && m.reason != ReasonKilled {
		return fmt.Errorf("instance %s: %w", m.instanceID, types.ErrInstanceInUse)
	}
	entry := r.bl.Blacklist(m.instanceID, m.period, m.reason, r.now())
	r.scheduleSweep(entry.Expiry)
	r.sink.Counter(metrics.ServiceCounter(r.serviceID, "blacklists")).Inc()
	r.logger.Info("instance blacklisted",
		zap.String("instance_id", m.instanceID),
		zap.String("reason", m.reason),
		zap.Int("consecutive_failures", entry.ConsecutiveFailures),
		zap.Time("expiry", entry.Expiry))
	return nil
}

// handleOffer resolves a peer's offer immediately: capacity is taken only
// when local demand is unmet, otherwise the offer is declined. The loop
// never blocks on the reply.
func (r *Responder) handleOffer(o *worksteal.Offer) {
	if r.queue.Len() == 0 {
		o.Decline()
		return
	}
	r.slots.add(o.Instance)
	o.Accept()
	r.sink.Counter(metrics.ServiceCounter(r.serviceID, "offers-accepted")).Inc()
	r.logger.Info("accepted work-stealing offer",
		zap.String("cid", o.CID),
		zap.String("from_router", o.RouterID),
		zap.String("instance_id", o.Instance.ID))
	r.wakeQueue()
}

func (r *Responder) handleReserve() reserveReply {
	// Keep instances for local queued demand; only truly spare capacity is
	// offered out.
	if r.queue.Len() > 0 {
		return reserveReply{}
	}
	cid := uuid.NewString()
	expiry := r.now().Add(r.cfg.ReserveTimeout)
	inst, ok := r.slots.reserve(cid, expiry, r.blocked)
	if !ok {
		return reserveReply{}
	}
	timeout := r.cfg.ReserveTimeout
	time.AfterFunc(timeout, func() { r.post(reservationExpiredMsg{cid: cid}) })
	return reserveReply{cid: cid, instance: inst, ok: true}
}

func (r *Responder) handleOfferResolved(m offerResolvedMsg) {
	if m.accepted {
		if !r.slots.concede(m.cid) {
			// The reservation already timed out and reverted, but the peer
			// accepted anyway: the peer wins, so take the instance back out
			// of the local pool. An instance is never live at two routers.
			if rev, ok := r.reverted[m.cid]; ok {
				r.slots.remove(rev.instanceID)
				r.logger.Warn("late offer acceptance after reservation expiry",
					zap.String("cid", m.cid),
					zap.String("instance_id", rev.instanceID))
			}
		}
		delete(r.reverted, m.cid)
		return
	}
	delete(r.reverted, m.cid)
	if r.slots.revert(m.cid) {
		r.wakeQueue()
	}
}

func (r *Responder) handleReservationExpired(cid string) {
	res, live := r.slots.offered[cid]
	if !live {
		return
	}
	if r.slots.revert(cid) {
		r.reverted[cid] = revertedOffer{instanceID: res.instance.ID, at: r.now()}
		r.logger.Debug("reservation expired, instance returned to pool", zap.String("cid", cid))
		r.wakeQueue()
	}
}

// pruneReverted forgets reverted reservations old enough that no late reply
// can still arrive.
func (r *Responder) pruneReverted() {
	cutoff := r.now().Add(-time.Minute)
	for cid, rev := range r.reverted {
		if rev.at.Before(cutoff) {
			delete(r.reverted, cid)
		}
	}
}

// wakeQueue hands freed capacity to pending waiters in comparator order.
func (r *Responder) wakeQueue() {
	for r.queue.Len() > 0 && r.slots.selectable(r.blocked) {
		w, ok := r.queue.dequeue()
		if !ok {
			return
		}
		inst, ok := r.slots.selectInstance(r.blocked)
		if !ok {
			r.handleSelect(w)
			return
		}
		w.reply <- selectReply{instance: inst}
	}
}

func (r *Responder) scheduleSweep(expiry time.Time) {
	d := expiry.Sub(r.now()) + 10*time.Millisecond
	if d < 0 {
		d = 10 * time.Millisecond
	}
	time.AfterFunc(d, func() { r.post(sweepMsg{}) })
}

func (r *Responder) snapshot() State {
	return State{
		ServiceID:   r.serviceID,
		Available:   r.slots.availableIDs(r.blocked),
		InUse:       copyCounts(r.slots.inUse),
		Offered:     offeredIDs(r.slots.offered),
		Blacklisted: r.bl.Entries(),
		QueueLength: r.queue.Len(),
		Concurrency: r.slots.concurrency,
		LastUpdate:  r.lastUpdate,
	}
}

func (r *Responder) publishGauges() {
	r.sink.Gauge(metrics.ServiceCounter(r.serviceID, "slots-available")).Set(float64(len(r.slots.availableIDs(r.blocked))))
	r.sink.Gauge(metrics.ServiceCounter(r.serviceID, "slots-in-use")).Set(float64(len(r.slots.inUse)))
	r.sink.Gauge(metrics.ServiceCounter(r.serviceID, "slots-offered")).Set(float64(len(r.slots.offered)))
	r.sink.Gauge(metrics.ServiceCounter(r.serviceID, "blacklisted-instances")).Set(float64(r.bl.Len()))
	r.sink.Gauge(metrics.ServiceCounter(r.serviceID, "queue-length")).Set(float64(r.queue.Len()))
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func offeredIDs(in map[string]reservation) map[string]string {
	out := make(map[string]string, len(in))
	for cid, res := range in {
		out[cid] = res.instance.ID
	}
	return out
}
