package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/steward/internal/blacklist"
	"github.com/songzhibin97/steward/internal/responder"
	"github.com/songzhibin97/steward/internal/types"
	"github.com/songzhibin97/steward/internal/worksteal"
	"github.com/songzhibin97/steward/pkg/metrics"
)

// DescriptionSource resolves a service id to its routing description.
type DescriptionSource interface {
	Get(ctx context.Context, serviceID string) (*types.ServiceDescription, error)
}

// Config configures the dispatcher.
type Config struct {
	Blacklist       blacklist.Config
	BlacklistInUse  bool
	ReserveTimeout  time.Duration
	MailboxSize     int
	QueueComparator responder.Comparator

	Descriptions DescriptionSource
	Logger       *zap.Logger
	Sink         metrics.Sink
}

// Dispatcher owns the service-id -> responder table. Responders are created
// and removed only inside Run's loop, so at most one responder ever exists
// per service id; lookups take a read lock on the table.
type Dispatcher struct {
	cfg    Config
	logger *zap.Logger
	sink   metrics.Sink

	mu         sync.RWMutex
	responders map[string]*responder.Responder

	ensureCh chan ensureRequest
}

type ensureRequest struct {
	serviceID string
	reply     chan *responder.Responder
}

// New creates a dispatcher. Run must be called for snapshots and lazy
// responder creation to be processed.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.Noop()
	}
	return &Dispatcher{
		cfg:        cfg,
		logger:     cfg.Logger.With(zap.String("component", "dispatcher")),
		sink:       cfg.Sink,
		responders: make(map[string]*responder.Responder),
		ensureCh:   make(chan ensureRequest),
	}
}

// Run consumes scheduler snapshots and creation requests until ctx is done,
// then stops every responder and waits for the loops to drain.
func (d *Dispatcher) Run(ctx context.Context, snapshots <-chan types.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case snap, ok := <-snapshots:
			if !ok {
				d.shutdown()
				return
			}
			d.applySnapshot(snap)
		case req := <-d.ensureCh:
			req.reply <- d.ensure(req.serviceID)
		}
	}
}

// applySnapshot fans one scheduler snapshot out to per-service responders,
// creating them on first sight and tearing down idle ones for services that
// disappeared.
func (d *Dispatcher) applySnapshot(snap types.Snapshot) {
	present := make(map[string]bool, len(snap.ServiceIDs))
	for _, serviceID := range snap.ServiceIDs {
		present[serviceID] = true
		r := d.ensure(serviceID)
		r.ApplyUpdate(snap.Healthy[serviceID], snap.Unhealthy[serviceID], snap.Killed[serviceID], snap.Time)
	}

	d.mu.RLock()
	var gone []*responder.Responder
	for serviceID, r := range d.responders {
		if !present[serviceID] {
			gone = append(gone, r)
		}
	}
	d.mu.RUnlock()

	for _, r := range gone {
		if !d.idle(r) {
			// Still draining in-flight or queued work; retried on the next
			// snapshot.
			continue
		}
		d.logger.Info("service disappeared, removing responder", zap.String("service_id", r.ServiceID()))
		r.Stop()
		d.mu.Lock()
		delete(d.responders, r.ServiceID())
		d.mu.Unlock()
	}
	d.sink.Gauge(metrics.RouterCounter("active-services")).Set(float64(d.Len()))
}

func (d *Dispatcher) idle(r *responder.Responder) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	st, err := r.QueryState(ctx)
	if err != nil {
		return true
	}
	return st.QueueLength == 0 && len(st.InUse) == 0
}

// ensure returns the responder for serviceID, creating it if absent. Called
// only from the Run loop, so creation is race-free.
func (d *Dispatcher) ensure(serviceID string) *responder.Responder {
	d.mu.RLock()
	r, ok := d.responders[serviceID]
	d.mu.RUnlock()
	if ok {
		return r
	}

	desc := d.description(serviceID)
	r = responder.New(responder.Config{
		ServiceID:       serviceID,
		Description:     desc,
		Blacklist:       d.cfg.Blacklist,
		BlacklistInUse:  d.cfg.BlacklistInUse,
		ReserveTimeout:  d.cfg.ReserveTimeout,
		MailboxSize:     d.cfg.MailboxSize,
		QueueComparator: d.cfg.QueueComparator,
		Logger:          d.cfg.Logger,
		Sink:            d.sink,
	})
	d.logger.Info("responder created", zap.String("service_id", serviceID))

	d.mu.Lock()
	d.responders[serviceID] = r
	d.mu.Unlock()
	return r
}

func (d *Dispatcher) description(serviceID string) types.ServiceDescription {
	desc := types.ServiceDescription{ServiceID: serviceID}
	if d.cfg.Descriptions == nil {
		return desc
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	found, err := d.cfg.Descriptions.Get(ctx, serviceID)
	if err != nil {
		d.logger.Warn("service description lookup failed, using defaults",
			zap.String("service_id", serviceID), zap.Error(err))
		return desc
	}
	return *found
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	responders := make([]*responder.Responder, 0, len(d.responders))
	for _, r := range d.responders {
		responders = append(responders, r)
	}
	d.responders = make(map[string]*responder.Responder)
	d.mu.Unlock()

	for _, r := range responders {
		r.Stop()
	}
	for _, r := range responders {
		<-r.Done()
	}
}

// Lookup returns the live responder for serviceID.
func (d *Dispatcher) Lookup(serviceID string) (*responder.Responder, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.responders[serviceID]
	return r, ok
}

// Ensure returns the responder for serviceID, asking the Run loop to create
// it when absent.
func (d *Dispatcher) Ensure(ctx context.Context, serviceID string) (*responder.Responder, error) {
	if r, ok := d.Lookup(serviceID); ok {
		return r, nil
	}
	req := ensureRequest{serviceID: serviceID, reply: make(chan *responder.Responder, 1)}
	select {
	case d.ensureCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of live responders.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.responders)
}

// ServiceIDs returns the ids of all live responders.
func (d *Dispatcher) ServiceIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.responders))
	for id := range d.responders {
		ids = append(ids, id)
	}
	return ids
}

// SelectInstance routes a request for serviceID to an instance, creating the
// responder when the service has not been seen yet. A request against a
// not-yet-synced service parks on the fresh responder's queue like any other.
func (d *Dispatcher) SelectInstance(ctx context.Context, serviceID string, priority int) (types.ServiceInstance, error) {
	r, err := d.Ensure(ctx, serviceID)
	if err != nil {
		return types.ServiceInstance{}, err
	}
	return r.SelectInstance(ctx, priority)
}

// Release returns a slot for serviceID's instance.
func (d *Dispatcher) Release(serviceID, instanceID string, failed bool) {
	if r, ok := d.Lookup(serviceID); ok {
		r.Release(instanceID, failed)
	}
}

// Blacklist excludes an instance of serviceID from routing. The responder is
// created if absent, so an unknown service reports the instance as unknown
// rather than the service.
func (d *Dispatcher) Blacklist(ctx context.Context, serviceID, instanceID string, period time.Duration, reason string) error {
	r, err := d.Ensure(ctx, serviceID)
	if err != nil {
		return err
	}
	return r.Blacklist(ctx, instanceID, period, reason)
}

// Offer hands a peer's work-stealing offer to the service's responder,
// creating it if the service is not yet known locally.
func (d *Dispatcher) Offer(ctx context.Context, offer *worksteal.Offer) error {
	if err := offer.Validate(); err != nil {
		return err
	}
	r, err := d.Ensure(ctx, offer.ServiceID)
	if err != nil {
		return err
	}
	return r.Offer(ctx, offer)
}

// Reserve parks an idle instance of serviceID for a work-stealing offer.
func (d *Dispatcher) Reserve(ctx context.Context, serviceID string) (types.ServiceInstance, string, error) {
	r, ok := d.Lookup(serviceID)
	if !ok {
		return types.ServiceInstance{}, "", types.ErrServiceUnknown
	}
	return r.Reserve(ctx)
}

// OfferResolved reports the outcome of a reservation to its responder.
func (d *Dispatcher) OfferResolved(serviceID, cid string, accepted bool) {
	if r, ok := d.Lookup(serviceID); ok {
		r.OfferResolved(cid, accepted)
	}
}

// QueueLength returns the pending-request queue length for serviceID.
func (d *Dispatcher) QueueLength(ctx context.Context, serviceID string) int {
	r, ok := d.Lookup(serviceID)
	if !ok {
		return 0
	}
	st, err := r.QueryState(ctx)
	if err != nil {
		return 0
	}
	return st.QueueLength
}

// QueryState returns the state snapshot for one service.
func (d *Dispatcher) QueryState(ctx context.Context, serviceID string) (responder.State, error) {
	r, ok := d.Lookup(serviceID)
	if !ok {
		return responder.State{}, types.ErrServiceUnknown
	}
	return r.QueryState(ctx)
}

// QueryAllState queries every live responder in parallel and merges the
// replies. Responders that miss the deadline are skipped.
func (d *Dispatcher) QueryAllState(ctx context.Context) map[string]responder.State {
	d.mu.RLock()
	responders := make([]*responder.Responder, 0, len(d.responders))
	for _, r := range d.responders {
		responders = append(responders, r)
	}
	d.mu.RUnlock()

	var (
		wg  sync.WaitGroup
		out = make(map[string]responder.State, len(responders))
		mu  sync.Mutex
	)
	for _, r := range responders {
		wg.Add(1)
		go func(r *responder.Responder) {
			defer wg.Done()
			st, err := r.QueryState(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			out[r.ServiceID()] = st
			mu.Unlock()
		}(r)
	}
	wg.Wait()
	return out
}
