package worksteal

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/steward/internal/types"
)

// Status is the outcome of one work-stealing offer.
type Status string

const (
	// StatusAccepted means the receiving router took the offered instance.
	StatusAccepted Status = "accepted"

	// StatusDeclined means the receiving router had no unmet demand.
	StatusDeclined Status = "declined"

	// StatusTimeout means no reply arrived within the offer timeout.
	StatusTimeout Status = "timeout"
)

// DefaultReplyTimeout bounds how long an offering router waits for a reply.
const DefaultReplyTimeout = 1000 * time.Millisecond

// Offer is one instance of idle capacity proposed to a peer router. The
// reply channel is single-use: exactly one of Accept or Decline takes
// effect, later calls are no-ops, and the offer object is discarded after
// the reply (or timeout) is observed.
type Offer struct {
	CID       string                `json:"cid"`
	RequestID string                `json:"request_id"`
	RouterID  string                `json:"router_id"`
	ServiceID string                `json:"service_id"`
	Instance  types.ServiceInstance `json:"instance"`

	replyOnce sync.Once
	reply     chan Status
}

// NewOffer creates an offer of the given instance from the given router.
func NewOffer(routerID, serviceID string, instance types.ServiceInstance) *Offer {
	return &Offer{
		CID:       uuid.NewString(),
		RequestID: uuid.NewString(),
		RouterID:  routerID,
		ServiceID: serviceID,
		Instance:  instance,
		reply:     make(chan Status, 1),
	}
}

// Restore re-arms the reply channel on an offer decoded from the wire.
func (o *Offer) Restore() {
	o.reply = make(chan Status, 1)
}

// Validate checks the fields a peer must supply before any state is touched.
func (o *Offer) Validate() error {
	if o.CID == "" || o.RequestID == "" || o.RouterID == "" || o.ServiceID == "" {
		return types.ErrInvalidMessage
	}
	if !o.Instance.Valid() {
		return types.ErrInvalidMessage
	}
	return nil
}

// Accept resolves the offer as taken. Only the first resolution wins.
func (o *Offer) Accept() { o.resolve(StatusAccepted) }

// Decline resolves the offer as not needed. Only the first resolution wins.
func (o *Offer) Decline() { o.resolve(StatusDeclined) }

func (o *Offer) resolve(s Status) {
	o.replyOnce.Do(func() {
		o.reply <- s
	})
}

// Await blocks until the offer is resolved or the timeout elapses.
func (o *Offer) Await(timeout time.Duration) Status {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	select {
	case s := <-o.reply:
		return s
	case <-time.After(timeout):
		return StatusTimeout
	}
}
