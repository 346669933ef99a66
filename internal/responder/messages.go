package responder

import (
	"time"

	"github.com/songzhibin97/steward/internal/types"
	"github.com/songzhibin97/steward/internal/worksteal"
)

// message is the tagged union delivered on a responder's mailbox. The loop
// switches exhaustively over the concrete types; anything else hits the
// default branch, which logs and drops the message.
type message interface {
	isMessage()
}

// updateMsg applies one scheduler snapshot slice for this service.
type updateMsg struct {
	healthy   []types.ServiceInstance
	unhealthy []types.ServiceInstance
	killed    []types.ServiceInstance
	time      time.Time
}

// selectMsg asks for an instance for one inbound request.
type selectMsg struct {
	w *waiter
}

// cancelMsg hands an abandoned waiter back to the loop so a slot assigned
// concurrently with the caller's deadline is reclaimed.
type cancelMsg struct {
	w *waiter
}

// releaseMsg returns a slot after a request finished.
type releaseMsg struct {
	instanceID string
	failed     bool
}

// blacklistMsg requests temporary exclusion of an instance.
type blacklistMsg struct {
	instanceID string
	period     time.Duration
	reason     string
	reply      chan error
}

// offerMsg delivers a work-stealing offer from a peer router.
type offerMsg struct {
	offer *worksteal.Offer
}

// reserveMsg asks for an idle instance to offer to a peer router.
type reserveMsg struct {
	reply chan reserveReply
}

type reserveReply struct {
	cid      string
	instance types.ServiceInstance
	ok       bool
}

// offerResolvedMsg reports the outcome of an outstanding offer.
type offerResolvedMsg struct {
	cid      string
	accepted bool
}

// reservationExpiredMsg fires when a reservation outlived reserve-timeout.
type reservationExpiredMsg struct {
	cid string
}

// sweepMsg triggers a blacklist expiry sweep.
type sweepMsg struct{}

// queryMsg asks for a state snapshot.
type queryMsg struct {
	reply chan State
}

func (updateMsg) isMessage()             {}
func (selectMsg) isMessage()             {}
func (cancelMsg) isMessage()             {}
func (releaseMsg) isMessage()            {}
func (blacklistMsg) isMessage()          {}
func (offerMsg) isMessage()              {}
func (reserveMsg) isMessage()            {}
func (offerResolvedMsg) isMessage()      {}
func (reservationExpiredMsg) isMessage() {}
func (sweepMsg) isMessage()              {}
func (queryMsg) isMessage()              {}
