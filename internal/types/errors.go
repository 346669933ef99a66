package types

import "errors"

// Routing statuses surfaced to callers. These are expected outcomes, not
// faults: capacity exhaustion maps to a 503-equivalent response and protocol
// violations to a 400-equivalent one; none of them terminate anything.
var (
	// ErrNoInstanceAvailable means no healthy, non-blacklisted instance is
	// selectable and the caller's wait expired.
	ErrNoInstanceAvailable = errors.New("no instance available")

	// ErrInstanceInUse means a blacklist request targeted an instance with
	// in-flight requests while policy forbids blacklisting busy instances.
	ErrInstanceInUse = errors.New("instance in use")

	// ErrNoSuchInstance means the named instance is unknown to the service.
	ErrNoSuchInstance = errors.New("no such instance")

	// ErrQueueFull means the service's pending-request queue is at
	// max-queue-length.
	ErrQueueFull = errors.New("max queue length exceeded")

	// ErrOfferDeclined means the receiving router did not need the offered
	// capacity.
	ErrOfferDeclined = errors.New("offer declined")

	// ErrOfferTimeout means an offer reply did not arrive in time.
	ErrOfferTimeout = errors.New("offer timed out")

	// ErrInvalidMessage means an inter-router or control message was missing
	// required fields.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrServiceUnknown means no responder exists for the service id.
	ErrServiceUnknown = errors.New("unknown service")
)
