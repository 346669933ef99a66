package types

// ServiceDescription is the routing-relevant subset of a service's
// description, resolved from a service token by the description store.
type ServiceDescription struct {
	ServiceID          string `json:"service_id"`
	Name               string `json:"name,omitempty"`
	InterstitialSecs   int    `json:"interstitial_secs"`
	MaxQueueLength     int    `json:"max_queue_length"`
	ConcurrencyLevel   int    `json:"concurrency_level"`
	DistributionScheme string `json:"distribution_scheme,omitempty"`
	MinInstances       int    `json:"min_instances,omitempty"`
	MaxInstances       int    `json:"max_instances,omitempty"`
}

// Normalize fills zero-valued fields with the given defaults and clamps
// nonsense values so the responder never divides by zero or queues unbounded.
func (sd *ServiceDescription) Normalize(defaults ServiceDescription) {
	if sd.InterstitialSecs < 0 {
		sd.InterstitialSecs = 0
	}
	if sd.MaxQueueLength <= 0 {
		sd.MaxQueueLength = defaults.MaxQueueLength
	}
	if sd.ConcurrencyLevel <= 0 {
		sd.ConcurrencyLevel = defaults.ConcurrencyLevel
	}
	if sd.ConcurrencyLevel <= 0 {
		sd.ConcurrencyLevel = 1
	}
}
