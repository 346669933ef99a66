package blacklist

import (
	"time"
)

// Entry records one temporarily excluded instance.
type Entry struct {
	InstanceID          string    `json:"instance_id"`
	Expiry              time.Time `json:"expiry"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Reason              string    `json:"reason,omitempty"`
}

// Expired reports whether the entry's exclusion window has passed.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.Expiry)
}

// Config holds the backoff policy knobs.
type Config struct {
	BackoffBase time.Duration
	MaxDuration time.Duration
}

// DefaultConfig returns the default backoff policy.
func DefaultConfig() Config {
	return Config{
		BackoffBase: 10 * time.Second,
		MaxDuration: 5 * time.Minute,
	}
}

// Tracker keeps the blacklist for a single service. It is owned by that
// service's responder and must only be touched from the responder's loop;
// it does no locking of its own.
type Tracker struct {
	config  Config
	entries map[string]*Entry
}

// NewTracker creates an empty tracker with the given policy.
func NewTracker(cfg Config) *Tracker {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultConfig().MaxDuration
	}
	return &Tracker{
		config:  cfg,
		entries: make(map[string]*Entry),
	}
}

// ComputeBackoff returns min(base * 2^(failures-1), max). The result is
// monotonically non-decreasing in the failure count.
func ComputeBackoff(failures int, base, max time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max || d < 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Blacklist records a failure for the instance and returns the resulting
// entry. Repeated calls increment the consecutive-failure count and
// recompute the expiry from the latest count. A positive period overrides
// the backoff computation for this entry.
func (t *Tracker) Blacklist(instanceID string, period time.Duration, reason string, now time.Time) Entry {
	e, ok := t.entries[instanceID]
	if !ok {
		e = &Entry{InstanceID: instanceID}
		t.entries[instanceID] = e
	}
	e.ConsecutiveFailures++
	e.Reason = reason

	d := period
	if d <= 0 {
		d = ComputeBackoff(e.ConsecutiveFailures, t.config.BackoffBase, t.config.MaxDuration)
	} else if d > t.config.MaxDuration {
		d = t.config.MaxDuration
	}
	e.Expiry = now.Add(d)
	return *e
}

// Blacklisted reports whether the instance is currently excluded. Expired
// entries are pruned on the way out so the failure count restarts after a
// quiet period.
func (t *Tracker) Blacklisted(instanceID string, now time.Time) bool {
	e, ok := t.entries[instanceID]
	if !ok {
		return false
	}
	if e.Expired(now) {
		delete(t.entries, instanceID)
		return false
	}
	return true
}

// Remove drops the instance's entry outright. Used when the scheduler
// reports the instance killed: killed instances are removed, never left
// blacklisted.
func (t *Tracker) Remove(instanceID string) {
	delete(t.entries, instanceID)
}

// Sweep prunes all expired entries and returns the ids released.
func (t *Tracker) Sweep(now time.Time) []string {
	var released []string
	for id, e := range t.entries {
		if e.Expired(now) {
			delete(t.entries, id)
			released = append(released, id)
		}
	}
	return released
}

// Entries returns a copy of the live entries, for state queries.
func (t *Tracker) Entries() map[string]Entry {
	out := make(map[string]Entry, len(t.entries))
	for id, e := range t.entries {
		out[id] = *e
	}
	return out
}

// Len returns the number of entries, expired or not.
func (t *Tracker) Len() int {
	return len(t.entries)
}
