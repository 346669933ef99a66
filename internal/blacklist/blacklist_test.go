package blacklist

import (
	"testing"
	"time"
)

func TestComputeBackoff(t *testing.T) {
	base := 10 * time.Second
	max := 5 * time.Minute

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 10 * time.Second}, // clamped to 1
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{5, 160 * time.Second},
		{6, 5 * time.Minute}, // 320s capped
		{10, 5 * time.Minute},
		{100, 5 * time.Minute}, // no overflow
	}

	for _, tt := range tests {
		got := ComputeBackoff(tt.failures, base, max)
		if got != tt.want {
			t.Errorf("ComputeBackoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestComputeBackoff_Monotone(t *testing.T) {
	base := 100 * time.Millisecond
	max := 30 * time.Second

	prev := time.Duration(0)
	for n := 1; n <= 64; n++ {
		d := ComputeBackoff(n, base, max)
		if d < prev {
			t.Fatalf("backoff decreased at n=%d: %v < %v", n, d, prev)
		}
		if d > max {
			t.Fatalf("backoff exceeded cap at n=%d: %v", n, d)
		}
		prev = d
	}
}

func TestTracker_RepeatedFailuresIncrement(t *testing.T) {
	tr := NewTracker(Config{BackoffBase: 10 * time.Second, MaxDuration: 5 * time.Minute})
	now := time.Now()

	e1 := tr.Blacklist("inst-1", 0, "error", now)
	if e1.ConsecutiveFailures != 1 {
		t.Errorf("first failure count = %d, want 1", e1.ConsecutiveFailures)
	}

	e2 := tr.Blacklist("inst-1", 0, "error", now)
	if e2.ConsecutiveFailures != 2 {
		t.Errorf("second failure count = %d, want 2", e2.ConsecutiveFailures)
	}
	if !e2.Expiry.After(e1.Expiry) {
		t.Errorf("expiry not extended: first %v, second %v", e1.Expiry, e2.Expiry)
	}
}

func TestTracker_ExplicitPeriod(t *testing.T) {
	tr := NewTracker(Config{BackoffBase: 10 * time.Second, MaxDuration: time.Minute})
	now := time.Now()

	e := tr.Blacklist("inst-1", 500*time.Millisecond, "killed", now)
	if got, want := e.Expiry, now.Add(500*time.Millisecond); !got.Equal(want) {
		t.Errorf("expiry = %v, want %v", got, want)
	}

	// Periods beyond the cap are clamped.
	e = tr.Blacklist("inst-2", time.Hour, "killed", now)
	if got, want := e.Expiry, now.Add(time.Minute); !got.Equal(want) {
		t.Errorf("capped expiry = %v, want %v", got, want)
	}
}

func TestTracker_ExpiryReleases(t *testing.T) {
	tr := NewTracker(Config{BackoffBase: time.Second, MaxDuration: time.Minute})
	now := time.Now()

	tr.Blacklist("inst-1", 0, "error", now)
	if !tr.Blacklisted("inst-1", now) {
		t.Fatal("expected inst-1 blacklisted immediately after entry")
	}
	if tr.Blacklisted("inst-1", now.Add(2*time.Second)) {
		t.Error("expected inst-1 released after expiry")
	}
	// Pruned on the expired read: a fresh failure starts over at 1.
	e := tr.Blacklist("inst-1", 0, "error", now.Add(2*time.Second))
	if e.ConsecutiveFailures != 1 {
		t.Errorf("failure count after prune = %d, want 1", e.ConsecutiveFailures)
	}
}

func TestTracker_RemoveAndSweep(t *testing.T) {
	tr := NewTracker(Config{BackoffBase: time.Second, MaxDuration: time.Minute})
	now := time.Now()

	tr.Blacklist("a", 0, "error", now)
	tr.Blacklist("b", time.Minute, "error", now)

	tr.Remove("b")
	if tr.Blacklisted("b", now) {
		t.Error("expected b removed outright")
	}

	released := tr.Sweep(now.Add(5 * time.Second))
	if len(released) != 1 || released[0] != "a" {
		t.Errorf("Sweep released %v, want [a]", released)
	}
	if tr.Len() != 0 {
		t.Errorf("entries after sweep = %d, want 0", tr.Len())
	}
}
