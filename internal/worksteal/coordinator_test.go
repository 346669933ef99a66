package worksteal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/steward/internal/store/driver/memory"
	"github.com/songzhibin97/steward/internal/types"
)

type resolution struct {
	serviceID string
	cid       string
	accepted  bool
}

type fakeCapacity struct {
	mu         sync.Mutex
	services   []string
	queueLens  map[string]int
	reserveErr error
	reserves   []string
	resolved   []resolution
}

func (f *fakeCapacity) ServiceIDs() []string {
	return f.services
}

func (f *fakeCapacity) QueueLength(_ context.Context, serviceID string) int {
	return f.queueLens[serviceID]
}

func (f *fakeCapacity) Reserve(_ context.Context, serviceID string) (types.ServiceInstance, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveErr != nil {
		return types.ServiceInstance{}, "", f.reserveErr
	}
	f.reserves = append(f.reserves, serviceID)
	return testInstance("inst-1"), "cid-1", nil
}

func (f *fakeCapacity) OfferResolved(serviceID, cid string, accepted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, resolution{serviceID, cid, accepted})
}

func (f *fakeCapacity) resolutions() []resolution {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]resolution, len(f.resolved))
	copy(out, f.resolved)
	return out
}

func (f *fakeCapacity) reserveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reserves)
}

// fakeSender captures sent offers and can reply to them.
type fakeSender struct {
	mu     sync.Mutex
	offers []*Offer
	err    error
	reply  func(*Offer)
}

func (f *fakeSender) SendOffer(_ context.Context, offer *Offer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.offers = append(f.offers, offer)
	if f.reply != nil {
		f.reply(offer)
	}
	return nil
}

func (f *fakeSender) sent() []*Offer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Offer, len(f.offers))
	copy(out, f.offers)
	return out
}

func waitForCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func newTestCoordinator(routerID string, capSrc *fakeCapacity, shared *memory.MemoryStore) *Coordinator {
	return NewCoordinator(CoordinatorConfig{
		RouterID:     routerID,
		Interval:     10 * time.Millisecond,
		ReplyTimeout: 50 * time.Millisecond,
		DemandTTL:    time.Second,
		Capacity:     capSrc,
		Shared:       shared,
	})
}

func TestCoordinator_PublishesAndClearsDemand(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	capSrc := &fakeCapacity{
		services:  []string{"svc-1", "svc-2"},
		queueLens: map[string]int{"svc-1": 3, "svc-2": 0},
	}
	c := newTestCoordinator("router-1", capSrc, shared)

	c.tick(ctx)

	got, err := shared.Get(ctx, "demand/router-1/svc-1")
	if err != nil {
		t.Fatalf("Get demand: %v", err)
	}
	if string(got) != "3" {
		t.Errorf("demand = %q, want 3", got)
	}
	if ok, _ := shared.Exists(ctx, "demand/router-1/svc-2"); ok {
		t.Error("zero-demand service should not publish a key")
	}

	// Queue drains: the key is cleared on the next tick.
	capSrc.queueLens["svc-1"] = 0
	c.tick(ctx)
	if ok, _ := shared.Exists(ctx, "demand/router-1/svc-1"); ok {
		t.Error("drained demand key should be deleted")
	}
}

func TestCoordinator_OffersToPeerWithDemand(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	if err := shared.Set(ctx, "demand/router-2/svc-1", []byte("2"), time.Minute); err != nil {
		t.Fatal(err)
	}

	capSrc := &fakeCapacity{services: []string{"svc-1"}, queueLens: map[string]int{}}
	c := newTestCoordinator("router-1", capSrc, shared)
	sender := &fakeSender{reply: func(o *Offer) { o.Accept() }}
	c.AddPeer("router-2", sender)

	c.tick(ctx)

	if n := capSrc.reserveCount(); n != 1 {
		t.Fatalf("reserve count = %d, want 1", n)
	}
	offers := sender.sent()
	if len(offers) != 1 {
		t.Fatalf("sent offers = %d, want 1", len(offers))
	}
	if offers[0].ServiceID != "svc-1" || offers[0].RouterID != "router-1" {
		t.Errorf("offer = %+v", offers[0])
	}

	waitForCond(t, func() bool { return len(capSrc.resolutions()) == 1 })
	res := capSrc.resolutions()[0]
	if !res.accepted || res.cid != "cid-1" || res.serviceID != "svc-1" {
		t.Errorf("resolution = %+v, want accepted cid-1 svc-1", res)
	}
}

func TestCoordinator_IgnoresOwnAndUnknownDemand(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	// Own demand and demand from a router with no registered sender.
	shared.Set(ctx, "demand/router-1/svc-1", []byte("5"), time.Minute)
	shared.Set(ctx, "demand/router-9/svc-1", []byte("5"), time.Minute)

	capSrc := &fakeCapacity{services: []string{"svc-1"}, queueLens: map[string]int{}}
	c := newTestCoordinator("router-1", capSrc, shared)

	c.tick(ctx)

	if n := capSrc.reserveCount(); n != 0 {
		t.Errorf("reserve count = %d, want 0", n)
	}
}

func TestCoordinator_SendFailureRevertsReservation(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	shared.Set(ctx, "demand/router-2/svc-1", []byte("1"), time.Minute)

	capSrc := &fakeCapacity{services: []string{"svc-1"}, queueLens: map[string]int{}}
	c := newTestCoordinator("router-1", capSrc, shared)
	c.AddPeer("router-2", &fakeSender{err: errors.New("connection refused")})

	c.tick(ctx)

	res := capSrc.resolutions()
	if len(res) != 1 || res[0].accepted {
		t.Fatalf("resolutions = %+v, want one declined", res)
	}
}

func TestCoordinator_ReplyTimeoutRevertsReservation(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	shared.Set(ctx, "demand/router-2/svc-1", []byte("1"), time.Minute)

	capSrc := &fakeCapacity{services: []string{"svc-1"}, queueLens: map[string]int{}}
	c := newTestCoordinator("router-1", capSrc, shared)
	c.AddPeer("router-2", &fakeSender{}) // never replies

	c.tick(ctx)

	waitForCond(t, func() bool { return len(capSrc.resolutions()) == 1 })
	if res := capSrc.resolutions()[0]; res.accepted {
		t.Errorf("resolution = %+v, want declined after timeout", res)
	}
}

func TestCoordinator_NoReserveWhenNoInstanceIdle(t *testing.T) {
	ctx := context.Background()
	shared := memory.New()
	shared.Set(ctx, "demand/router-2/svc-1", []byte("1"), time.Minute)

	capSrc := &fakeCapacity{
		services:   []string{"svc-1"},
		queueLens:  map[string]int{},
		reserveErr: types.ErrNoInstanceAvailable,
	}
	c := newTestCoordinator("router-1", capSrc, shared)
	sender := &fakeSender{}
	c.AddPeer("router-2", sender)

	c.tick(ctx)

	if n := len(sender.sent()); n != 0 {
		t.Errorf("sent offers = %d, want 0 when nothing is idle", n)
	}
}
