package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/steward/internal/types"
	"github.com/songzhibin97/steward/internal/worksteal"
)

func testInstance(serviceID, id string) types.ServiceInstance {
	return types.ServiceInstance{ID: id, ServiceID: serviceID, Host: "10.0.0.1", Port: 8080}
}

func snapshotFor(serviceID string, healthy ...types.ServiceInstance) types.Snapshot {
	return types.Snapshot{
		ServiceIDs: []string{serviceID},
		Healthy:    map[string][]types.ServiceInstance{serviceID: healthy},
		Unhealthy:  map[string][]types.ServiceInstance{},
		Killed:     map[string][]types.ServiceInstance{},
		Time:       time.Now(),
	}
}

type staticDescriptions map[string]types.ServiceDescription

func (s staticDescriptions) Get(_ context.Context, serviceID string) (*types.ServiceDescription, error) {
	if d, ok := s[serviceID]; ok {
		return &d, nil
	}
	return nil, errors.New("not found")
}

func startDispatcher(t *testing.T, cfg Config) (*Dispatcher, chan types.Snapshot) {
	t.Helper()
	d := New(cfg)
	snapshots := make(chan types.Snapshot, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx, snapshots)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, snapshots
}

func waitFor(t *testing.T, cond func() bool) {
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

func TestDispatcher_CreatesResponderOnFirstSight(t *testing.T) {
	d, snapshots := startDispatcher(t, Config{})

	snapshots <- snapshotFor("svc-1", testInstance("svc-1", "a"))
	waitFor(t, func() bool { return d.Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	inst, err := d.SelectInstance(ctx, "svc-1", 0)
	if err != nil {
		t.Fatalf("SelectInstance: %v", err)
	}
	if inst.ID != "a" {
		t.Errorf("selected %q, want a", inst.ID)
	}
}

func TestDispatcher_LazyCreateOnSelect(t *testing.T) {
	d, _ := startDispatcher(t, Config{})

	// A select against a service the syncer has not reported yet creates
	// its responder and parks until the caller's deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := d.SelectInstance(ctx, "unseen", 0); !errors.Is(err, types.ErrNoInstanceAvailable) {
		t.Errorf("SelectInstance = %v, want ErrNoInstanceAvailable", err)
	}
	if _, ok := d.Lookup("unseen"); !ok {
		t.Error("select did not create a responder")
	}
}

func TestDispatcher_LazyCreateOnBlacklist(t *testing.T) {
	d, _ := startDispatcher(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Blacklist(ctx, "unseen", "x", time.Minute, "flaky"); !errors.Is(err, types.ErrNoSuchInstance) {
		t.Errorf("Blacklist = %v, want ErrNoSuchInstance", err)
	}
	if _, ok := d.Lookup("unseen"); !ok {
		t.Error("blacklist did not create a responder")
	}
}

func TestDispatcher_AtMostOneResponderPerService(t *testing.T) {
	d, _ := startDispatcher(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const callers = 16
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	seen := make(map[any]bool)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := d.Ensure(ctx, "svc-1")
			if err != nil {
				t.Errorf("Ensure: %v", err)
				return
			}
			mu.Lock()
			seen[r] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 1 {
		t.Errorf("concurrent first-touch created %d responders, want 1", len(seen))
	}
	if d.Len() != 1 {
		t.Errorf("table holds %d responders, want 1", d.Len())
	}
}

func TestDispatcher_RemovesIdleResponderWhenServiceGone(t *testing.T) {
	d, snapshots := startDispatcher(t, Config{})

	snapshots <- snapshotFor("svc-1", testInstance("svc-1", "a"))
	waitFor(t, func() bool { return d.Len() == 1 })

	// An empty snapshot: the service disappeared and the responder is idle.
	snapshots <- types.Snapshot{Time: time.Now()}
	waitFor(t, func() bool { return d.Len() == 0 })
}

func TestDispatcher_KeepsBusyResponderDraining(t *testing.T) {
	d, snapshots := startDispatcher(t, Config{})

	snapshots <- snapshotFor("svc-1", testInstance("svc-1", "a"))
	waitFor(t, func() bool { return d.Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	inst, err := d.SelectInstance(ctx, "svc-1", 0)
	if err != nil {
		t.Fatalf("SelectInstance: %v", err)
	}

	snapshots <- types.Snapshot{Time: time.Now()}
	time.Sleep(50 * time.Millisecond)
	if d.Len() != 1 {
		t.Fatal("draining responder removed while a request was in flight")
	}

	d.Release("svc-1", inst.ID, false)
	snapshots <- types.Snapshot{Time: time.Now()}
	waitFor(t, func() bool { return d.Len() == 0 })
}

func TestDispatcher_OfferCreatesResponder(t *testing.T) {
	d, _ := startDispatcher(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	o := worksteal.NewOffer("router-2", "svc-new", testInstance("svc-new", "r1"))
	if err := d.Offer(ctx, o); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if d.Len() != 1 {
		t.Errorf("responders after offer = %d, want 1", d.Len())
	}
	// No local demand yet, so the offer itself is declined.
	if s := o.Await(time.Second); s != worksteal.StatusDeclined {
		t.Errorf("offer status = %s, want declined", s)
	}
}

func TestDispatcher_DescriptionsApplied(t *testing.T) {
	d, snapshots := startDispatcher(t, Config{
		Descriptions: staticDescriptions{
			"svc-1": {ServiceID: "svc-1", MaxQueueLength: 1, ConcurrencyLevel: 1},
		},
	})

	snapshots <- snapshotFor("svc-1") // no healthy instances
	waitFor(t, func() bool { return d.Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// One waiter fits the queue, the second overflows per the description.
	go func() { _, _ = d.SelectInstance(ctx, "svc-1", 0) }()
	waitFor(t, func() bool {
		st, err := d.QueryState(ctx, "svc-1")
		return err == nil && st.QueueLength == 1
	})
	if _, err := d.SelectInstance(ctx, "svc-1", 0); !errors.Is(err, types.ErrQueueFull) {
		t.Errorf("overflow select = %v, want ErrQueueFull", err)
	}
}

func TestDispatcher_QueryAllState(t *testing.T) {
	d, snapshots := startDispatcher(t, Config{})

	snapshots <- types.Snapshot{
		ServiceIDs: []string{"svc-1", "svc-2"},
		Healthy: map[string][]types.ServiceInstance{
			"svc-1": {testInstance("svc-1", "a")},
			"svc-2": {testInstance("svc-2", "b")},
		},
		Time: time.Now(),
	}
	waitFor(t, func() bool { return d.Len() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	all := d.QueryAllState(ctx)
	if len(all) != 2 {
		t.Fatalf("QueryAllState returned %d services, want 2", len(all))
	}
	if len(all["svc-1"].Available) != 1 || len(all["svc-2"].Available) != 1 {
		t.Errorf("merged state missing instances: %+v", all)
	}
}
