package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/songzhibin97/steward/internal/store/driver/memory"
	"github.com/songzhibin97/steward/internal/types"
)

func TestStoreScheduler_StateRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	sched := NewStoreScheduler(backend)

	want := types.Snapshot{
		ServiceIDs: []string{"svc-1"},
		Healthy: map[string][]types.ServiceInstance{
			"svc-1": {{ID: "inst-1", ServiceID: "svc-1", Host: "10.0.0.1", Port: 9000}},
		},
		Time: time.Now().Truncate(time.Second),
	}
	raw, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	if err := backend.Put(ctx, StateKey, raw); err != nil {
		t.Fatal(err)
	}

	got, err := sched.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if len(got.ServiceIDs) != 1 || got.ServiceIDs[0] != "svc-1" {
		t.Errorf("service ids = %v", got.ServiceIDs)
	}
	if len(got.Healthy["svc-1"]) != 1 || got.Healthy["svc-1"][0].ID != "inst-1" {
		t.Errorf("healthy = %v", got.Healthy)
	}
}

func TestStoreScheduler_MissingStateIsEmpty(t *testing.T) {
	sched := NewStoreScheduler(memory.New())
	snap, err := sched.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if len(snap.ServiceIDs) != 0 {
		t.Errorf("service ids = %v, want empty", snap.ServiceIDs)
	}
	if snap.Time.IsZero() {
		t.Error("empty snapshot should still carry a timestamp")
	}
}

func TestStoreScheduler_CorruptState(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	if err := backend.Put(ctx, StateKey, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStoreScheduler(backend).State(ctx); err == nil {
		t.Error("State should fail on corrupt data")
	}
}

func TestStoreScheduler_Commands(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	sched := NewStoreScheduler(backend)

	if err := sched.LaunchInstances(ctx, "svc-1", 3); err != nil {
		t.Fatalf("LaunchInstances: %v", err)
	}
	if err := sched.KillInstance(ctx, "svc-1", "inst-1"); err != nil {
		t.Fatalf("KillInstance: %v", err)
	}

	queued, err := backend.List(ctx, CommandPrefix)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 2 {
		t.Fatalf("queued commands = %d, want 2", len(queued))
	}
	actions := map[string]Command{}
	for _, raw := range queued {
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			t.Fatal(err)
		}
		actions[cmd.Action] = cmd
	}
	if launch := actions["launch"]; launch.ServiceID != "svc-1" || launch.Count != 3 {
		t.Errorf("launch command = %+v", launch)
	}
	if kill := actions["kill"]; kill.InstanceID != "inst-1" {
		t.Errorf("kill command = %+v", kill)
	}
}

func TestStoreScheduler_CommandValidation(t *testing.T) {
	sched := NewStoreScheduler(memory.New())
	if err := sched.LaunchInstances(context.Background(), "svc-1", 0); err == nil {
		t.Error("zero launch count should fail")
	}
	if err := sched.KillInstance(context.Background(), "svc-1", ""); err == nil {
		t.Error("empty instance id should fail")
	}
}
