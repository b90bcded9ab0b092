package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/hook0/hook0-sub001/internal/logging"
)

func TestReaper_ClearOrphanFIFOStates_ClearsStaleGate(t *testing.T) {
	store := NewMemoryStore()
	sub := newSub("sub_1", true, "e")
	store.PutSubscription(sub)

	if _, err := store.Dispatch(context.Background(), Event{
		ID: "evt_1", ApplicationID: "app_1", Type: "e", OccurredAt: time.Now(), Labels: map[string]string{},
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	result, err := store.Pickup(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("Pickup: %v", err)
	}
	// Back-date the pick so it looks stuck past the orphan threshold.
	store.attempts[result.Attempt.ID].PickedAt = timePtr(time.Now().Add(-time.Hour))

	r := NewReaper(store, time.Minute, time.Second, logging.New("error", "text"))
	cleared, err := store.ClearOrphanFIFOStates(context.Background(), 1)
	if err != nil {
		t.Fatalf("ClearOrphanFIFOStates: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared gate, got %d", cleared)
	}

	if r.Running() {
		t.Error("expected reaper not running before Start is called")
	}
}

func TestReaper_StartStop_TogglesRunning(t *testing.T) {
	store := NewMemoryStore()
	r := NewReaper(store, time.Millisecond, time.Minute, logging.New("error", "text"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	waitUntil(t, func() bool { return r.Running() })
	cancel()
	<-done

	if r.Running() {
		t.Error("expected reaper to stop running after context cancellation")
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
