package delivery

import (
	"context"
	"testing"
	"time"
)

func newSub(id string, fifo bool, eventTypes ...string) *Subscription {
	return &Subscription{
		ID:            id,
		ApplicationID: "app_1",
		Enabled:       true,
		Secret:        "s3cr3t",
		LabelFilter:   map[string]string{},
		EventTypes:    eventTypes,
		Target:        Target{Method: "POST", URL: "https://example.test/hook"},
		FIFO:          fifo,
		CreatedAt:     time.Now(),
	}
}

func TestMemoryStore_Dispatch_MatchesByTypeAndLabels(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sub := newSub("sub_1", false, "payment.created")
	sub.LabelFilter = map[string]string{"region": "eu"}
	store.PutSubscription(sub)

	store.PutSubscription(newSub("sub_2", false, "payment.failed"))

	created, err := store.Dispatch(ctx, Event{
		ID:            "evt_1",
		ApplicationID: "app_1",
		Type:          "payment.created",
		OccurredAt:    time.Now(),
		Labels:        map[string]string{"region": "eu", "env": "prod"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected 1 match, got %d", created)
	}
}

func TestMemoryStore_Dispatch_SkipsDisabledAndDeleted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	disabled := newSub("sub_1", false, "e")
	disabled.Enabled = false
	store.PutSubscription(disabled)

	deletedAt := time.Now()
	deleted := newSub("sub_2", false, "e")
	deleted.DeletedAt = &deletedAt
	store.PutSubscription(deleted)

	created, err := store.Dispatch(ctx, Event{ID: "evt_1", ApplicationID: "app_1", Type: "e", OccurredAt: time.Now()})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if created != 0 {
		t.Fatalf("expected 0 matches, got %d", created)
	}
}

func TestMemoryStore_Pickup_ReturnsErrNotFoundWhenEmpty(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Pickup(context.Background(), "worker-1")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Pickup_HonorsWorkerAffinity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sub := newSub("sub_1", false, "e")
	sub.WorkerAffinity = []string{"worker-a"}
	store.PutSubscription(sub)
	if _, err := store.Dispatch(ctx, Event{ID: "evt_1", ApplicationID: "app_1", Type: "e", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if _, err := store.Pickup(ctx, "worker-b"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for non-affine worker, got %v", err)
	}
	res, err := store.Pickup(ctx, "worker-a")
	if err != nil {
		t.Fatalf("Pickup: %v", err)
	}
	if res.Subscription.ID != "sub_1" {
		t.Fatalf("unexpected subscription %s", res.Subscription.ID)
	}
}

func TestMemoryStore_Pickup_FIFOBlocksSecondAttemptUntilFirstCompletes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sub := newSub("sub_1", true, "e")
	store.PutSubscription(sub)

	if _, err := store.Dispatch(ctx, Event{ID: "evt_1", ApplicationID: "app_1", Type: "e", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("Dispatch evt_1: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := store.Dispatch(ctx, Event{ID: "evt_2", ApplicationID: "app_1", Type: "e", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("Dispatch evt_2: %v", err)
	}

	first, err := store.Pickup(ctx, "worker-1")
	if err != nil {
		t.Fatalf("first Pickup: %v", err)
	}
	if first.Event.ID != "evt_1" {
		t.Fatalf("expected evt_1 picked first, got %s", first.Event.ID)
	}

	if _, err := store.Pickup(ctx, "worker-1"); err != ErrNotFound {
		t.Fatalf("expected second pickup to be gated while first is in flight, got %v", err)
	}

	if err := store.FinalizeSuccess(ctx, first.Attempt.ID, Response{StatusCode: intPtr(200)}); err != nil {
		t.Fatalf("FinalizeSuccess: %v", err)
	}

	second, err := store.Pickup(ctx, "worker-1")
	if err != nil {
		t.Fatalf("second Pickup after gate clears: %v", err)
	}
	if second.Event.ID != "evt_2" {
		t.Fatalf("expected evt_2 picked second, got %s", second.Event.ID)
	}
}

func TestMemoryStore_FinalizeFailure_SchedulesRetryAndAdvancesFIFO(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sub := newSub("sub_1", true, "e")
	store.PutSubscription(sub)
	if _, err := store.Dispatch(ctx, Event{ID: "evt_1", ApplicationID: "app_1", Type: "e", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	first, err := store.Pickup(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Pickup: %v", err)
	}

	if err := store.FinalizeFailure(ctx, first.Attempt.ID, Response{StatusCode: intPtr(500)}, Decision{Delay: time.Hour}); err != nil {
		t.Fatalf("FinalizeFailure: %v", err)
	}

	sub2, err := store.GetSubscription(ctx, "sub_1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if sub2.ConsecutiveFailures != 1 {
		t.Fatalf("expected consecutive_failures=1, got %d", sub2.ConsecutiveFailures)
	}

	fs := store.fifoStates["sub_1"]
	if fs == nil || fs.CurrentAttemptID == nil || *fs.CurrentAttemptID == first.Attempt.ID {
		t.Fatalf("expected FIFO gate to advance to the retry attempt, got %+v", fs)
	}

	// retry is delayed an hour out, so it is not yet pickable.
	if _, err := store.Pickup(ctx, "worker-1"); err != ErrNotFound {
		t.Fatalf("expected retry to be gated by delay_until, got %v", err)
	}
}

func TestMemoryStore_FinalizeFailure_ExhaustionDoesNotResetFailureCounter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sub := newSub("sub_1", false, "e")
	store.PutSubscription(sub)
	if _, err := store.Dispatch(ctx, Event{ID: "evt_1", ApplicationID: "app_1", Type: "e", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	res, err := store.Pickup(ctx, "worker-1")
	if err != nil {
		t.Fatalf("Pickup: %v", err)
	}

	if err := store.FinalizeFailure(ctx, res.Attempt.ID, Response{StatusCode: intPtr(500)}, Decision{Exhausted: true}); err != nil {
		t.Fatalf("FinalizeFailure: %v", err)
	}

	sub2, _ := store.GetSubscription(ctx, "sub_1")
	if sub2.ConsecutiveFailures != 1 {
		t.Fatalf("expected failure counter to remain at 1 after exhaustion, got %d", sub2.ConsecutiveFailures)
	}
}

func TestMemoryStore_ScanUnhealthySubscriptions_WarnThenDedup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	longAgo := time.Now().Add(-2 * time.Hour)
	sub := newSub("sub_1", false, "e")
	sub.ConsecutiveFailures = 5
	sub.LastFailureAt = &longAgo
	store.PutSubscription(sub)

	transitions, err := store.ScanUnhealthySubscriptions(ctx, int64(time.Hour.Seconds()), int64((3*time.Hour).Seconds()))
	if err != nil {
		t.Fatalf("ScanUnhealthySubscriptions: %v", err)
	}
	if len(transitions) != 1 || transitions[0].Kind != TransitionWarn {
		t.Fatalf("expected a single warn transition, got %+v", transitions)
	}

	if err := store.RecordNotification(ctx, HealthNotification{SubscriptionID: "sub_1", Kind: NotificationWarn}); err != nil {
		t.Fatalf("RecordNotification: %v", err)
	}

	again, err := store.ScanUnhealthySubscriptions(ctx, int64(time.Hour.Seconds()), int64((3*time.Hour).Seconds()))
	if err != nil {
		t.Fatalf("ScanUnhealthySubscriptions (2nd): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected warn to be deduped, got %+v", again)
	}
}

func intPtr(v int) *int { return &v }
