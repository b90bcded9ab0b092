//go:build integration

package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hook0/hook0-sub001/internal/testutil"
)

func seedSubscription(t *testing.T, store *PostgresStore, sub Subscription) {
	t.Helper()

	labelFilter, err := marshalLabels(sub.LabelFilter)
	if err != nil {
		t.Fatalf("marshal label filter: %v", err)
	}

	_, err = store.db.Exec(`
		INSERT INTO subscriptions (id, application_id, enabled, secret, description, label_filter,
			event_types, target_method, target_url, target_headers, retry_policy_id, fifo,
			worker_affinity, consecutive_failures, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, '{}'::jsonb, NULLIF($10, ''), $11, $12, 0, now())
	`, sub.ID, sub.ApplicationID, sub.Enabled, sub.Secret, sub.Description, labelFilter,
		pq.Array(sub.EventTypes), sub.Target.Method, sub.Target.URL, sub.RetryPolicyID, sub.FIFO,
		pq.Array(sub.WorkerAffinity))
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
}

func TestPostgresStore_DispatchAndPickup_FIFOOrdersAttempts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	subID := "sub_" + uuid.NewString()
	seedSubscription(t, store, Subscription{
		ID:            subID,
		ApplicationID: "app_1",
		Enabled:       true,
		Secret:        "whsec_test",
		EventTypes:    []string{"order.created"},
		Target:        Target{Method: "POST", URL: "https://example.test/hook"},
		FIFO:          true,
	})

	first := Event{
		ID: "evt_" + uuid.NewString(), ApplicationID: "app_1", Type: "order.created",
		OccurredAt: time.Now().Add(-time.Minute), ReceivedAt: time.Now().Add(-time.Minute),
		Payload: []byte(`{}`), PayloadContentType: "application/json",
	}
	second := Event{
		ID: "evt_" + uuid.NewString(), ApplicationID: "app_1", Type: "order.created",
		OccurredAt: time.Now(), ReceivedAt: time.Now(),
		Payload: []byte(`{}`), PayloadContentType: "application/json",
	}

	if n, err := store.Dispatch(context.Background(), first); err != nil || n != 1 {
		t.Fatalf("dispatch first: n=%d err=%v", n, err)
	}
	if n, err := store.Dispatch(context.Background(), second); err != nil || n != 1 {
		t.Fatalf("dispatch second: n=%d err=%v", n, err)
	}

	result, err := store.Pickup(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if result.Event.ID != first.ID {
		t.Fatalf("expected FIFO pickup of first event, got %s", result.Event.ID)
	}

	// The gate now holds the first attempt; the second must not be pickable
	// by a concurrent worker until the first is finalized.
	if _, err := store.Pickup(context.Background(), "worker-2"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound while FIFO gate is held, got %v", err)
	}

	if err := store.FinalizeSuccess(context.Background(), result.Attempt.ID, Response{StatusCode: intPtr(200)}); err != nil {
		t.Fatalf("finalize success: %v", err)
	}

	second2, err := store.Pickup(context.Background(), "worker-2")
	if err != nil {
		t.Fatalf("pickup after gate release: %v", err)
	}
	if second2.Event.ID != second.ID {
		t.Fatalf("expected second event after gate release, got %s", second2.Event.ID)
	}
}

func TestPostgresStore_FinalizeFailure_SchedulesRetryThenExhausts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	subID := "sub_" + uuid.NewString()
	seedSubscription(t, store, Subscription{
		ID: subID, ApplicationID: "app_1", Enabled: true, Secret: "whsec_test",
		EventTypes: []string{"order.created"}, Target: Target{Method: "POST", URL: "https://example.test/hook"},
	})

	evt := Event{
		ID: "evt_" + uuid.NewString(), ApplicationID: "app_1", Type: "order.created",
		OccurredAt: time.Now(), ReceivedAt: time.Now(), Payload: []byte(`{}`), PayloadContentType: "application/json",
	}
	if _, err := store.Dispatch(context.Background(), evt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	result, err := store.Pickup(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("pickup: %v", err)
	}

	if err := store.FinalizeFailure(context.Background(), result.Attempt.ID, Response{StatusCode: intPtr(500)}, Decision{Delay: 0}); err != nil {
		t.Fatalf("finalize failure: %v", err)
	}

	retried, err := store.Pickup(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("pickup retry: %v", err)
	}
	if retried.Attempt.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", retried.Attempt.RetryCount)
	}

	if err := store.FinalizeFailure(context.Background(), retried.Attempt.ID, Response{StatusCode: intPtr(500)}, Decision{Exhausted: true}); err != nil {
		t.Fatalf("finalize exhaustion: %v", err)
	}

	if _, err := store.Pickup(context.Background(), "worker-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after exhaustion, got %v", err)
	}

	sub, err := store.GetSubscription(context.Background(), subID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.ConsecutiveFailures != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", sub.ConsecutiveFailures)
	}
}

func TestPostgresStore_ClearOrphanFIFOStates_ClearsStuckGate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	subID := "sub_" + uuid.NewString()
	seedSubscription(t, store, Subscription{
		ID: subID, ApplicationID: "app_1", Enabled: true, Secret: "whsec_test",
		EventTypes: []string{"order.created"}, Target: Target{Method: "POST", URL: "https://example.test/hook"},
		FIFO: true,
	})

	evt := Event{
		ID: "evt_" + uuid.NewString(), ApplicationID: "app_1", Type: "order.created",
		OccurredAt: time.Now(), ReceivedAt: time.Now(), Payload: []byte(`{}`), PayloadContentType: "application/json",
	}
	if _, err := store.Dispatch(context.Background(), evt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	result, err := store.Pickup(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("pickup: %v", err)
	}

	// Simulate a worker that picked the attempt and then died.
	if _, err := db.Exec(`UPDATE request_attempts SET picked_at = now() - interval '1 hour' WHERE id = $1`, result.Attempt.ID); err != nil {
		t.Fatalf("backdate picked_at: %v", err)
	}

	cleared, err := store.ClearOrphanFIFOStates(context.Background(), 60)
	if err != nil {
		t.Fatalf("clear orphans: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared FIFO state, got %d", cleared)
	}
}

func TestPostgresStore_ScanUnhealthySubscriptions_ReportsDisableTransition(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	subID := "sub_" + uuid.NewString()
	seedSubscription(t, store, Subscription{
		ID: subID, ApplicationID: "app_1", Enabled: true, Secret: "whsec_test",
		EventTypes: []string{"order.created"}, Target: Target{Method: "POST", URL: "https://example.test/hook"},
	})
	if _, err := db.Exec(`
		UPDATE subscriptions SET consecutive_failures = 10, last_failure_at = now() - interval '2 days' WHERE id = $1
	`, subID); err != nil {
		t.Fatalf("seed failure streak: %v", err)
	}

	transitions, err := store.ScanUnhealthySubscriptions(context.Background(), 3600, 86400)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(transitions) != 1 || transitions[0].Kind != TransitionDisable {
		t.Fatalf("expected one disable transition, got %+v", transitions)
	}

	if err := store.DisableSubscription(context.Background(), subID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	sub, err := store.GetSubscription(context.Background(), subID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.Enabled {
		t.Fatal("expected subscription to be disabled")
	}
}
