//go:build integration

package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hook0/hook0-sub001/internal/testutil"
)

// TestPostgresStore_Pickup_ConcurrentWorkersClaimExactlyOnce spins up a real
// Postgres in a container to exercise SELECT ... FOR UPDATE SKIP LOCKED
// under genuine concurrent connections, something MemoryStore's single-mutex
// implementation cannot faithfully reproduce.
func TestPostgresStore_Pickup_ConcurrentWorkersClaimExactlyOnce(t *testing.T) {
	db, cleanup := testutil.PGContainer(t)
	defer cleanup()

	db.SetMaxOpenConns(10)
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

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := store.Pickup(context.Background(), uuid.NewString())
			if err == ErrNotFound {
				return
			}
			if err != nil {
				t.Errorf("worker %d pickup: %v", n, err)
				return
			}
			mu.Lock()
			winners = append(winners, result.Attempt.ID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly one worker to claim the attempt under FOR UPDATE SKIP LOCKED, got %d: %v", len(winners), winners)
	}
}
