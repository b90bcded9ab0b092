package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/hook0/hook0-sub001/internal/logging"
)

func TestHealthMonitor_SafeRun_WarnsBeforeDisableThreshold(t *testing.T) {
	store := NewMemoryStore()
	past := time.Now().Add(-time.Hour)
	store.PutSubscription(&Subscription{
		ID: "sub_1", ApplicationID: "app_1", Enabled: true, Secret: "s",
		LabelFilter: map[string]string{}, EventTypes: []string{"e"},
		Target: Target{Method: "POST", URL: "https://example.test"},
		ConsecutiveFailures: 5, LastFailureAt: &past, CreatedAt: time.Now(),
	})

	bus := NewOpEventBus(8, logging.New("error", "text"))
	hm := NewHealthMonitor(store, bus, time.Minute, time.Minute, 24*time.Hour, logging.New("error", "text"))

	hm.safeRun(context.Background())

	sub, err := store.GetSubscription(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if !sub.Enabled {
		t.Fatal("expected subscription still enabled after only a warn transition")
	}

	select {
	case e := <-bus.Events():
		if e.Kind != OpEventEndpointWarning {
			t.Fatalf("expected a warning event, got %+v", e)
		}
	default:
		t.Fatal("expected a warning op event to be published")
	}
}

func TestHealthMonitor_SafeRun_DisablesPastDisableThreshold(t *testing.T) {
	store := NewMemoryStore()
	past := time.Now().Add(-48 * time.Hour)
	store.PutSubscription(&Subscription{
		ID: "sub_1", ApplicationID: "app_1", Enabled: true, Secret: "s",
		LabelFilter: map[string]string{}, EventTypes: []string{"e"},
		Target: Target{Method: "POST", URL: "https://example.test"},
		ConsecutiveFailures: 50, LastFailureAt: &past, CreatedAt: time.Now(),
	})

	bus := NewOpEventBus(8, logging.New("error", "text"))
	hm := NewHealthMonitor(store, bus, time.Minute, time.Hour, 24*time.Hour, logging.New("error", "text"))

	hm.safeRun(context.Background())

	sub, err := store.GetSubscription(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if sub.Enabled {
		t.Fatal("expected subscription to be disabled past the disable threshold")
	}
}

func TestHealthMonitor_NotifyRecovered_ClearsNotificationsAndEmitsEvent(t *testing.T) {
	store := NewMemoryStore()
	if err := store.RecordNotification(context.Background(), HealthNotification{SubscriptionID: "sub_1", Kind: NotificationWarn}); err != nil {
		t.Fatalf("RecordNotification: %v", err)
	}

	bus := NewOpEventBus(8, logging.New("error", "text"))
	hm := NewHealthMonitor(store, bus, time.Minute, time.Hour, 24*time.Hour, logging.New("error", "text"))

	hm.NotifyRecovered(context.Background(), "sub_1", true)

	if store.notifications["sub_1:warn"] {
		t.Error("expected the warn notification to be cleared on recovery")
	}

	select {
	case e := <-bus.Events():
		if e.Kind != OpEventEndpointRecovered {
			t.Fatalf("expected a recovered event, got %+v", e)
		}
	default:
		t.Fatal("expected a recovered op event to be published")
	}
}

func TestHealthMonitor_StartStop_TogglesRunning(t *testing.T) {
	store := NewMemoryStore()
	bus := NewOpEventBus(8, logging.New("error", "text"))
	hm := NewHealthMonitor(store, bus, time.Millisecond, time.Hour, 24*time.Hour, logging.New("error", "text"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hm.Start(ctx)
		close(done)
	}()

	waitUntil(t, func() bool { return hm.Running() })
	cancel()
	<-done

	if hm.Running() {
		t.Error("expected health monitor to stop running after context cancellation")
	}
}
