package delivery

import (
	"context"
	"testing"

	"github.com/hook0/hook0-sub001/internal/logging"
)

func TestOpEventBus_PublishAndConsume(t *testing.T) {
	bus := NewOpEventBus(1, logging.New("error", "text"))

	bus.Publish(context.Background(), OpEvent{Kind: OpEventEndpointWarning, SubscriptionID: "sub_1"})

	select {
	case e := <-bus.Events():
		if e.Kind != OpEventEndpointWarning || e.SubscriptionID != "sub_1" {
			t.Fatalf("unexpected event: %+v", e)
		}
		if e.OccurredAt.IsZero() {
			t.Error("expected OccurredAt to be stamped")
		}
	default:
		t.Fatal("expected event to be available on the channel")
	}
}

func TestOpEventBus_DropsWhenFull(t *testing.T) {
	bus := NewOpEventBus(1, logging.New("error", "text"))

	bus.Publish(context.Background(), OpEvent{Kind: OpEventAttemptExhausted, SubscriptionID: "sub_1"})
	// Channel is now full (capacity 1, nothing drained yet); this publish must
	// not block and must be dropped rather than overwrite the first event.
	bus.Publish(context.Background(), OpEvent{Kind: OpEventAttemptExhausted, SubscriptionID: "sub_2"})

	e := <-bus.Events()
	if e.SubscriptionID != "sub_1" {
		t.Fatalf("expected first published event to survive, got %+v", e)
	}
	select {
	case extra := <-bus.Events():
		t.Fatalf("expected no second event, got %+v", extra)
	default:
	}
}
