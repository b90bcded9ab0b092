package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opEventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hook0",
		Subsystem: "opevents",
		Name:      "published_total",
		Help:      "Total operational events published by kind.",
	}, []string{"kind"})

	opEventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hook0",
		Subsystem: "opevents",
		Name:      "dropped_total",
		Help:      "Total operational events dropped because the control channel was full.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(opEventsPublishedTotal, opEventsDroppedTotal)
}

// OpEventKind names one operational event kind the notification subsystem
// consumes.
type OpEventKind string

const (
	OpEventEndpointWarning   OpEventKind = "endpoint.warning"
	OpEventEndpointDisabled  OpEventKind = "endpoint.disabled"
	OpEventEndpointRecovered OpEventKind = "endpoint.recovered"
	OpEventAttemptExhausted  OpEventKind = "message.attempt.exhausted"
)

// OpEvent is one structured internal event published to the control channel
// the notification subsystem consumes.
type OpEvent struct {
	Kind           OpEventKind
	SubscriptionID string
	AttemptID      string
	OccurredAt     time.Time
}

// OpEventBus is a fire-and-forget, best-effort publisher: an event that
// does not fit in the buffer is dropped, logged and counted, never returned
// to the caller, so a blocked notification subsystem cannot stall delivery
// or the health monitor. A dropped event is not re-published.
//
// The control channel downstream of this bus (a message broker, a webhook
// fan-out to the notification subsystem) is outside the delivery core's
// scope; this type owns only the buffered handoff out of it.
type OpEventBus struct {
	ch     chan OpEvent
	logger *slog.Logger
}

// NewOpEventBus creates a bus with the given channel capacity. A consumer
// must drain Events() or the buffer will fill and new
// events will be dropped (and counted) rather than block the publisher.
func NewOpEventBus(capacity int, logger *slog.Logger) *OpEventBus {
	return &OpEventBus{
		ch:     make(chan OpEvent, capacity),
		logger: logger,
	}
}

// Events returns the channel consumers should range over.
func (b *OpEventBus) Events() <-chan OpEvent { return b.ch }

// Publish enqueues an operational event without blocking. If the channel is
// full the event is dropped and counted. Callers do not retry: the health
// monitor records its warn/disable notification whether or not the event was
// enqueued, and the worker publishes an exhaustion event only once.
func (b *OpEventBus) Publish(_ context.Context, e OpEvent) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	select {
	case b.ch <- e:
		opEventsPublishedTotal.WithLabelValues(string(e.Kind)).Inc()
	default:
		opEventsDroppedTotal.WithLabelValues(string(e.Kind)).Inc()
		if b.logger != nil {
			b.logger.Warn("opevents: control channel full, dropping event",
				"kind", e.Kind, "subscription_id", e.SubscriptionID, "attempt_id", e.AttemptID)
		}
	}
}
