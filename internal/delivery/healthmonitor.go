package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hook0/hook0-sub001/internal/metrics"
)

// HealthMonitor periodically scans subscriptions for sustained delivery
// failure and warns, then disables, endpoints that stay unhealthy past
// configured thresholds.
type HealthMonitor struct {
	store            Store
	bus              *OpEventBus
	interval         time.Duration
	warnThreshold    time.Duration
	disableThreshold time.Duration
	logger           *slog.Logger
	stop             chan struct{}
	running          atomic.Bool
}

// NewHealthMonitor builds a health monitor that runs every interval.
func NewHealthMonitor(store Store, bus *OpEventBus, interval, warnThreshold, disableThreshold time.Duration, logger *slog.Logger) *HealthMonitor {
	return &HealthMonitor{
		store:            store,
		bus:              bus,
		interval:         interval,
		warnThreshold:    warnThreshold,
		disableThreshold: disableThreshold,
		logger:           logger,
		stop:             make(chan struct{}),
	}
}

// Running reports whether the monitor loop is actively running.
func (h *HealthMonitor) Running() bool { return h.running.Load() }

// Start begins the periodic health-scan loop. Call in a goroutine.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.safeRun(ctx)
		}
	}
}

// Stop signals the monitor to stop.
func (h *HealthMonitor) Stop() {
	select {
	case h.stop <- struct{}{}:
	default:
	}
}

func (h *HealthMonitor) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic in health monitor", "panic", fmt.Sprint(r))
		}
	}()

	transitions, err := h.store.ScanUnhealthySubscriptions(ctx, int64(h.warnThreshold.Seconds()), int64(h.disableThreshold.Seconds()))
	if err != nil {
		h.logger.Warn("health scan failed", "error", err)
		return
	}

	for _, t := range transitions {
		switch t.Kind {
		case TransitionWarn:
			h.bus.Publish(ctx, OpEvent{Kind: OpEventEndpointWarning, SubscriptionID: t.SubscriptionID})
			if err := h.store.RecordNotification(ctx, HealthNotification{SubscriptionID: t.SubscriptionID, Kind: NotificationWarn, SentAt: time.Now()}); err != nil {
				h.logger.Warn("record warn notification failed", "subscription_id", t.SubscriptionID, "error", err)
				continue
			}
			metrics.EndpointWarnedTotal.Inc()

		case TransitionDisable:
			if err := h.store.DisableSubscription(ctx, t.SubscriptionID); err != nil {
				h.logger.Warn("disable subscription failed", "subscription_id", t.SubscriptionID, "error", err)
				continue
			}
			h.bus.Publish(ctx, OpEvent{Kind: OpEventEndpointDisabled, SubscriptionID: t.SubscriptionID})
			if err := h.store.RecordNotification(ctx, HealthNotification{SubscriptionID: t.SubscriptionID, Kind: NotificationDisabled, SentAt: time.Now()}); err != nil {
				h.logger.Warn("record disable notification failed", "subscription_id", t.SubscriptionID, "error", err)
				continue
			}
			metrics.EndpointDisabledTotal.Inc()
		}
	}
}

// NotifyRecovered is called by the worker right after a success ends a
// failure streak (subscription.ConsecutiveFailures was > 0 before the
// reset). It clears the dedup slate and, if configured, emits
// endpoint.recovered.
func (h *HealthMonitor) NotifyRecovered(ctx context.Context, subscriptionID string, emitEvent bool) {
	if err := h.store.ClearNotifications(ctx, subscriptionID); err != nil {
		h.logger.Warn("clear notifications failed", "subscription_id", subscriptionID, "error", err)
		return
	}
	if !emitEvent {
		return
	}
	h.bus.Publish(ctx, OpEvent{Kind: OpEventEndpointRecovered, SubscriptionID: subscriptionID})
	metrics.EndpointRecoveredTotal.Inc()
}
