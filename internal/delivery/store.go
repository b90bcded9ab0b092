package delivery

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("delivery: not found")

// PickupResult bundles everything the worker needs after a successful pickup.
type PickupResult struct {
	Attempt      RequestAttempt
	Subscription Subscription
	Event        Event
	Policy       *RetryPolicy // nil when the subscription uses the default policy
}

// Store is the persistence contract for the delivery core. PostgresStore is
// the production implementation; MemoryStore backs unit tests.
type Store interface {
	// Dispatch fans an accepted event out to every enabled, non-deleted
	// subscription matching its type and labels, materializing one
	// request_attempt per match. It also stores the event itself, so event
	// insertion and attempt creation happen in one transaction.
	Dispatch(ctx context.Context, event Event) (created int, err error)

	// Pickup atomically claims the single best eligible request_attempt for
	// workerName, honoring FIFO gating, delay, worker affinity, and
	// enabled/non-deleted subscriptions. Whether the owning application is
	// deleted is not checked.
	// Returns ErrNotFound when no eligible attempt exists.
	Pickup(ctx context.Context, workerName string) (*PickupResult, error)

	// FinalizeSuccess marks an attempt succeeded, links the response, and
	// clears/advances FIFO state and subscription failure counters.
	FinalizeSuccess(ctx context.Context, attemptID string, resp Response) error

	// FinalizeFailure marks an attempt failed, links the response, bumps
	// subscription failure counters, and either schedules a retry attempt or
	// marks the chain exhausted, updating FIFO state accordingly.
	FinalizeFailure(ctx context.Context, attemptID string, resp Response, decision Decision) error

	// GetSubscription returns a subscription by id.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// GetRetryPolicy returns a retry policy by id.
	GetRetryPolicy(ctx context.Context, id string) (*RetryPolicy, error)

	// ClearOrphanFIFOStates clears current_attempt_ref for FIFO states whose
	// referenced attempt is absent, terminal, or picked more than
	// orphanThresholdSeconds ago without completing.
	ClearOrphanFIFOStates(ctx context.Context, orphanThresholdSeconds int64) (cleared int, err error)

	// ScanUnhealthySubscriptions walks enabled subscriptions whose
	// consecutive-failure window has crossed warn/disable thresholds and
	// returns the state transitions the health monitor must act on.
	ScanUnhealthySubscriptions(ctx context.Context, warnThresholdSeconds, disableThresholdSeconds int64) ([]HealthTransition, error)

	// RecordNotification persists a dedup record for a health transition.
	RecordNotification(ctx context.Context, n HealthNotification) error

	// DisableSubscription flips enabled=false on a subscription.
	DisableSubscription(ctx context.Context, subscriptionID string) error

	// ClearNotifications invalidates prior warn/disabled notification
	// records for a subscription, called when a success ends a failure
	// streak so the next streak starts with a clean dedup slate.
	ClearNotifications(ctx context.Context, subscriptionID string) error
}

// HealthTransitionKind names the action the health monitor should take for
// a subscription found during ScanUnhealthySubscriptions.
type HealthTransitionKind string

const (
	TransitionWarn      HealthTransitionKind = "warn"
	TransitionDisable   HealthTransitionKind = "disabled"
	TransitionRecovered HealthTransitionKind = "recovered"
)

// HealthTransition is one subscription's required health-monitor action.
type HealthTransition struct {
	SubscriptionID string
	Kind           HealthTransitionKind
}
