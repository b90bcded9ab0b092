package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation for unit tests. It
// mirrors PostgresStore's semantics without a database: a single mutex
// guards all maps, which is fine at test scale.
type MemoryStore struct {
	mu            sync.RWMutex
	events        map[string]Event
	subscriptions map[string]*Subscription
	policies      map[string]*RetryPolicy
	attempts      map[string]*RequestAttempt
	responses     map[string]Response
	fifoStates    map[string]*FIFOState
	notifications map[string]bool // subscriptionID+kind dedup key
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:        make(map[string]Event),
		subscriptions: make(map[string]*Subscription),
		policies:      make(map[string]*RetryPolicy),
		attempts:      make(map[string]*RequestAttempt),
		responses:     make(map[string]Response),
		fifoStates:    make(map[string]*FIFOState),
		notifications: make(map[string]bool),
	}
}

// PutSubscription seeds a subscription, for test setup.
func (m *MemoryStore) PutSubscription(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subscriptions[sub.ID] = &cp
}

// PutRetryPolicy seeds a retry policy, for test setup.
func (m *MemoryStore) PutRetryPolicy(p *RetryPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.policies[p.ID] = &cp
}

func labelsContain(haystack, needle map[string]string) bool {
	for k, v := range needle {
		if haystack[k] != v {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Dispatch matches event.Type and event.Labels against every enabled,
// non-deleted subscription and materializes one pending attempt each,
// ordered by subscription id for deterministic test assertions.
func (m *MemoryStore) Dispatch(ctx context.Context, event Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[event.ID] = event

	var matched []string
	for id, sub := range m.subscriptions {
		if !sub.Enabled || sub.DeletedAt != nil {
			continue
		}
		if !containsString(sub.EventTypes, event.Type) {
			continue
		}
		if !labelsContain(event.Labels, sub.LabelFilter) {
			continue
		}
		matched = append(matched, id)
	}
	sort.Strings(matched)

	now := time.Now()
	for _, subID := range matched {
		attemptID := uuid.NewString()
		m.attempts[attemptID] = &RequestAttempt{
			ID:             attemptID,
			EventID:        event.ID,
			SubscriptionID: subID,
			CreatedAt:      now,
		}
	}
	return len(matched), nil
}

func (m *MemoryStore) eligibleLocked(workerName string) *RequestAttempt {
	var candidates []*RequestAttempt
	for _, a := range m.attempts {
		if a.SucceededAt != nil || a.FailedAt != nil || a.PickedAt != nil {
			continue
		}
		if a.DelayUntil != nil && a.DelayUntil.After(time.Now()) {
			continue
		}
		sub, ok := m.subscriptions[a.SubscriptionID]
		if !ok || !sub.Enabled || sub.DeletedAt != nil {
			continue
		}
		if len(sub.WorkerAffinity) > 0 && !containsString(sub.WorkerAffinity, workerName) {
			continue
		}
		if sub.FIFO {
			fs, ok := m.fifoStates[sub.ID]
			if ok && fs.CurrentAttemptID != nil && *fs.CurrentAttemptID != a.ID {
				continue
			}
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].SubscriptionID != candidates[j].SubscriptionID {
			return candidates[i].SubscriptionID < candidates[j].SubscriptionID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0]
}

// Pickup claims the best eligible attempt under the same ordering and
// gating rules as PostgresStore.Pickup.
func (m *MemoryStore) Pickup(ctx context.Context, workerName string) (*PickupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.eligibleLocked(workerName)
	if a == nil {
		return nil, ErrNotFound
	}

	now := time.Now()
	a.PickedAt = &now
	a.WorkerName = workerName

	sub := m.subscriptions[a.SubscriptionID]
	if sub.FIFO {
		id := a.ID
		m.fifoStates[sub.ID] = &FIFOState{SubscriptionID: sub.ID, CurrentAttemptID: &id, UpdatedAt: now}
	}

	evt := m.events[a.EventID]

	var policy *RetryPolicy
	if sub.RetryPolicyID != "" {
		policy = m.policies[sub.RetryPolicyID]
	}

	attemptCopy := *a
	subCopy := *sub
	return &PickupResult{Attempt: attemptCopy, Subscription: subCopy, Event: evt, Policy: policy}, nil
}

// GetSubscription returns a subscription by id.
func (m *MemoryStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

// GetRetryPolicy returns a retry policy by id.
func (m *MemoryStore) GetRetryPolicy(ctx context.Context, id string) (*RetryPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// FinalizeSuccess marks an attempt succeeded, resets the subscription's
// failure streak, and clears FIFO gating for its subscription.
func (m *MemoryStore) FinalizeSuccess(ctx context.Context, attemptID string, resp Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[attemptID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	a.SucceededAt = &now
	resp.AttemptID = attemptID
	m.responses[attemptID] = resp

	sub := m.subscriptions[a.SubscriptionID]
	sub.ConsecutiveFailures = 0
	sub.LastFailureAt = nil

	if sub.FIFO {
		evt := m.events[a.EventID]
		fs, ok := m.fifoStates[sub.ID]
		if !ok {
			fs = &FIFOState{SubscriptionID: sub.ID}
			m.fifoStates[sub.ID] = fs
		}
		fs.CurrentAttemptID = nil
		if fs.LastCompletedEventAt == nil || evt.OccurredAt.After(*fs.LastCompletedEventAt) {
			fs.LastCompletedEventAt = &evt.OccurredAt
		}
		fs.UpdatedAt = now
	}
	return nil
}

// FinalizeFailure marks an attempt failed, bumps the subscription's failure
// streak (never reset on exhaustion), and either schedules a retry or
// clears FIFO gating on exhaustion.
func (m *MemoryStore) FinalizeFailure(ctx context.Context, attemptID string, resp Response, decision Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[attemptID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	a.FailedAt = &now
	resp.AttemptID = attemptID
	m.responses[attemptID] = resp

	sub := m.subscriptions[a.SubscriptionID]
	sub.ConsecutiveFailures++
	sub.LastFailureAt = &now

	if decision.Exhausted {
		if sub.FIFO {
			if fs, ok := m.fifoStates[sub.ID]; ok {
				fs.CurrentAttemptID = nil
				fs.UpdatedAt = now
			}
		}
		return nil
	}

	nextID := uuid.NewString()
	delayUntil := now.Add(decision.Delay)
	m.attempts[nextID] = &RequestAttempt{
		ID:             nextID,
		EventID:        a.EventID,
		SubscriptionID: a.SubscriptionID,
		CreatedAt:      now,
		DelayUntil:     &delayUntil,
		RetryCount:     a.RetryCount + 1,
	}

	if sub.FIFO {
		fs, ok := m.fifoStates[sub.ID]
		if !ok {
			fs = &FIFOState{SubscriptionID: sub.ID}
			m.fifoStates[sub.ID] = fs
		}
		fs.CurrentAttemptID = &nextID
		fs.UpdatedAt = now
	}
	return nil
}

// ClearOrphanFIFOStates clears gating for any subscription whose current
// attempt is gone, terminal, or stuck past the orphan threshold.
func (m *MemoryStore) ClearOrphanFIFOStates(ctx context.Context, orphanThresholdSeconds int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := time.Duration(orphanThresholdSeconds) * time.Second
	now := time.Now()
	cleared := 0
	for _, fs := range m.fifoStates {
		if fs.CurrentAttemptID == nil {
			continue
		}
		a, ok := m.attempts[*fs.CurrentAttemptID]
		orphan := !ok
		if ok {
			if a.SucceededAt != nil || a.FailedAt != nil {
				orphan = true
			} else if a.PickedAt != nil && now.Sub(*a.PickedAt) > threshold {
				orphan = true
			}
		}
		if orphan {
			fs.CurrentAttemptID = nil
			fs.UpdatedAt = now
			cleared++
		}
	}
	return cleared, nil
}

// ScanUnhealthySubscriptions reports warn/disable transitions the same way
// PostgresStore does, deduping by a notifications set instead of a table.
func (m *MemoryStore) ScanUnhealthySubscriptions(ctx context.Context, warnThresholdSeconds, disableThresholdSeconds int64) ([]HealthTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	warnThreshold := time.Duration(warnThresholdSeconds) * time.Second
	disableThreshold := time.Duration(disableThresholdSeconds) * time.Second

	var out []HealthTransition
	for id, sub := range m.subscriptions {
		if !sub.Enabled || sub.DeletedAt != nil || sub.ConsecutiveFailures == 0 || sub.LastFailureAt == nil {
			continue
		}
		elapsed := now.Sub(*sub.LastFailureAt)
		switch {
		case elapsed >= disableThreshold && !m.notifications[id+":disabled"]:
			out = append(out, HealthTransition{SubscriptionID: id, Kind: TransitionDisable})
		case elapsed >= warnThreshold && !m.notifications[id+":warn"]:
			out = append(out, HealthTransition{SubscriptionID: id, Kind: TransitionWarn})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriptionID < out[j].SubscriptionID })
	return out, nil
}

// RecordNotification dedups a health transition by subscription+kind.
func (m *MemoryStore) RecordNotification(ctx context.Context, n HealthNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.SubscriptionID+":"+string(n.Kind)] = true
	return nil
}

// DisableSubscription flips enabled off.
func (m *MemoryStore) DisableSubscription(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[subscriptionID]
	if !ok {
		return ErrNotFound
	}
	sub.Enabled = false
	return nil
}

// ClearNotifications deletes prior warn/disabled dedup markers for a
// subscription so a new failure streak starts unnotified.
func (m *MemoryStore) ClearNotifications(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.notifications, subscriptionID+":warn")
	delete(m.notifications, subscriptionID+":disabled")
	return nil
}
