package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hook0/hook0-sub001/internal/metrics"
)

// PostgresStore persists the delivery core's entities in PostgreSQL. Every
// Store operation runs as one small transaction that holds at most one
// FOR UPDATE SKIP LOCKED row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-configured *sql.DB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// queryRower is satisfied by both *sql.DB and *sql.Tx, letting read helpers
// run against either a standalone connection or an open transaction.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func marshalLabels(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func unmarshalLabels(b []byte) (map[string]string, error) {
	m := map[string]string{}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Dispatch inserts one request_attempt per enabled, non-deleted
// subscription whose event_types include the event's type and whose
// label_filter is contained in the event's labels, ordered by subscription
// id. Runs in a single transaction alongside the event insert so dispatch
// failure fails event acceptance.
func (p *PostgresStore) Dispatch(ctx context.Context, event Event) (int, error) {
	labelsJSON, err := marshalLabels(event.Labels)
	if err != nil {
		return 0, fmt.Errorf("marshal event labels: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, application_id, type, occurred_at, received_at, payload, payload_content_type, labels)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		ON CONFLICT (id) DO NOTHING
	`, event.ID, event.ApplicationID, event.Type, event.OccurredAt, event.ReceivedAt, event.Payload, event.PayloadContentType, labelsJSON); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	// label_filter must be contained in the event's labels: every key/value a
	// subscription requires has to be present on the event, so the
	// containment direction is event.labels @> subscription.label_filter.
	matchRows, err := tx.QueryContext(ctx, `
		SELECT id
		FROM subscriptions
		WHERE application_id = $1
		  AND enabled = TRUE
		  AND deleted_at IS NULL
		  AND $2 = ANY(event_types)
		  AND $3::jsonb @> label_filter
		ORDER BY id ASC
	`, event.ApplicationID, event.Type, labelsJSON)
	if err != nil {
		return 0, fmt.Errorf("match subscriptions: %w", err)
	}
	var subIDs []string
	for matchRows.Next() {
		var id string
		if err := matchRows.Scan(&id); err != nil {
			_ = matchRows.Close()
			return 0, err
		}
		subIDs = append(subIDs, id)
	}
	if err := matchRows.Err(); err != nil {
		_ = matchRows.Close()
		return 0, err
	}
	_ = matchRows.Close()

	now := time.Now()
	created := 0
	for _, subID := range subIDs {
		attemptID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO request_attempts (id, event_id, subscription_id, created_at, retry_count)
			VALUES ($1, $2, $3, $4, 0)
		`, attemptID, event.ID, subID, now); err != nil {
			return 0, fmt.Errorf("insert request_attempt for subscription %s: %w", subID, err)
		}
		created++
	}

	return created, tx.Commit()
}

// Pickup runs a single transaction that locks the best eligible
// request_attempt with SELECT ... FOR UPDATE SKIP LOCKED, honoring FIFO
// gating, delay, worker affinity, and enablement.
func (p *PostgresStore) Pickup(ctx context.Context, workerName string) (*PickupResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		attemptID, eventID, subID string
		attemptCreatedAt          time.Time
		delayUntil                sql.NullTime
		retryCount                int
	)

	row := tx.QueryRowContext(ctx, `
		SELECT ra.id, ra.event_id, ra.subscription_id, ra.created_at, ra.delay_until, ra.retry_count
		FROM request_attempts ra
		JOIN subscriptions s ON s.id = ra.subscription_id
		LEFT JOIN fifo_subscription_states fs ON fs.subscription_id = s.id
		WHERE ra.succeeded_at IS NULL
		  AND ra.failed_at IS NULL
		  AND ra.picked_at IS NULL
		  AND (ra.delay_until IS NULL OR ra.delay_until <= now())
		  AND s.enabled = TRUE
		  AND s.deleted_at IS NULL
		  AND (s.worker_affinity IS NULL OR array_length(s.worker_affinity, 1) IS NULL OR $1 = ANY(s.worker_affinity))
		  AND (s.fifo = FALSE OR fs.current_attempt_id IS NULL OR fs.current_attempt_id = ra.id)
		ORDER BY ra.subscription_id ASC, ra.created_at ASC
		LIMIT 1
		FOR UPDATE OF ra SKIP LOCKED
	`, workerName)

	if err := row.Scan(&attemptID, &eventID, &subID, &attemptCreatedAt, &delayUntil, &retryCount); err != nil {
		if err == sql.ErrNoRows {
			p.countFIFOBlocked(ctx)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pickup scan: %w", err)
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE request_attempts SET picked_at = $1, worker_name = $2 WHERE id = $3
	`, now, workerName, attemptID); err != nil {
		return nil, fmt.Errorf("mark picked: %w", err)
	}

	attempt := RequestAttempt{
		ID:             attemptID,
		EventID:        eventID,
		SubscriptionID: subID,
		CreatedAt:      attemptCreatedAt,
		RetryCount:     retryCount,
		PickedAt:       &now,
		WorkerName:     workerName,
	}
	if delayUntil.Valid {
		attempt.DelayUntil = &delayUntil.Time
	}

	sub, err := getSubscription(ctx, tx, subID)
	if err != nil {
		return nil, err
	}

	if sub.FIFO {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fifo_subscription_states (subscription_id, current_attempt_id, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (subscription_id) DO UPDATE SET current_attempt_id = $2, updated_at = $3
		`, subID, attemptID, now); err != nil {
			return nil, fmt.Errorf("set fifo current: %w", err)
		}
	}

	evt, err := getEvent(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}

	var policy *RetryPolicy
	if sub.RetryPolicyID != "" {
		policy, err = getRetryPolicy(ctx, tx, sub.RetryPolicyID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &PickupResult{Attempt: attempt, Subscription: *sub, Event: *evt, Policy: policy}, nil
}

// countFIFOBlocked runs after a pickup miss to attribute the miss to FIFO
// gating where applicable: a subscription whose gate holds an in-flight
// attempt while another eligible attempt sits waiting behind it.
func (p *PostgresStore) countFIFOBlocked(ctx context.Context) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT s.id
		FROM fifo_subscription_states fs
		JOIN subscriptions s ON s.id = fs.subscription_id
		JOIN request_attempts ra ON ra.subscription_id = s.id
		WHERE fs.current_attempt_id IS NOT NULL
		  AND ra.id != fs.current_attempt_id
		  AND ra.succeeded_at IS NULL
		  AND ra.failed_at IS NULL
		  AND ra.picked_at IS NULL
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var subID string
		if rows.Scan(&subID) == nil {
			metrics.FIFOGateBlockedTotal.WithLabelValues(subID).Inc()
		}
	}
}

func getSubscription(ctx context.Context, q queryRower, id string) (*Subscription, error) {
	var (
		sub                       Subscription
		labelFilterJSON, hdrsJSON []byte
		eventTypes, affinity      pq.StringArray
		retryPolicyID             sql.NullString
		lastFailureAt, deletedAt  sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, application_id, enabled, secret, description, label_filter, event_types,
		       target_method, target_url, target_headers, retry_policy_id, fifo, worker_affinity,
		       consecutive_failures, last_failure_at, created_at, deleted_at
		FROM subscriptions WHERE id = $1
	`, id).Scan(
		&sub.ID, &sub.ApplicationID, &sub.Enabled, &sub.Secret, &sub.Description, &labelFilterJSON,
		&eventTypes, &sub.Target.Method, &sub.Target.URL, &hdrsJSON, &retryPolicyID, &sub.FIFO,
		&affinity, &sub.ConsecutiveFailures, &lastFailureAt, &sub.CreatedAt, &deletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.EventTypes = eventTypes
	sub.WorkerAffinity = affinity
	if retryPolicyID.Valid {
		sub.RetryPolicyID = retryPolicyID.String
	}
	if lastFailureAt.Valid {
		sub.LastFailureAt = &lastFailureAt.Time
	}
	if deletedAt.Valid {
		sub.DeletedAt = &deletedAt.Time
	}
	sub.LabelFilter, err = unmarshalLabels(labelFilterJSON)
	if err != nil {
		return nil, err
	}
	sub.Target.Headers = map[string]string{}
	if len(hdrsJSON) > 0 {
		if err := json.Unmarshal(hdrsJSON, &sub.Target.Headers); err != nil {
			return nil, err
		}
	}
	return &sub, nil
}

func getEvent(ctx context.Context, q queryRower, id string) (*Event, error) {
	var (
		evt        Event
		labelsJSON []byte
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, application_id, type, occurred_at, received_at, payload, payload_content_type, labels
		FROM events WHERE id = $1
	`, id).Scan(&evt.ID, &evt.ApplicationID, &evt.Type, &evt.OccurredAt, &evt.ReceivedAt, &evt.Payload, &evt.PayloadContentType, &labelsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	evt.Labels, err = unmarshalLabels(labelsJSON)
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

func getRetryPolicy(ctx context.Context, q queryRower, id string) (*RetryPolicy, error) {
	var (
		policy       RetryPolicy
		intervalsSec pq.Int64Array
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, org_id, strategy, intervals_seconds, max_attempts, retry_non_success_status
		FROM retry_policies WHERE id = $1
	`, id).Scan(&policy.ID, &policy.OrgID, &policy.Strategy, &intervalsSec, &policy.MaxAttempts, &policy.RetryNonSuccessStatus)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	policy.Intervals = make([]time.Duration, len(intervalsSec))
	for i, s := range intervalsSec {
		policy.Intervals[i] = time.Duration(s) * time.Second
	}
	return &policy, nil
}

// GetSubscription returns a subscription by id.
func (p *PostgresStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return getSubscription(ctx, p.db, id)
}

// GetRetryPolicy returns a retry policy by id.
func (p *PostgresStore) GetRetryPolicy(ctx context.Context, id string) (*RetryPolicy, error) {
	return getRetryPolicy(ctx, p.db, id)
}

// FinalizeSuccess records a succeeded attempt and its terminal-success FIFO
// transition in one transaction.
func (p *PostgresStore) FinalizeSuccess(ctx context.Context, attemptID string, resp Response) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	respID := uuid.NewString()
	if err := insertResponse(ctx, tx, respID, attemptID, resp); err != nil {
		return err
	}

	now := time.Now()
	var subID, eventID string
	if err := tx.QueryRowContext(ctx, `
		UPDATE request_attempts SET succeeded_at = $1, response_id = $2
		WHERE id = $3
		RETURNING subscription_id, event_id
	`, now, respID, attemptID).Scan(&subID, &eventID); err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET consecutive_failures = 0, last_failure_at = NULL WHERE id = $1
	`, subID); err != nil {
		return fmt.Errorf("reset failure counter: %w", err)
	}

	var occurredAt time.Time
	if err := tx.QueryRowContext(ctx, `SELECT occurred_at FROM events WHERE id = $1`, eventID).Scan(&occurredAt); err != nil {
		return fmt.Errorf("fetch event occurred_at: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fifo_subscription_states (subscription_id, current_attempt_id, last_completed_event_at, updated_at)
		VALUES ($1, NULL, $2, $3)
		ON CONFLICT (subscription_id) DO UPDATE SET
			current_attempt_id = NULL,
			last_completed_event_at = GREATEST(fifo_subscription_states.last_completed_event_at, EXCLUDED.last_completed_event_at),
			updated_at = EXCLUDED.updated_at
	`, subID, occurredAt, now); err != nil {
		return fmt.Errorf("clear fifo current: %w", err)
	}

	return tx.Commit()
}

// FinalizeFailure records a failed attempt and its retry/exhaustion FIFO
// transitions in one transaction.
func (p *PostgresStore) FinalizeFailure(ctx context.Context, attemptID string, resp Response, decision Decision) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	respID := uuid.NewString()
	if err := insertResponse(ctx, tx, respID, attemptID, resp); err != nil {
		return err
	}

	now := time.Now()
	var subID, eventID string
	var retryCount int
	if err := tx.QueryRowContext(ctx, `
		UPDATE request_attempts SET failed_at = $1, response_id = $2
		WHERE id = $3
		RETURNING subscription_id, event_id, retry_count
	`, now, respID, attemptID).Scan(&subID, &eventID, &retryCount); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	// consecutive_failures is never reset on exhaustion; only a later
	// success clears it.
	if _, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET
			consecutive_failures = consecutive_failures + 1,
			last_failure_at = GREATEST(COALESCE(last_failure_at, $1), $1)
		WHERE id = $2
	`, now, subID); err != nil {
		return fmt.Errorf("bump failure counter: %w", err)
	}

	var fifo bool
	if err := tx.QueryRowContext(ctx, `SELECT fifo FROM subscriptions WHERE id = $1`, subID).Scan(&fifo); err != nil {
		return fmt.Errorf("check fifo flag: %w", err)
	}

	if decision.Exhausted {
		if fifo {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO fifo_subscription_states (subscription_id, current_attempt_id, updated_at)
				VALUES ($1, NULL, $2)
				ON CONFLICT (subscription_id) DO UPDATE SET current_attempt_id = NULL, updated_at = $2
			`, subID, now); err != nil {
				return fmt.Errorf("clear fifo on exhaustion: %w", err)
			}
		}
		return tx.Commit()
	}

	nextID := uuid.NewString()
	delayUntil := now.Add(decision.Delay)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO request_attempts (id, event_id, subscription_id, created_at, delay_until, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, nextID, eventID, subID, now, delayUntil, retryCount+1); err != nil {
		return fmt.Errorf("insert retry attempt: %w", err)
	}

	if fifo {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fifo_subscription_states (subscription_id, current_attempt_id, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (subscription_id) DO UPDATE SET current_attempt_id = $2, updated_at = $3
		`, subID, nextID, now); err != nil {
			return fmt.Errorf("advance fifo current: %w", err)
		}
	}

	return tx.Commit()
}

func insertResponse(ctx context.Context, tx *sql.Tx, respID, attemptID string, resp Response) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO responses (id, attempt_id, status_code, body, body_truncated, elapsed_ms, error_kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, respID, attemptID, resp.StatusCode, resp.Body, resp.BodyTruncated, resp.ElapsedMS, string(resp.ErrorKind))
	return err
}

// ClearOrphanFIFOStates clears current_attempt_ref for any FIFO state
// whose referenced attempt is absent, terminal, or was picked more than
// orphanThresholdSeconds ago without terminating.
func (p *PostgresStore) ClearOrphanFIFOStates(ctx context.Context, orphanThresholdSeconds int64) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE fifo_subscription_states fs
		SET current_attempt_id = NULL, updated_at = now()
		WHERE fs.current_attempt_id IS NOT NULL
		  AND (
		    NOT EXISTS (SELECT 1 FROM request_attempts ra WHERE ra.id = fs.current_attempt_id)
		    OR EXISTS (
		      SELECT 1 FROM request_attempts ra
		      WHERE ra.id = fs.current_attempt_id
		        AND (ra.succeeded_at IS NOT NULL OR ra.failed_at IS NOT NULL)
		    )
		    OR EXISTS (
		      SELECT 1 FROM request_attempts ra
		      WHERE ra.id = fs.current_attempt_id
		        AND ra.picked_at IS NOT NULL
		        AND ra.succeeded_at IS NULL AND ra.failed_at IS NULL
		        AND ra.picked_at < now() - make_interval(secs => $1)
		    )
		  )
	`, orphanThresholdSeconds)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ScanUnhealthySubscriptions walks enabled subscriptions and reports
// warn/disable transitions for those past their failure-streak thresholds.
func (p *PostgresStore) ScanUnhealthySubscriptions(ctx context.Context, warnThresholdSeconds, disableThresholdSeconds int64) ([]HealthTransition, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id,
		       (s.last_failure_at < now() - make_interval(secs => $2)) AS past_disable,
		       (s.last_failure_at < now() - make_interval(secs => $1)) AS past_warn,
		       EXISTS (SELECT 1 FROM endpoint_health_notifications n WHERE n.subscription_id = s.id AND n.kind = 'warn') AS warned,
		       EXISTS (SELECT 1 FROM endpoint_health_notifications n WHERE n.subscription_id = s.id AND n.kind = 'disabled') AS disabled_notified
		FROM subscriptions s
		WHERE s.enabled = TRUE
		  AND s.deleted_at IS NULL
		  AND s.consecutive_failures > 0
		  AND s.last_failure_at IS NOT NULL
	`, warnThresholdSeconds, disableThresholdSeconds)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []HealthTransition
	for rows.Next() {
		var id string
		var pastDisable, pastWarn, warned, disabledNotified bool
		if err := rows.Scan(&id, &pastDisable, &pastWarn, &warned, &disabledNotified); err != nil {
			return nil, err
		}
		switch {
		case pastDisable && !disabledNotified:
			out = append(out, HealthTransition{SubscriptionID: id, Kind: TransitionDisable})
		case pastWarn && !warned:
			out = append(out, HealthTransition{SubscriptionID: id, Kind: TransitionWarn})
		}
	}
	return out, rows.Err()
}

// RecordNotification persists a dedup record for a health transition.
func (p *PostgresStore) RecordNotification(ctx context.Context, n HealthNotification) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO endpoint_health_notifications (subscription_id, kind, sent_at)
		VALUES ($1, $2, $3)
	`, n.SubscriptionID, string(n.Kind), n.SentAt)
	return err
}

// DisableSubscription flips enabled=false on a subscription.
func (p *PostgresStore) DisableSubscription(ctx context.Context, subscriptionID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE subscriptions SET enabled = FALSE WHERE id = $1`, subscriptionID)
	return err
}

// ClearNotifications deletes prior warn/disabled dedup rows for a
// subscription so a new failure streak starts unnotified.
func (p *PostgresStore) ClearNotifications(ctx context.Context, subscriptionID string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM endpoint_health_notifications WHERE subscription_id = $1 AND kind IN ('warn', 'disabled')
	`, subscriptionID)
	return err
}
