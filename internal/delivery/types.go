// Package delivery implements the Hook0 webhook delivery core: dispatch,
// signing, retry scheduling, FIFO-ordered pickup, and failure-driven
// endpoint health management.
package delivery

import "time"

// Event is a persisted application event fanned out to subscriptions.
type Event struct {
	ID                 string
	ApplicationID      string
	Type               string
	OccurredAt         time.Time
	ReceivedAt         time.Time
	Payload            []byte
	PayloadContentType string
	Labels             map[string]string
}

// Target describes where and how an HTTP delivery is made.
type Target struct {
	Method  string
	URL     string
	Headers map[string]string // static customer-defined headers
}

// Subscription matches events to a delivery target.
type Subscription struct {
	ID                  string
	ApplicationID       string
	Enabled             bool
	Secret              string
	Description         string
	LabelFilter         map[string]string // must be contained in event labels
	EventTypes          []string
	Target              Target
	RetryPolicyID       string // empty = default policy
	FIFO                bool
	WorkerAffinity      []string // nullable; empty slice = no affinity
	ConsecutiveFailures int
	LastFailureAt       *time.Time
	CreatedAt           time.Time
	DeletedAt           *time.Time
}

// RetryStrategy names the interval-generation strategy of a RetryPolicy.
type RetryStrategy string

const (
	StrategyExponential RetryStrategy = "exponential"
	StrategyLinear      RetryStrategy = "linear"
	StrategyCustom      RetryStrategy = "custom"
)

// RetryPolicy governs how retries are spaced and when a chain is exhausted.
type RetryPolicy struct {
	ID        string
	OrgID     string
	Strategy    RetryStrategy
	Intervals   []time.Duration // >=1 entries, each in [1s, 604800s]
	MaxAttempts int             // 1..100

	// RetryNonSuccessStatus decides whether a 4xx HTTP response is retried;
	// default true. When false, any response in [400,500) is terminal on
	// first failure regardless of remaining attempts; 5xx is still retried.
	RetryNonSuccessStatus bool
}

// AttemptState is the semantic lifecycle state of a RequestAttempt,
// derived from its timestamp columns (never itself persisted).
type AttemptState int

const (
	StatePending AttemptState = iota
	StatePicked
	StateSucceeded
	StateFailedRetrying
	StateFailedTerminal
)

func (s AttemptState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePicked:
		return "picked"
	case StateSucceeded:
		return "succeeded"
	case StateFailedRetrying:
		return "failed_retrying"
	case StateFailedTerminal:
		return "failed_terminal"
	default:
		return "unknown"
	}
}

// RequestAttempt is a single delivery attempt for an (event, subscription) pair.
type RequestAttempt struct {
	ID             string
	EventID        string
	SubscriptionID string
	CreatedAt      time.Time
	DelayUntil     *time.Time
	PickedAt       *time.Time
	SucceededAt    *time.Time
	FailedAt       *time.Time
	RetryCount     int
	WorkerName     string
	ResponseID     string
}

// State derives the semantic lifecycle state from timestamp columns.
//
// StateFailedRetrying is never returned here: a retry is a new row (see
// FinalizeFailure), so a FailedAt row is always terminal from this attempt's
// own point of view. The retrying/terminal distinction lives in whether a
// follow-up request_attempt was spawned, not in this field — left in the
// enum as a documented state even though no single row ever carries it.
func (a *RequestAttempt) State() AttemptState {
	switch {
	case a.SucceededAt != nil:
		return StateSucceeded
	case a.FailedAt != nil:
		return StateFailedTerminal
	case a.PickedAt != nil:
		return StatePicked
	default:
		return StatePending
	}
}

// ErrorKind classifies a delivery failure: transport failures that produced
// no usable HTTP response, plus ErrorKindNonSuccess for a non-2xx response.
type ErrorKind string

const (
	ErrorKindNone         ErrorKind = ""
	ErrorKindDNS          ErrorKind = "dns"
	ErrorKindTLS          ErrorKind = "tls"
	ErrorKindConnect      ErrorKind = "connect"
	ErrorKindWrite        ErrorKind = "write"
	ErrorKindRead         ErrorKind = "read"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindBodyRead     ErrorKind = "body-read"
	ErrorKindNonSuccess   ErrorKind = "non-2xx"
	ErrorKindTargetPolicy ErrorKind = "target-ip-violation"
)

// Response records the outcome of the HTTP exchange a terminal attempt produced.
type Response struct {
	ID            string
	AttemptID     string
	StatusCode    *int // nil when no HTTP response was obtained
	Body          []byte
	BodyTruncated bool
	ElapsedMS     int64
	ErrorKind     ErrorKind
}

// FIFOState is the per-subscription single-in-flight gate.
type FIFOState struct {
	SubscriptionID       string
	CurrentAttemptID     *string
	LastCompletedEventAt *time.Time
	UpdatedAt            time.Time
}

// NotificationKind names an endpoint health notification.
type NotificationKind string

const (
	NotificationWarn      NotificationKind = "warn"
	NotificationDisabled  NotificationKind = "disabled"
	NotificationRecovered NotificationKind = "recovered"
)

// HealthNotification is a dedup record for a subscription's failure streak.
type HealthNotification struct {
	SubscriptionID string
	Kind           NotificationKind
	SentAt         time.Time
}
