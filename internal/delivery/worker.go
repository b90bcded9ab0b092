package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hook0/hook0-sub001/internal/circuitbreaker"
	"github.com/hook0/hook0-sub001/internal/logging"
	"github.com/hook0/hook0-sub001/internal/metrics"
	"github.com/hook0/hook0-sub001/internal/targetip"
	"github.com/hook0/hook0-sub001/internal/traces"
)

// Identifier header names stamped on every outbound delivery request.
const (
	HeaderEventID          = "X-Hook0-Event-Id"
	HeaderEventType        = "X-Hook0-Event-Type"
	HeaderSubscriptionID   = "X-Hook0-Subscription-Id"
	HeaderRequestAttemptID = "X-Hook0-Request-Attempt-Id"
	HeaderRetryCount       = "X-Hook0-Retry-Count"
)

// WorkerConfig bundles everything a Worker needs that isn't the store or
// the event bus.
type WorkerConfig struct {
	Name                  string
	Concurrency           int
	PickupPollMin         time.Duration
	PickupPollMax         time.Duration
	ConnectTimeout        time.Duration
	RequestTimeout        time.Duration
	BodyReadCeilingBytes  int64
	DefaultPolicy         DefaultPolicyConfig
	TargetIPPolicyEnabled bool
	CircuitBreakerEnabled bool
	EmitRecoveredEvents   bool
}

// Worker runs WorkerConfig.Concurrency cooperative pickup/delivery/finalize
// tasks against a Store.
type Worker struct {
	cfg     WorkerConfig
	store   Store
	signer  *Signer
	breaker *circuitbreaker.Breaker
	bus     *OpEventBus
	health  *HealthMonitor
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	lastPollAt atomic.Int64 // unix nanoseconds of the last pickup poll that didn't error
}

// NewWorker wires a delivery worker. breaker may be nil when circuit
// breaking is disabled.
func NewWorker(cfg WorkerConfig, store Store, signer *Signer, breaker *circuitbreaker.Breaker, bus *OpEventBus, health *HealthMonitor, logger *slog.Logger) *Worker {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
	}
	return &Worker{
		cfg:     cfg,
		store:   store,
		signer:  signer,
		breaker: breaker,
		bus:     bus,
		health:  health,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		// One limiter shared by all tasks gates every Pickup call, hit or
		// miss: one call per PickupPollMin, with a burst of Concurrency.
		limiter: rate.NewLimiter(rate.Every(cfg.PickupPollMin), max(cfg.Concurrency, 1)),
		logger:  logger,
	}
}

// LastPollAt returns the time of the last pickup poll that completed
// without a store error (hit or miss both count), or the zero Time if no
// task loop has polled yet.
func (w *Worker) LastPollAt() time.Time {
	ns := w.lastPollAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run launches WorkerConfig.Concurrency pickup tasks and blocks until ctx is
// canceled. Tasks log store errors and keep polling, so Run returns nil.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			return w.taskLoop(gctx)
		})
	}
	return g.Wait()
}

func (w *Worker) taskLoop(ctx context.Context) error {
	backoff := w.cfg.PickupPollMin

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}

		result, err := w.store.Pickup(ctx, w.cfg.Name)
		if errors.Is(err, ErrNotFound) {
			w.lastPollAt.Store(time.Now().UnixNano())
			metrics.PickupAttemptsTotal.WithLabelValues("miss").Inc()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > w.cfg.PickupPollMax {
				backoff = w.cfg.PickupPollMax
			}
			continue
		}
		if err != nil {
			metrics.PickupAttemptsTotal.WithLabelValues("error").Inc()
			w.logger.Error("pickup failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(jitter(backoff)):
			}
			continue
		}

		w.lastPollAt.Store(time.Now().UnixNano())
		backoff = w.cfg.PickupPollMin
		metrics.PickupAttemptsTotal.WithLabelValues("hit").Inc()
		w.handle(ctx, result)
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}

func (w *Worker) handle(ctx context.Context, result *PickupResult) {
	ctx = logging.WithAttemptID(ctx, result.Attempt.ID)
	ctx = logging.WithWorkerName(ctx, w.cfg.Name)
	log := logging.L(ctx)

	metrics.WorkerInflight.Inc()
	defer metrics.WorkerInflight.Dec()

	ctx, span := traces.StartSpan(ctx, "delivery.deliver",
		traces.AttemptID(result.Attempt.ID),
		traces.SubscriptionID(result.Subscription.ID),
		traces.EventID(result.Event.ID),
		traces.TargetHost(hostOf(result.Subscription.Target.URL)),
		traces.RetryCount(result.Attempt.RetryCount),
	)
	resp := w.deliver(ctx, result)
	span.End()

	classification := classificationLabel(resp)
	metrics.DeliveryAttemptsTotal.WithLabelValues(classification).Inc()
	metrics.DeliveryDuration.WithLabelValues(classification).Observe(float64(resp.ElapsedMS) / 1000)

	if resp.ErrorKind == ErrorKindNone && (resp.StatusCode == nil || *resp.StatusCode < 300) {
		w.finalizeSuccess(ctx, result, resp, log)
		return
	}
	w.finalizeFailure(ctx, result, resp, log)
}

func classificationLabel(resp Response) string {
	if resp.ErrorKind != ErrorKindNone && resp.ErrorKind != ErrorKindNonSuccess {
		return "transport_failure"
	}
	if resp.StatusCode != nil && *resp.StatusCode < 300 {
		return "success"
	}
	return "http_failure"
}

func (w *Worker) finalizeSuccess(ctx context.Context, result *PickupResult, resp Response, log *slog.Logger) {
	if err := w.store.FinalizeSuccess(ctx, result.Attempt.ID, resp); err != nil {
		log.Error("finalize success failed", "error", err)
		return
	}
	if result.Subscription.ConsecutiveFailures > 0 && w.health != nil {
		w.health.NotifyRecovered(ctx, result.Subscription.ID, w.cfg.EmitRecoveredEvents)
	}
}

func (w *Worker) finalizeFailure(ctx context.Context, result *PickupResult, resp Response, log *slog.Logger) {
	status := 0
	if resp.StatusCode != nil {
		status = *resp.StatusCode
	}
	decision := NextDelay(result.Policy, w.cfg.DefaultPolicy, result.Attempt.RetryCount, status)

	if err := w.store.FinalizeFailure(ctx, result.Attempt.ID, resp, decision); err != nil {
		log.Error("finalize failure failed", "error", err)
		return
	}

	if decision.Exhausted {
		metrics.RetryExhaustedTotal.Inc()
		w.bus.Publish(ctx, OpEvent{Kind: OpEventAttemptExhausted, SubscriptionID: result.Subscription.ID, AttemptID: result.Attempt.ID})
	} else {
		metrics.RetryScheduledTotal.Inc()
	}
}

// deliver builds and executes one HTTP delivery attempt, returning a
// Response that is always populated (never an error) so the caller can
// finalize uniformly.
func (w *Worker) deliver(ctx context.Context, result *PickupResult) Response {
	resp := Response{AttemptID: result.Attempt.ID}

	target := result.Subscription.Target
	if w.cfg.TargetIPPolicyEnabled {
		if err := targetip.Validate(target.URL); err != nil {
			resp.ErrorKind = ErrorKindTargetPolicy
			return resp
		}
	}

	host := hostOf(target.URL)
	if w.cfg.CircuitBreakerEnabled && w.breaker != nil && !w.breaker.Allow(host) {
		resp.ErrorKind = ErrorKindConnect
		return resp
	}

	req, err := w.buildRequest(ctx, result)
	if err != nil {
		resp.ErrorKind = ErrorKindConnect
		return resp
	}

	start := time.Now()
	httpResp, err := w.client.Do(req)
	resp.ElapsedMS = time.Since(start).Milliseconds()

	if err != nil {
		resp.ErrorKind = classifyTransportError(err)
		if w.breaker != nil {
			w.breaker.RecordFailure(host)
		}
		return resp
	}
	defer func() { _ = httpResp.Body.Close() }()

	if w.breaker != nil {
		w.breaker.RecordSuccess(host)
	}

	limited := io.LimitReader(httpResp.Body, w.cfg.BodyReadCeilingBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		resp.ErrorKind = ErrorKindBodyRead
		return resp
	}
	truncated := int64(len(body)) > w.cfg.BodyReadCeilingBytes
	if truncated {
		body = body[:w.cfg.BodyReadCeilingBytes]
	}

	status := httpResp.StatusCode
	resp.StatusCode = &status
	resp.Body = body
	resp.BodyTruncated = truncated
	if status >= 300 {
		resp.ErrorKind = ErrorKindNonSuccess
	}
	return resp
}

func (w *Worker) buildRequest(ctx context.Context, result *PickupResult) (*http.Request, error) {
	sub := result.Subscription
	evt := result.Event
	attempt := result.Attempt

	req, err := http.NewRequestWithContext(ctx, sub.Target.Method, sub.Target.URL, bytes.NewReader(evt.Payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for k, v := range sub.Target.Headers {
		req.Header.Set(k, v)
	}
	if evt.PayloadContentType != "" {
		req.Header.Set("Content-Type", evt.PayloadContentType)
	}

	identifierOrder := []string{HeaderEventID, HeaderEventType, HeaderSubscriptionID, HeaderRequestAttemptID, HeaderRetryCount}
	req.Header.Set(HeaderEventID, evt.ID)
	req.Header.Set(HeaderEventType, evt.Type)
	req.Header.Set(HeaderSubscriptionID, sub.ID)
	req.Header.Set(HeaderRequestAttemptID, attempt.ID)
	req.Header.Set(HeaderRetryCount, strconv.Itoa(attempt.RetryCount))

	ts := Now()
	sig, err := w.signer.Sign(sub.Secret, ts, identifierOrder, req.Header, evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	req.Header.Set(w.signer.HeaderName(), sig)

	return req, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}

func classifyTransportError(err error) ErrorKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorKindDNS
	}
	var certErr x509.UnknownAuthorityError
	if errors.As(err, &certErr) {
		return ErrorKindTLS
	}
	var tlsRecordErr tls.RecordHeaderError
	if errors.As(err, &tlsRecordErr) {
		return ErrorKindTLS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return ErrorKindConnect
		case "read":
			return ErrorKindRead
		case "write":
			return ErrorKindWrite
		}
	}
	return ErrorKindConnect
}
