// Hook0 delivery worker - webhook dispatch and retry engine
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/hook0/hook0-sub001/internal/adminhttp"
	"github.com/hook0/hook0-sub001/internal/circuitbreaker"
	"github.com/hook0/hook0-sub001/internal/config"
	"github.com/hook0/hook0-sub001/internal/delivery"
	"github.com/hook0/hook0-sub001/internal/health"
	"github.com/hook0/hook0-sub001/internal/logging"
	"github.com/hook0/hook0-sub001/internal/metrics"
	"github.com/hook0/hook0-sub001/internal/retry"
	"github.com/hook0/hook0-sub001/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logFormat := "text"
	if cfg.IsProduction() {
		logFormat = "json"
	}
	logger := logging.New(cfg.LogLevel, logFormat)

	logger.Info("starting hook0 delivery worker",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"worker_name", cfg.WorkerName,
		"concurrency", cfg.WorkerConcurrency,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	tracerShutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := retry.Do(ctx, 5, time.Second, func() error { return db.PingContext(ctx) }); err != nil {
		logger.Error("database unreachable at startup", "error", err)
		os.Exit(1)
	}
	logger.Info("database connection established")

	store := delivery.NewPostgresStore(db)

	signer, err := delivery.NewSigner(cfg.SignatureHeaderName, cfg.SignatureVersions)
	if err != nil {
		logger.Error("failed to build signer", "error", err)
		os.Exit(1)
	}

	bus := delivery.NewOpEventBus(256, logger)

	var breaker *circuitbreaker.Breaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}

	healthMon := delivery.NewHealthMonitor(store, bus, cfg.HealthMonitorInterval, cfg.WarnThreshold, cfg.DisableThreshold, logger)
	reaper := delivery.NewReaper(store, cfg.ReaperInterval, cfg.OrphanThreshold, logger)

	workerCfg := delivery.WorkerConfig{
		Name:                 cfg.WorkerName,
		Concurrency:          cfg.WorkerConcurrency,
		PickupPollMin:        cfg.PickupPollMin,
		PickupPollMax:        cfg.PickupPollMax,
		ConnectTimeout:       cfg.ConnectTimeout,
		RequestTimeout:       cfg.RequestTimeout,
		BodyReadCeilingBytes: cfg.BodyReadCeilingBytes,
		DefaultPolicy: delivery.DefaultPolicyConfig{
			FastMin:   cfg.RetryFastMin,
			FastMax:   cfg.RetryFastMax,
			FastCount: cfg.RetryFastCount,
			SlowDelay: cfg.RetrySlowDelay,
			SlowCount: cfg.RetrySlowCount,
		},
		TargetIPPolicyEnabled: cfg.TargetIPPolicyEnabled,
		CircuitBreakerEnabled: cfg.CircuitBreakerEnabled,
		EmitRecoveredEvents:   cfg.EmitRecoveredEvents,
	}
	worker := delivery.NewWorker(workerCfg, store, signer, breaker, bus, healthMon, logger)

	checks := health.NewRegistry()
	checks.Register("database", func(checkCtx context.Context) health.Status {
		if err := db.PingContext(checkCtx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})
	checks.Register("reaper", func(context.Context) health.Status {
		return health.Status{Name: "reaper", Healthy: reaper.Running()}
	})
	checks.Register("health_monitor", func(context.Context) health.Status {
		return health.Status{Name: "health_monitor", Healthy: healthMon.Running()}
	})
	pickupStaleAfter := cfg.PickupPollMax * 5
	checks.Register("pickup_loop", func(context.Context) health.Status {
		last := worker.LastPollAt()
		if last.IsZero() {
			// Worker hasn't completed its first poll yet; not yet unhealthy.
			return health.Status{Name: "pickup_loop", Healthy: true}
		}
		if age := time.Since(last); age > pickupStaleAfter {
			return health.Status{Name: "pickup_loop", Healthy: false, Detail: fmt.Sprintf("no pickup poll in %s", age)}
		}
		return health.Status{Name: "pickup_loop", Healthy: true}
	})

	admin := adminhttp.New(cfg, checks, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		metrics.StartDBStatsCollector(gctx, db, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		reaper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		healthMon.Start(gctx)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case e := <-bus.Events():
				logger.Info("op_event", "kind", e.Kind, "subscription_id", e.SubscriptionID, "attempt_id", e.AttemptID)
			}
		}
	})
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return admin.Run(gctx)
	})
	if cfg.HeartbeatURL != "" {
		g.Go(func() error {
			runHeartbeat(gctx, cfg.HeartbeatURL, cfg.HeartbeatInterval, logger)
			return nil
		})
	}

	admin.MarkReady()
	logger.Info("delivery worker ready")

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("worker group exited with error", "error", err)
		admin.MarkUnhealthy()
		os.Exit(1)
	}

	logger.Info("delivery worker stopped")
}

// openDB builds a *sql.DB from cfg.DatabaseURL, folding in the statement
// timeout and pool settings, but does not verify connectivity — callers
// must ping.
func openDB(cfg *config.Config) (*sql.DB, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	return db, nil
}

// runHeartbeat performs a periodic best-effort GET to an external uptime
// endpoint until ctx is canceled. Failures are logged, not fatal: a down
// heartbeat target must never take the worker down with it.
func runHeartbeat(ctx context.Context, heartbeatURL string, interval time.Duration, logger *slog.Logger) {
	client := &http.Client{Timeout: 10 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ping := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, heartbeatURL, nil)
		if err != nil {
			logger.Warn("heartbeat request build failed", "error", err)
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			logger.Warn("heartbeat ping failed", "error", err)
			return
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 300 {
			logger.Warn("heartbeat ping returned non-2xx", "status", resp.StatusCode)
		}
	}

	ping()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping()
		}
	}
}

func buildDSN(cfg *config.Config) (string, error) {
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}

	q := u.Query()
	if q.Get("connect_timeout") == "" {
		q.Set("connect_timeout", strconv.Itoa(cfg.DBConnectTimeout))
	}
	if q.Get("statement_timeout") == "" {
		q.Set("statement_timeout", strconv.Itoa(cfg.DBStatementTimeout))
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
