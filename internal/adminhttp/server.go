// Package adminhttp exposes the operational surface of a delivery worker
// process: liveness/readiness probes and the Prometheus metrics endpoint.
// It carries no business routes — subscription and event management live
// outside the delivery core.
package adminhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hook0/hook0-sub001/internal/config"
	"github.com/hook0/hook0-sub001/internal/health"
	"github.com/hook0/hook0-sub001/internal/logging"
	"github.com/hook0/hook0-sub001/internal/metrics"
)

// Server is the admin HTTP listener: /healthz, /readyz, /metrics.
type Server struct {
	cfg     *config.Config
	checks  *health.Registry
	logger  *slog.Logger
	router  *gin.Engine
	httpSrv *http.Server

	ready   atomic.Bool
	healthy atomic.Bool
}

// New builds an admin server. checks is the registry of readiness probes
// (database ping, background loop liveness) the caller has populated;
// /readyz reports its aggregate result.
func New(cfg *config.Config, checks *health.Registry, logger *slog.Logger) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		checks: checks,
		logger: logger,
	}
	s.healthy.Store(true)

	s.router = gin.New()
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.FromContext(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}))
	s.router.Use(s.loggingMiddleware())

	s.router.GET("/healthz", s.healthzHandler)
	s.router.GET("/readyz", s.readyzHandler)
	s.router.GET("/metrics", metrics.Handler())

	return s
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.FromContext(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		case status >= 400:
			logger.Warn("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed", "method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) healthzHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readyzHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "ready"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{"status": status, "checks": statuses})
}

// MarkReady flips the readiness probe on. Call once startup warmup
// (initial DB ping, worker pool launch) completes.
func (s *Server) MarkReady() { s.ready.Store(true) }

// MarkUnhealthy flips the liveness probe off, signaling the orchestrator
// to restart this process.
func (s *Server) MarkUnhealthy() { s.healthy.Store(false) }

// Run starts the HTTP listener and blocks until ctx is canceled or the
// listener fails, then gracefully shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting admin http server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("admin http server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("admin http server context canceled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	if s.httpSrv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("admin http shutdown error", "error", err)
		return err
	}
	return nil
}
