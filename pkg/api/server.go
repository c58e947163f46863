// Package api exposes the engine's HTTP surface: task submission and
// cancellation, the inbound enrichment-callback endpoint, health, and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leadfoundry/enrich/pkg/callback"
	"github.com/leadfoundry/enrich/pkg/config"
	"github.com/leadfoundry/enrich/pkg/database"
	"github.com/leadfoundry/enrich/pkg/metrics"
	"github.com/leadfoundry/enrich/pkg/orchestrator"
	"github.com/leadfoundry/enrich/pkg/queue"
	"github.com/leadfoundry/enrich/pkg/version"
)

// TaskCanceller cancels a task running on this pod.
type TaskCanceller interface {
	CancelTask(jobID string) bool
}

// PoolHealthReporter exposes the worker pool's health snapshot.
type PoolHealthReporter interface {
	Health() *queue.PoolHealth
}

// Server is the engine's HTTP server.
type Server struct {
	cfg      config.ServerConfig
	db       *database.Client
	callback *callback.Handler
	tasks    *queue.TaskStore
	pool     TaskCanceller
	health   PoolHealthReporter
	orch     *orchestrator.Orchestrator
	metrics  *metrics.Metrics

	httpServer *http.Server
}

// NewServer wires the HTTP server. pool and health usually point at the
// same WorkerPool; orch may be nil when orchestration is disabled.
func NewServer(cfg config.ServerConfig, db *database.Client, cb *callback.Handler,
	tasks *queue.TaskStore, pool TaskCanceller, health PoolHealthReporter,
	orch *orchestrator.Orchestrator, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		db:       db,
		callback: cb,
		tasks:    tasks,
		pool:     pool,
		health:   health,
		orch:     orch,
		metrics:  m,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), securityHeaders())

	router.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	authed := router.Group("/", bearerAuth(s.cfg.AuthToken))
	authed.POST("/internal/enrichment-callback", s.handleEnrichmentCallback)

	v1 := authed.Group("/api/v1")
	v1.POST("/tasks", s.handleSubmitTask)
	v1.POST("/tasks/:job_id/cancel", s.handleCancelTask)
	v1.POST("/orchestrations", s.handleStartOrchestration)

	return router
}

// Start begins serving in a goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("HTTP server listening", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports database and worker-pool health.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB())
	body := gin.H{"database": dbHealth, "version": version.Full()}
	if s.health != nil {
		body["queue"] = s.health.Health()
	}

	if err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "healthy"
	c.JSON(http.StatusOK, body)
}
