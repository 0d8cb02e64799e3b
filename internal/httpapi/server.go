// Package httpapi serves the operator inspection API over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aristath/deepproduct/internal/agent"
	"github.com/aristath/deepproduct/internal/memory"
	"github.com/aristath/deepproduct/internal/orchestrator"
)

// Engine is the part of the orchestrator the API drives.
type Engine interface {
	Submit(ctx context.Context, idea string) (string, error)
	Snapshot(ctx context.Context, runID string) (*orchestrator.RunSnapshot, error)
	Runs(ctx context.Context) ([]orchestrator.RunSummary, error)
	Abort(runID string) error
	Resume(ctx context.Context, runID string) error
	Revert(ctx context.Context, runID string, seq int) error
	Agents() []agent.Agent
	Reinstate(ctx context.Context, agentID string) error
	Memory(runID string) *memory.Manager
}

// Server wires the handlers to a gin router.
type Server struct {
	engine  Engine
	metrics http.Handler
	logger  *slog.Logger
	router  *gin.Engine
}

// New creates a server. metrics may be nil, in which case /metrics is not
// served.
func New(engine Engine, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  engine,
		metrics: metrics,
		logger:  logger,
		router:  gin.New(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.GET("/healthz", s.health)

	runs := r.Group("/runs")
	{
		runs.GET("", s.listRuns)
		runs.POST("", s.createRun)
		runs.GET("/:id", s.getRun)
		runs.POST("/:id/abort", s.abortRun)
		runs.POST("/:id/resume", s.resumeRun)
		runs.POST("/:id/revert", s.revertRun)
		runs.GET("/:id/memory", s.runMemory)
	}

	r.GET("/agents", s.listAgents)
	r.POST("/agents/:id/reinstate", s.reinstateAgent)

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
