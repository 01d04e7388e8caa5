// Package httpapi exposes the task inspection and approval API.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/pipeline"
)

// Server provides HTTP endpoints over the orchestrator.
type Server struct {
	echo   *echo.Echo
	orch   *pipeline.Orchestrator
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(orch *pipeline.Orchestrator, logger *zap.Logger, cfg *Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9180,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		orch:   orch,
		logger: logger,
		config: cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.POST("/tasks/:id/approve", s.handleApprove)
	v1.POST("/tasks/:id/override", s.handleOverride)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// GateRequest is the request body for approve and override.
type GateRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleListTasks returns every persisted task.
func (s *Server) handleListTasks(c echo.Context) error {
	tasks, err := s.orch.Store().List()
	if err != nil {
		s.logger.Error("failed to list tasks", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list tasks")
	}
	return c.JSON(http.StatusOK, tasks)
}

// handleGetTask returns one task document.
func (s *Server) handleGetTask(c echo.Context) error {
	task, err := s.orch.Store().Load(c.Param("id"))
	if err != nil {
		if errors.Is(err, pipeline.ErrTaskNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		s.logger.Error("failed to load task", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load task")
	}
	return c.JSON(http.StatusOK, task)
}

// handleApprove clears a pending approval gate.
func (s *Server) handleApprove(c echo.Context) error {
	var req GateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor field is required")
	}

	task, err := s.orch.Approve(c.Request().Context(), c.Param("id"), req.Actor)
	if err != nil {
		return s.gateError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// handleOverride clears a gate against the stage's recommendation. The
// reason lands in the task audit trail.
func (s *Server) handleOverride(c echo.Context) error {
	var req GateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Actor == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor field is required")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason field is required")
	}

	task, err := s.orch.Override(c.Request().Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		return s.gateError(err)
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) gateError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	case errors.Is(err, pipeline.ErrNotAwaitingApproval):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error("gate operation failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "gate operation failed")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
