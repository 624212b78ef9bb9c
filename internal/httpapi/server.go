// Package httpapi provides the HTTP companion surface to the MCP server:
// session inspection, workflow control and a server-sent-events stream of
// progress notifications.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/gambtho/container-assist/internal/orchestrator"
	"github.com/gambtho/container-assist/internal/progress"
	"github.com/gambtho/container-assist/internal/session"
	"github.com/gambtho/container-assist/internal/workflow"
)

// Server provides the HTTP endpoints.
type Server struct {
	echo        *echo.Echo
	coordinator orchestrator.Service
	sessions    session.Store
	channel     *progress.Channel
	logger      *zap.Logger
	config      *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the HTTP server and registers its routes.
func NewServer(
	coordinator orchestrator.Service,
	sessions session.Store,
	channel *progress.Channel,
	logger *zap.Logger,
	cfg *Config,
) (*Server, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if channel == nil {
		return nil, fmt.Errorf("progress channel is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:        e,
		coordinator: coordinator,
		sessions:    sessions,
		channel:     channel,
		logger:      logger,
		config:      cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions", s.handleStartWorkflow)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/cancel", s.handleCancel)
	v1.POST("/sessions/:id/resume", s.handleResume)
	v1.GET("/events", s.handleEvents)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// StartWorkflowRequest is the request body for POST /api/v1/sessions.
type StartWorkflowRequest struct {
	Repository string             `json:"repository"`
	Overrides  *session.Overrides `json:"overrides,omitempty"`
}

// StartWorkflowResponse is the response body for POST /api/v1/sessions.
type StartWorkflowResponse struct {
	SessionID     string `json:"sessionId"`
	ProgressToken string `json:"progressToken"`
}

func (s *Server) handleStartWorkflow(c echo.Context) error {
	var req StartWorkflowRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid start request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Repository == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "repository field is required")
	}

	res, err := s.coordinator.StartWorkflow(c.Request().Context(), req.Repository, req.Overrides)
	if err != nil {
		if workflow.KindOf(err) == workflow.KindInvalidConfig {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, StartWorkflowResponse{
		SessionID:     res.SessionID,
		ProgressToken: res.Token,
	})
}

func (s *Server) handleListSessions(c echo.Context) error {
	filter := session.Filter{
		Status:     workflow.Status(c.QueryParam("status")),
		Repository: c.QueryParam("repository"),
	}
	sessions, err := s.sessions.List(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.coordinator.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// AcknowledgeResponse is the response body for cancel and resume.
type AcknowledgeResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

func (s *Server) handleCancel(c echo.Context) error {
	id := c.Param("id")
	if err := s.coordinator.Cancel(c.Request().Context(), id); err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusAccepted, AcknowledgeResponse{SessionID: id, Status: "cancelling"})
}

func (s *Server) handleResume(c echo.Context) error {
	id := c.Param("id")
	if err := s.coordinator.Resume(c.Request().Context(), id); err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusAccepted, AcknowledgeResponse{SessionID: id, Status: "running"})
}

// handleEvents streams progress notifications as server-sent events. An
// optional token query parameter narrows the stream to one workflow run.
func (s *Server) handleEvents(c echo.Context) error {
	token := c.QueryParam("token")

	res := c.Response()
	res.Header().Set("Content-Type", "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	events := make(chan progress.Event, 64)
	unsubscribe := s.channel.Subscribe(func(ev progress.Event) {
		if token != "" && ev.Token != token {
			return
		}
		select {
		case events <- ev:
		default:
			// A slow consumer drops events rather than stalling the channel.
		}
	})
	defer unsubscribe()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

func sessionError(err error) error {
	switch {
	case isNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case isConflict(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, session.ErrNotFound)
}

func isConflict(err error) bool {
	return errors.Is(err, session.ErrExpired) ||
		errors.Is(err, orchestrator.ErrNotAwaiting) ||
		errors.Is(err, orchestrator.ErrNotRunning)
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

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
