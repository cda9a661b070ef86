// Package http provides the HTTP API for sessiond.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessiond/internal/checkpoint"
	"github.com/fyrsmithlabs/sessiond/internal/intervention"
	"github.com/fyrsmithlabs/sessiond/internal/logging"
	"github.com/fyrsmithlabs/sessiond/internal/orchestrator"
	"github.com/fyrsmithlabs/sessiond/internal/project"
	"github.com/fyrsmithlabs/sessiond/internal/retest"
	"github.com/fyrsmithlabs/sessiond/internal/session"
)

// Server provides HTTP endpoints for sessiond.
type Server struct {
	echo     *echo.Echo
	registry orchestrator.Registry
	engine   *orchestrator.Engine
	logger   *zap.Logger
	config   *Config
}

// defaultCandidateLimit caps a retest-candidates listing when the caller
// does not pass an explicit limit.
const defaultCandidateLimit = 5

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string

	// StaleThreshold is used by the read-only stale-session listing.
	StaleThreshold time.Duration
}

// NewServer creates a new HTTP server.
func NewServer(registry orchestrator.Registry, engine *orchestrator.Engine, logger *zap.Logger, cfg *Config) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8480,
		}
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 10 * time.Minute
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Routes nest session and pause handlers under :id; project
			// scoping arrives as a query param or :id on /projects routes.
			ctx := c.Request().Context()
			if id := c.Param("id"); id != "" && strings.HasPrefix(c.Path(), "/api/v1/sessions/") {
				ctx = logging.WithSessionID(ctx, id)
			}
			if projectID := c.QueryParam("project_id"); projectID != "" {
				ctx = logging.WithProjectID(ctx, projectID)
			} else if strings.HasPrefix(c.Path(), "/api/v1/projects/") {
				ctx = logging.WithProjectID(ctx, c.Param("id"))
			}
			c.SetRequest(c.Request().WithContext(ctx))

			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			fields := append(logging.ContextFields(ctx),
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			logger.Info("http request", fields...)

			return err
		}
	})

	s := &Server{
		echo:     e,
		registry: registry,
		engine:   engine,
		logger:   logger,
		config:   cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check and Prometheus metrics
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions", s.handleStartSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/stale", s.handleStaleSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/heartbeat", s.handleHeartbeat)
	v1.POST("/sessions/:id/progress", s.handleProgress)
	v1.POST("/sessions/:id/blocker", s.handleBlocker)
	v1.POST("/sessions/:id/complete", s.handleComplete)
	v1.POST("/sessions/:id/reactivate", s.handleReactivate)
	v1.GET("/sessions/:id/checkpoint", s.handleLatestCheckpoint)
	v1.POST("/sessions/:id/checkpoints/invalidate", s.handleInvalidateCheckpoints)
	v1.GET("/pauses/:id", s.handleGetPause)
	v1.POST("/pauses/:id/resume", s.handleResumePause)
	v1.POST("/work-units", s.handleRegisterWorkUnit)
	v1.GET("/work-units", s.handleListWorkUnits)
	v1.POST("/work-units/:id/complete", s.handleCompleteWorkUnit)
	v1.POST("/retests", s.handleRecordRetest)
	v1.GET("/projects/:id/stability", s.handleProjectStability)
	v1.GET("/projects/:id/retest-candidates", s.handleRetestCandidates)
	v1.POST("/recoveries/:id/complete", s.handleCompleteRecovery)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.config.Version,
	})
}

func (s *Server) handleStartSession(c echo.Context) error {
	var req StartSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id field is required")
	}

	sess, err := s.registry.Sessions().Start(c.Request().Context(), session.StartRequest{
		ProjectID: req.ProjectID,
		Kind:      session.Kind(req.Kind),
		Profile:   req.Profile,
	})
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleListSessions(c echo.Context) error {
	projectID := c.QueryParam("project_id")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id query parameter is required")
	}

	sessions, err := s.registry.Sessions().ListByProject(c.Request().Context(), projectID)
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusOK, SessionListResponse{Sessions: sessions})
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.registry.Sessions().Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleStaleSessions(c echo.Context) error {
	stale, err := s.registry.Sessions().ListStale(c.Request().Context(), s.config.StaleThreshold)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, SessionListResponse{Sessions: stale})
}

func (s *Server) handleHeartbeat(c echo.Context) error {
	if err := s.registry.Sessions().Heartbeat(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleProgress(c echo.Context) error {
	var req ProgressRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	cp, err := s.registry.Sessions().ReportProgress(c.Request().Context(), c.Param("id"),
		checkpoint.Reason(req.Reason), req.Snapshot)
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusCreated, cp)
}

func (s *Server) handleBlocker(c echo.Context) error {
	var req BlockerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	pause, err := s.engine.ReportBlocker(c.Request().Context(), intervention.PauseRequest{
		SessionID:     c.Param("id"),
		Reason:        req.Reason,
		Type:          intervention.PauseType(req.Type),
		CurrentTask:   req.CurrentTask,
		BlockerInfo:   req.BlockerInfo,
		RetryStats:    req.RetryStats,
		CanAutoResume: req.CanAutoResume,
		ResumePrompt:  req.ResumePrompt,
	})
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusCreated, pause)
}

func (s *Server) handleComplete(c echo.Context) error {
	var req CompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	sess, decision, err := s.engine.HandleCompletion(c.Request().Context(), c.Param("id"),
		session.Outcome(req.Outcome), req.Metrics, req.ErrorMessage)
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusOK, CompleteResponse{
		Session: sess,
		Review:  decision,
	})
}

func (s *Server) handleReactivate(c echo.Context) error {
	seed, err := s.registry.Sessions().Reactivate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, ReactivateResponse{Checkpoint: seed})
}

func (s *Server) handleLatestCheckpoint(c echo.Context) error {
	cp, err := s.registry.Checkpoints().LatestResumable(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	if cp == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no resumable checkpoint")
	}
	return c.JSON(http.StatusOK, cp)
}

func (s *Server) handleInvalidateCheckpoints(c echo.Context) error {
	var req InvalidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason field is required")
	}

	count, err := s.registry.Checkpoints().InvalidateAll(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusOK, InvalidateResponse{Invalidated: count})
}

func (s *Server) handleGetPause(c echo.Context) error {
	ctx := c.Request().Context()

	pause, err := s.registry.Interventions().Get(ctx, c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}

	actions, err := s.registry.Interventions().Actions(ctx, pause.ID)
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusOK, PauseResponse{Pause: pause, Actions: actions})
}

func (s *Server) handleResumePause(c echo.Context) error {
	var req ResumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ResolvedBy == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resolved_by field is required")
	}

	resumed, err := s.registry.Interventions().Resume(c.Request().Context(), c.Param("id"),
		req.ResolvedBy, req.Notes)
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusOK, ResumeResponse{Resumed: resumed})
}

func (s *Server) handleRegisterWorkUnit(c echo.Context) error {
	var req RegisterWorkUnitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id field is required")
	}

	unit, err := s.registry.WorkUnits().Register(c.Request().Context(), project.RegisterRequest{
		ID:         req.ID,
		ProjectID:  req.ProjectID,
		Name:       req.Name,
		Dependents: req.Dependents,
		Critical:   req.Critical,
	})
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusCreated, unit)
}

func (s *Server) handleListWorkUnits(c echo.Context) error {
	projectID := c.QueryParam("project_id")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id query parameter is required")
	}

	units, err := s.registry.WorkUnits().ListByProject(c.Request().Context(), projectID)
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusOK, WorkUnitListResponse{Units: units})
}

// handleCompleteWorkUnit records an epic completion signal and feeds the
// retest trigger counter.
func (s *Server) handleCompleteWorkUnit(c echo.Context) error {
	var req CompleteWorkUnitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	unit, err := s.registry.WorkUnits().Complete(ctx, c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}

	if err := s.engine.OnEpicCompleted(ctx, unit.ProjectID, unit.ID, req.SessionID); err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusOK, unit)
}

func (s *Server) handleRecordRetest(c echo.Context) error {
	var req RecordRetestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	run, err := s.registry.Retests().RecordResult(c.Request().Context(), retest.RecordRequest{
		EpicID:            req.EpicID,
		ProjectID:         req.ProjectID,
		TriggeredByEpicID: req.TriggeredByEpicID,
		SessionID:         req.SessionID,
		Result:            retest.Result(req.Result),
		IsRegression:      req.IsRegression,
		Critical:          req.Critical,
		TestsRun:          req.TestsRun,
		TestsPassed:       req.TestsPassed,
		TestsFailed:       req.TestsFailed,
		ExecutionTimeMS:   req.ExecutionTimeMS,
		SelectionReason:   req.SelectionReason,
	})
	if err != nil {
		return s.mapError(err)
	}

	return c.JSON(http.StatusCreated, run)
}

func (s *Server) handleProjectStability(c echo.Context) error {
	metrics, err := s.registry.Retests().ProjectStability(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, StabilityResponse{Epics: metrics})
}

// handleRetestCandidates runs the selection policy for an out-of-process
// test driver. The driver reports its results back through POST /retests.
func (s *Server) handleRetestCandidates(c echo.Context) error {
	limit := defaultCandidateLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}

	candidates, err := s.registry.Retests().SelectCandidates(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return s.mapError(err)
	}

	if candidates == nil {
		candidates = []retest.Candidate{}
	}
	return c.JSON(http.StatusOK, RetestCandidatesResponse{Candidates: candidates})
}

func (s *Server) handleCompleteRecovery(c echo.Context) error {
	var req CompleteRecoveryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	status := checkpoint.RecoveryStatus(req.Status)
	if status != checkpoint.RecoverySuccess && status != checkpoint.RecoveryFailed {
		return echo.NewHTTPError(http.StatusBadRequest, "status must be success or failed")
	}

	if err := s.registry.Checkpoints().CompleteRecovery(c.Request().Context(), c.Param("id"), status, req.Diff); err != nil {
		return s.mapError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

// mapError converts domain sentinel errors to HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, checkpoint.ErrNotFound),
		errors.Is(err, intervention.ErrPauseNotFound),
		errors.Is(err, project.ErrUnitNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrProjectBusy),
		errors.Is(err, intervention.ErrAlreadyPaused):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrPlanningRequired),
		errors.Is(err, session.ErrPlanningForbidden):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
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
