package stream

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/labdaq/labdaq/pkg/engine"
	"github.com/labdaq/labdaq/pkg/stores"
)

// DocumentSource is the subset of the run engine the stream server consumes.
type DocumentSource interface {
	Subscribe() *engine.Subscription
	Unsubscribe(*engine.Subscription)
}

// RunStore is the subset of the store the REST endpoints read from.
type RunStore interface {
	GetRun(ctx context.Context, uid string) (*stores.Run, error)
	ListRuns(ctx context.Context, filter stores.RunFilter) ([]*stores.Run, error)
	ListEvents(ctx context.Context, runUID string) ([]*stores.Event, error)
}

// Config holds stream server settings.
type Config struct {
	Addr         string        `yaml:"addr"`
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns sensible stream server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8089",
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server exposes the live document stream over WebSocket and recorded
// runs over REST.
type Server struct {
	echo   *echo.Echo
	config Config
	source DocumentSource
	store  RunStore
	logger zerolog.Logger
}

// NewServer creates a stream server. The store may be nil, in which case
// the run history endpoints respond with 503.
func NewServer(config Config, source DocumentSource, store RunStore, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		config: config,
		source: source,
		store:  store,
		logger: logger.With().Str("component", "stream-server").Logger(),
	}

	e.GET("/healthz", s.handleHealth)
	e.GET("/api/runs", s.handleListRuns)
	e.GET("/api/runs/:uid", s.handleGetRun)
	e.GET("/api/runs/:uid/events", s.handleListEvents)
	e.GET("/stream", s.handleStream)

	return s
}

// Start starts the HTTP server on the configured address.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.Addr).Msg("Stream server listening")
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := map[string]interface{}{
		"status": "healthy",
	}
	if s.store != nil {
		if hc, ok := s.store.(interface{ HealthCheck(context.Context) error }); ok {
			if err := hc.HealthCheck(c.Request().Context()); err != nil {
				resp["status"] = "degraded"
				resp["store"] = err.Error()
				return c.JSON(http.StatusServiceUnavailable, resp)
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListRuns(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "run history is not enabled"})
	}

	filter := stores.RunFilter{
		Status: stores.RunStatus(c.QueryParam("status")),
		Limit:  100,
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		filter.Limit = limit
	}

	runs, err := s.store.ListRuns(c.Request().Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list runs")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
	}
	if runs == nil {
		runs = []*stores.Run{}
	}

	return c.JSON(http.StatusOK, runs)
}

func (s *Server) handleGetRun(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "run history is not enabled"})
	}

	run, err := s.store.GetRun(c.Request().Context(), c.Param("uid"))
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		s.logger.Error().Err(err).Str("run_uid", c.Param("uid")).Msg("Failed to get run")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}

	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleListEvents(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "run history is not enabled"})
	}

	uid := c.Param("uid")
	if _, err := s.store.GetRun(c.Request().Context(), uid); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		s.logger.Error().Err(err).Str("run_uid", uid).Msg("Failed to get run")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}

	events, err := s.store.ListEvents(c.Request().Context(), uid)
	if err != nil {
		s.logger.Error().Err(err).Str("run_uid", uid).Msg("Failed to list events")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list events"})
	}
	if events == nil {
		events = []*stores.Event{}
	}

	return c.JSON(http.StatusOK, events)
}
