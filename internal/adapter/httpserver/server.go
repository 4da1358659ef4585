// Package httpserver exposes the market REST API, health checks, metrics and
// the WebSocket routes on a single echo instance.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rupneel/crypto-tracker/internal/adapter/metrics"
	"github.com/rupneel/crypto-tracker/internal/domain"
	"github.com/rupneel/crypto-tracker/internal/platform/config"
)

type marketService interface {
	Listing(ctx context.Context, q domain.ListingQuery) (json.RawMessage, error)
	Coin(ctx context.Context, coinID string) (json.RawMessage, error)
	History(ctx context.Context, q domain.HistoryQuery) (json.RawMessage, error)
	Search(ctx context.Context, query string) (json.RawMessage, error)
	Trending(ctx context.Context) (json.RawMessage, error)
	GlobalStats(ctx context.Context) (json.RawMessage, error)
}

type broadcastStatus interface {
	ConnectionCount() int
	SchedulerRunning() bool
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	market marketService

	websocketHandler echo.HandlerFunc
	broadcast        broadcastStatus
	metricsHandler   http.Handler
	httpMetrics      *metrics.HTTPMetrics

	healthChecks []HealthCheck
	startTime    time.Time
}

type Option func(*Server)

// WithMetrics serves /metrics from handler and records request metrics.
func WithMetrics(handler http.Handler, m *metrics.HTTPMetrics) Option {
	return func(s *Server) {
		s.metricsHandler = handler
		s.httpMetrics = m
	}
}

// WithBroadcastStatus reports live connection and scheduler state on "/".
func WithBroadcastStatus(b broadcastStatus) Option {
	return func(s *Server) { s.broadcast = b }
}

func WithHealthChecks(checks ...HealthCheck) Option {
	return func(s *Server) { s.healthChecks = append(s.healthChecks, checks...) }
}

func NewServer(cfg *config.Config, market marketService, websocketHandler echo.HandlerFunc, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:             e,
		config:           cfg,
		market:           market,
		websocketHandler: websocketHandler,
		startTime:        time.Now(),
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP makes the server usable directly with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
