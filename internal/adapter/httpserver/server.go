package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pscheid92/tenantcast/internal/adapter/metrics"
	"github.com/pscheid92/tenantcast/internal/broadcast"
	"github.com/pscheid92/tenantcast/internal/domain"
	"github.com/pscheid92/tenantcast/internal/platform/config"
)

const readHeaderTimeout = 10 * time.Second

// StatsProvider reports live connection totals. It also backs the readiness check.
type StatsProvider interface {
	Stats(ctx context.Context) (broadcast.Stats, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	publisher        domain.EventPublisher
	stats            StatsProvider
	websocketHandler http.Handler

	metricsRegistry *prometheus.Registry
	httpMetrics     *metrics.HTTPMetrics

	startTime time.Time
}

func NewServer(
	cfg *config.Config,
	publisher domain.EventPublisher,
	stats StatsProvider,
	websocketHandler http.Handler,
	metricsRegistry *prometheus.Registry,
	httpMetrics *metrics.HTTPMetrics,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = readHeaderTimeout

	srv := &Server{
		echo:             e,
		config:           cfg,
		publisher:        publisher,
		stats:            stats,
		websocketHandler: websocketHandler,
		metricsRegistry:  metricsRegistry,
		httpMetrics:      httpMetrics,
		startTime:        time.Now(),
	}

	srv.registerRoutes()
	return srv
}

// Start blocks serving on the configured port until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Hijacked WebSocket
// connections are not tracked by the HTTP server; the registry closes those.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (s *Server) Handler() http.Handler {
	return s.echo
}
