package httpserver

import (
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pscheid92/tenantcast/internal/adapter/metrics"
	wsadapter "github.com/pscheid92/tenantcast/internal/adapter/websocket"
	apperrors "github.com/pscheid92/tenantcast/internal/platform/errors"
)

const (
	apiBodyLimit = "1M"
	apiRateLimit = 200
	apiRateBurst = 400
)

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(requestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.httpMetrics.Middleware(wsadapter.Path))
	s.echo.Use(apperrors.Middleware(s.httpMetrics.Errors))
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "no-referrer",
	}))

	s.echo.GET(wsadapter.Path, echo.WrapHandler(s.websocketHandler))
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.metricsRegistry)))

	s.registerHealthRoutes()
	s.registerAPIRoutes()
}

func requestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Path()
			return path == "/metrics" || strings.HasPrefix(path, "/health/")
		},
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
