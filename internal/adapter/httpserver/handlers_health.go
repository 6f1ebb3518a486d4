package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/tenantcast/internal/platform/version"
)

// Readiness asks the registry for its totals; a stopped or wedged registry answers with an error.
const readinessTimeout = 2 * time.Second

type livenessResponse struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime"`
}

type readinessResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Tenants     int    `json:"tenants"`
}

type unhealthyResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleLiveness(c echo.Context) error {
	return writeJSON(c, http.StatusOK, livenessResponse{Status: "ok", Uptime: time.Since(s.startTime).Seconds()})
}

// handleReadiness reports ready only while the registry answers commands, so a load balancer
// stops routing upgrades to an instance whose registry has stopped.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
	defer cancel()

	stats, err := s.stats.Stats(ctx)
	if err != nil {
		return writeJSON(c, http.StatusServiceUnavailable, unhealthyResponse{Status: "unhealthy", Error: err.Error()})
	}
	return writeJSON(c, http.StatusOK, readinessResponse{Status: "ready", Connections: stats.Connections, Tenants: stats.Tenants})
}

func (s *Server) handleVersion(c echo.Context) error {
	return writeJSON(c, http.StatusOK, version.Get())
}

func writeJSON(c echo.Context, status int, body any) error {
	if err := c.JSON(status, body); err != nil {
		return fmt.Errorf("failed to write %s response: %w", c.Path(), err)
	}
	return nil
}
