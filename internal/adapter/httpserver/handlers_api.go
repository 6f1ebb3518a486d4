package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/pscheid92/tenantcast/internal/broadcast"
	"github.com/pscheid92/tenantcast/internal/domain"
	apperrors "github.com/pscheid92/tenantcast/internal/platform/errors"
)

// publishRequest keeps data as raw JSON so the payload reaches clients byte for byte.
type publishRequest struct {
	Type   string          `json:"type"`
	Module string          `json:"module"`
	Action domain.Action   `json:"action"`
	Data   json.RawMessage `json:"data"`
}

func (p publishRequest) event() domain.Event {
	event := domain.Event{Type: p.Type, Module: p.Module, Action: p.Action}
	if len(p.Data) > 0 && string(p.Data) != "null" {
		event.Data = p.Data
	}
	return event
}

// PublishResponse is returned once an event has been queued for a tenant.
type PublishResponse struct {
	Recipients int `json:"recipients"`
}

// The publish API is only mounted when a token is configured.
func (s *Server) registerAPIRoutes() {
	if s.config.PublishToken == "" {
		slog.Warn("PUBLISH_TOKEN not set, HTTP publish API disabled")
		return
	}

	api := s.echo.Group("/api",
		newRateLimiter(apiRateLimit, apiRateBurst),
		requireToken(s.config.PublishToken),
		middleware.BodyLimit(apiBodyLimit),
	)
	api.POST("/tenants/:tenantID/events", s.handlePublishEvent)
	api.GET("/stats", s.handleStats)
}

func (s *Server) handlePublishEvent(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := c.Param("tenantID")

	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body").WithField("tenant_id", tenantID)
	}

	recipients, err := s.publisher.Publish(ctx, tenantID, req.event())
	switch {
	case errors.Is(err, domain.ErrInvalidEvent), errors.Is(err, domain.ErrMissingTenant):
		return apperrors.ValidationError(err.Error()).WithField("tenant_id", tenantID)
	case errors.Is(err, broadcast.ErrRegistryStopped), errors.Is(err, broadcast.ErrCommandTimeout):
		return apperrors.UnavailableError("broadcaster unavailable", err).WithField("tenant_id", tenantID)
	case err != nil:
		return apperrors.InternalError("failed to publish event", err).WithField("tenant_id", tenantID)
	}

	if err := c.JSON(http.StatusAccepted, PublishResponse{Recipients: recipients}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.stats.Stats(c.Request().Context())
	if err != nil {
		return apperrors.UnavailableError("broadcaster unavailable", err)
	}

	if err := c.JSON(http.StatusOK, stats); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
