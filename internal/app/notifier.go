package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pscheid92/tenantcast/internal/domain"
)

// Broadcaster delivers an encoded event to the live connections of a tenant.
type Broadcaster interface {
	Broadcast(ctx context.Context, tenantID string, event domain.Event) (int, error)
}

// Notifier is the entry point for collaborators that announce entity changes.
// It checks the request before handing it to the broadcaster.
type Notifier struct {
	broadcaster Broadcaster
}

var _ domain.EventPublisher = (*Notifier)(nil)

func NewNotifier(broadcaster Broadcaster) *Notifier {
	return &Notifier{broadcaster: broadcaster}
}

// Publish broadcasts event to tenantID and returns the number of connections it reached.
// A tenant without connections is not an error.
func (n *Notifier) Publish(ctx context.Context, tenantID string, event domain.Event) (int, error) {
	if strings.TrimSpace(tenantID) == "" {
		return 0, domain.ErrMissingTenant
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	recipients, err := n.broadcaster.Broadcast(ctx, tenantID, event)
	if err != nil {
		return 0, fmt.Errorf("broadcast %s.%s to tenant %s: %w", event.Module, event.Action, tenantID, err)
	}

	slog.DebugContext(ctx, "Event published",
		"tenant_id", tenantID,
		"type", event.Type,
		"module", event.Module,
		"action", event.Action,
		"recipients", recipients,
	)
	return recipients, nil
}
