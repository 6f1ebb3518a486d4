package domain

import (
	"context"
)

// EventPublisher pushes a domain-change event to every live connection of a tenant.
// It returns the number of connections the event was handed to.
type EventPublisher interface {
	Publish(ctx context.Context, tenantID string, event Event) (int, error)
}
