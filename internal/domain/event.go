package domain

import (
	"encoding/json"
	"fmt"
)

// Action is the kind of change an Event reports.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Event is broadcast to a tenant after a successful write of one of its entities.
// Events are opaque to the broadcaster; Data is serialized as-is.
type Event struct {
	Type   string `json:"type" validate:"required,max=128"`
	Module string `json:"module" validate:"required,max=128"`
	Action Action `json:"action" validate:"required,oneof=create update delete"`
	Data   any    `json:"data,omitempty"`
}

// Validate reports whether the event can be broadcast.
func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, describe(err))
	}
	return nil
}

// Encode validates the event and returns its wire form.
func (e Event) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.Type, err)
	}
	return data, nil
}
