package domain

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	MessageTypeAuthenticate = "authenticate"
)

// Outbound message types.
const (
	MessageTypeAuthenticated = "authenticated"
)

// Envelope is the part of every inbound message needed to route it.
type Envelope struct {
	Type string `json:"type"`
}

// AuthenticateMessage binds a connection to a tenant. The identity is trusted as-is;
// the caller authenticated the user before the socket was opened.
type AuthenticateMessage struct {
	Type     string `json:"type"`
	TenantID string `json:"tenantId" validate:"required,max=256"`
	UserID   string `json:"userId" validate:"required,max=256"`
}

// AuthenticatedMessage acknowledges an authenticate message.
type AuthenticatedMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ParseEnvelope decodes the routing part of a raw inbound frame.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return env, nil
}

// ParseAuthenticate decodes and validates an authenticate message.
func ParseAuthenticate(raw []byte) (AuthenticateMessage, error) {
	var msg AuthenticateMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return AuthenticateMessage{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := validate.Struct(msg); err != nil {
		return AuthenticateMessage{}, fmt.Errorf("%w: %s", ErrInvalidMessage, describe(err))
	}
	return msg, nil
}

// AuthenticatedAck returns the encoded acknowledgement. reason is empty on success.
func AuthenticatedAck(reason string) []byte {
	data, _ := json.Marshal(AuthenticatedMessage{
		Type:    MessageTypeAuthenticated,
		Success: reason == "",
		Error:   reason,
	})
	return data
}
