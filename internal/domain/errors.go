package domain

import "errors"

var (
	ErrInvalidEvent   = errors.New("invalid event")
	ErrInvalidMessage = errors.New("invalid message")
	ErrMissingTenant  = errors.New("tenant id is required")
)
