package domain

import "errors"

// Errors surfaced to HTTP callers and WebSocket peers.
var (
	// ErrInvalidInput is a malformed payload or a missing required field.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized is a token mismatch. It never says whether the id exists.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is an unknown instance id or token.
	ErrNotFound = errors.New("instance not found")

	// ErrInstanceOffline is a registered instance with no live connection.
	ErrInstanceOffline = errors.New("instance offline")
)
