package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrDuplicateConnection = errors.New("connection is already registered")
)

// Handshake errors
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrAuthUnavailable  = errors.New("authentication service unavailable")
	ErrInvalidIdentity  = errors.New("token resolved to an invalid identity")
	ErrHandshakeLimited = errors.New("too many connection attempts")
)
