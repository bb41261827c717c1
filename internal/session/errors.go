package session

import "errors"

// Session registry errors
var (
	ErrNilConnection   = errors.New("connection cannot be nil")
	ErrInvalidIdentity = errors.New("invalid identity")
)
