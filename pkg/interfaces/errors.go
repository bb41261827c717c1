package interfaces

import "errors"

// Common collaborator errors
var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrMessageNotFound = errors.New("message not found")
)
