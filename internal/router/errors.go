package router

import "errors"

// Router errors
var (
	ErrNilConnection = errors.New("sender connection cannot be nil")
	ErrNoStore       = errors.New("message store not configured")
	ErrEmptyRecord   = errors.New("message store returned no record")
)
