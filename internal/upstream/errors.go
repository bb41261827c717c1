package upstream

import "errors"

var (
	ErrMissingIdentity = errors.New("token names no identity")
	ErrNoBaseURL       = errors.New("message store base URL is required")
	ErrNilMessage      = errors.New("message cannot be nil")
	ErrEmptyResponse   = errors.New("message store returned no message")
)
