package hub

import "errors"

// Hub errors
var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrUnknownEvent      = errors.New("unknown event")
	ErrBadPayload        = errors.New("malformed event payload")
)
