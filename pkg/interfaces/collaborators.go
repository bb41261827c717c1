package interfaces

import "context"

// TokenVerifier resolves a bearer credential to an identity
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// EventSink receives fire-and-forget notifications (presence, analysis, room insight)
type EventSink interface {
	Notify(ctx context.Context, identity, event string, metadata map[string]any) error
}

// StatusUpdater records an identity's online status
type StatusUpdater interface {
	SetStatus(ctx context.Context, identity, status string) error
}
