package interfaces

import (
	"context"

	"chatrelay/pkg/types"
)

// MessageStore is the message-persistence collaborator.
// Persist returns the canonical record, which may carry a server-assigned id.
type MessageStore interface {
	Persist(ctx context.Context, msg *types.Message, authToken string) (*types.Message, error)
}

// HealthChecker is implemented by stores that can report their own health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
