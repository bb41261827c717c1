// Package notify sends best-effort notifications to the fire-and-forget
// collaborators. Nothing here ever returns an error to its caller.
package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"chatrelay/internal/resilience"
	"chatrelay/pkg/interfaces"
)

// Sinks are the notification collaborators. Any of them may be nil.
type Sinks struct {
	Presence interfaces.EventSink
	Analysis interfaces.EventSink
	Insight  interfaces.EventSink
	Status   interfaces.StatusUpdater
}

// Notifier runs each notification asynchronously through its collaborator's guard
type Notifier struct {
	sinks  Sinks
	guards *resilience.Registry
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New creates a notifier
func New(sinks Sinks, guards *resilience.Registry, logger zerolog.Logger) *Notifier {
	return &Notifier{
		sinks:  sinks,
		guards: guards,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// Presence notifies the presence sink
func (n *Notifier) Presence(identity, event string, meta map[string]any) {
	if n.sinks.Presence == nil {
		return
	}
	n.dispatch(resilience.CollaboratorPresence, identity, event, func(ctx context.Context) error {
		return n.sinks.Presence.Notify(ctx, identity, event, meta)
	})
}

// Analysis notifies the analysis sink
func (n *Notifier) Analysis(identity, event string, meta map[string]any) {
	if n.sinks.Analysis == nil {
		return
	}
	n.dispatch(resilience.CollaboratorAnalysis, identity, event, func(ctx context.Context) error {
		return n.sinks.Analysis.Notify(ctx, identity, event, meta)
	})
}

// RoomInsight notifies the room-insight sink
func (n *Notifier) RoomInsight(identity, event string, meta map[string]any) {
	if n.sinks.Insight == nil {
		return
	}
	n.dispatch(resilience.CollaboratorInsight, identity, event, func(ctx context.Context) error {
		return n.sinks.Insight.Notify(ctx, identity, event, meta)
	})
}

// Status updates the identity-status collaborator
func (n *Notifier) Status(identity, status string) {
	if n.sinks.Status == nil {
		return
	}
	n.dispatch(resilience.CollaboratorStatus, identity, status, func(ctx context.Context) error {
		return n.sinks.Status.SetStatus(ctx, identity, status)
	})
}

// Wait blocks until every notification in flight has finished
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) dispatch(collaborator, identity, event string, fn func(context.Context) error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error().
					Interface("panic", r).
					Str("collaborator", collaborator).
					Str("identity", identity).
					Msg("Notification panicked")
			}
		}()

		guard := n.guards.Guard(collaborator)
		_, err := resilience.Call(context.Background(), guard,
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, fn(ctx)
			},
			func(error) (struct{}, error) {
				// circuit open: drop the notification
				return struct{}{}, nil
			})
		if err != nil {
			n.logger.Warn().
				Err(err).
				Str("collaborator", collaborator).
				Str("identity", identity).
				Str("event", event).
				Msg("Notification failed")
		}
	}()
}
