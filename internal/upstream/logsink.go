package upstream

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink records notifications in the log when no broker is configured.
// It implements interfaces.EventSink and interfaces.StatusUpdater.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink logging at debug level under the sink's name
func NewLogSink(logger zerolog.Logger, sink string) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "sink").Str("sink", sink).Logger()}
}

// Notify logs the notification
func (s *LogSink) Notify(ctx context.Context, identity, event string, metadata map[string]any) error {
	s.logger.Debug().
		Str("identity", identity).
		Str("event", event).
		Fields(metadata).
		Msg("Notification")
	return nil
}

// SetStatus logs the status change
func (s *LogSink) SetStatus(ctx context.Context, identity, status string) error {
	s.logger.Debug().
		Str("identity", identity).
		Str("status", status).
		Msg("Identity status")
	return nil
}
