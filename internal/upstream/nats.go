package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Sink names used as the second subject token
const (
	SinkPresence = "presence"
	SinkAnalysis = "analysis"
	SinkInsight  = "insight"
	SinkStatus   = "status"
)

// Publisher is the part of *nats.Conn the sinks need
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
}

// ConnectNATS dials NATS with reconnect handling that logs through logger
func ConnectNATS(cfg NATSConfig, logger zerolog.Logger) (*nats.Conn, error) {
	log := logger.With().Str("component", "nats").Logger()

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(func(conn *nats.Conn) {
			log.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(conn *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("Disconnected from NATS")
				return
			}
			log.Info().Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(conn *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Notification is the JSON body published for every sink event
type Notification struct {
	Identity string         `json:"identity"`
	Event    string         `json:"event"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// NATSSink publishes notifications to <prefix>.<sink>.<event>.
// It implements interfaces.EventSink and interfaces.StatusUpdater.
type NATSSink struct {
	pub    Publisher
	prefix string
	sink   string
	now    func() time.Time
}

// NewNATSSink creates a sink publishing under prefix
func NewNATSSink(pub Publisher, prefix, sink string) *NATSSink {
	return &NATSSink{
		pub:    pub,
		prefix: strings.Trim(prefix, "."),
		sink:   sink,
		now:    time.Now,
	}
}

// Subject returns the subject an event is published on
func (s *NATSSink) Subject(event string) string {
	if s.prefix == "" {
		return s.sink + "." + event
	}
	return s.prefix + "." + s.sink + "." + event
}

// Notify publishes one notification
func (s *NATSSink) Notify(ctx context.Context, identity, event string, metadata map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(Notification{
		Identity: identity,
		Event:    event,
		Metadata: metadata,
		At:       s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	if err := s.pub.Publish(s.Subject(event), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", s.Subject(event), err)
	}
	return nil
}

// SetStatus publishes the identity's status as a status event
func (s *NATSSink) SetStatus(ctx context.Context, identity, status string) error {
	return s.Notify(ctx, identity, status, nil)
}
