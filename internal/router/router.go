package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatrelay/internal/channel"
	"chatrelay/internal/expiry"
	"chatrelay/internal/metrics"
	"chatrelay/internal/notify"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/resilience"
	"chatrelay/internal/session"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Outcome classifies a SendMessage result
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeRateLimited
	OutcomeInvalid
	OutcomeUnauthorized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Result is the definitive outcome of one send. Record is set only when
// Outcome is OutcomeDelivered; Err only otherwise.
type Result struct {
	Outcome    Outcome
	Record     *types.Record
	Err        error
	Recipients []string
}

// Deps are the components the pipeline orchestrates
type Deps struct {
	Sessions *session.Registry
	Channels *channel.Membership
	Limiter  *ratelimit.Limiter
	Expiry   *expiry.Scheduler
	Store    interfaces.MessageStore
	Guard    *resilience.Guard
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Options tune the pipeline
type Options struct {
	Limits types.MessageLimits
	Now    func() time.Time
	NewID  func() string
}

// Router is the message delivery pipeline
type Router struct {
	deps   Deps
	limits types.MessageLimits
	now    func() time.Time
	newID  func() string
	logger zerolog.Logger
}

// NewRouter creates a router
func NewRouter(deps Deps, opts Options) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Router{
		deps:   deps,
		limits: opts.Limits,
		now:    opts.Now,
		newID:  opts.NewID,
		logger: deps.Logger.With().Str("component", "router").Logger(),
	}
}

// SendMessage runs the pipeline for a message sent on conn:
// admission, validation, authorization, persistence, notifications,
// routing, expiry scheduling and the sender's confirmation.
// Persistence failures degrade to a provisional record instead of failing.
func (r *Router) SendMessage(ctx context.Context, conn interfaces.Connection, p types.SendMessagePayload) Result {
	return r.send(ctx, conn, p, types.ValidateSend)
}

// SendGroupMessage is SendMessage for send_group_message, whose payload must
// name a group
func (r *Router) SendGroupMessage(ctx context.Context, conn interfaces.Connection, p types.SendMessagePayload) Result {
	return r.send(ctx, conn, p, types.ValidateGroupSend)
}

type validateFunc func(p types.SendMessagePayload, now time.Time, limits types.MessageLimits) (*time.Time, error)

func (r *Router) send(ctx context.Context, conn interfaces.Connection, p types.SendMessagePayload, validate validateFunc) Result {
	if conn == nil {
		return Result{Outcome: OutcomeInvalid, Err: ErrNilConnection}
	}
	identity := conn.Identity()

	if !r.deps.Limiter.Admit(identity, ratelimit.OpSendMessage) {
		r.deps.Metrics.RateLimited(ratelimit.OpSendMessage)
		return Result{Outcome: OutcomeRateLimited, Err: types.ErrRateLimited}
	}

	now := r.now()
	expiresAt, err := validate(p, now, r.limits)
	if err != nil {
		return Result{Outcome: OutcomeInvalid, Err: err}
	}

	if p.SenderID != identity {
		r.logger.Warn().
			Str("identity", identity).
			Str("claimed_sender", p.SenderID).
			Msg("Sender does not match connection identity")
		return Result{Outcome: OutcomeUnauthorized, Err: types.ErrUnauthorized}
	}

	draft := types.Message{
		SenderID:    p.SenderID,
		ReceiverID:  p.ReceiverID,
		GroupID:     p.GroupID,
		Content:     p.Content,
		MessageType: p.MessageType,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	record := r.persist(ctx, draft, conn.AuthToken())
	msg := record.Message()

	r.notify(msg)

	var recipients []string
	if msg.IsGroup() {
		recipients = r.deliverGroup(record, msg)
		r.deps.Metrics.Delivered("group", len(recipients))
	} else {
		recipients = r.deliverDirect(record, msg)
		r.deps.Metrics.Delivered("direct", len(recipients))
	}

	if msg.ExpiresAt != nil {
		r.scheduleExpiry(msg, recipients)
	}

	if err := conn.WriteEvent(types.EventMessageSent, types.MessageSentPayload{Success: true, Message: record}); err != nil {
		r.logger.Debug().Err(err).Str("identity", identity).Msg("Sender confirmation not delivered")
	}

	r.deps.Metrics.MessageOutcome(msg.Status)
	r.logger.Debug().
		Str("identity", identity).
		Str("message_id", msg.ID).
		Str("status", msg.Status).
		Int("recipients", len(recipients)).
		Msg("Message routed")

	return Result{Outcome: OutcomeDelivered, Record: record, Recipients: recipients}
}

// persist stores the draft through the store guard. An open circuit yields a
// pending record without calling the store; any other failure a failed one.
func (r *Router) persist(ctx context.Context, draft types.Message, authToken string) *types.Record {
	if r.deps.Store == nil || r.deps.Guard == nil {
		r.logger.Error().Err(ErrNoStore).Msg("Persistence skipped")
		return types.Provisional(draft, r.newID(), types.ReasonRetriesExhausted)
	}

	record, err := resilience.Call(ctx, r.deps.Guard,
		func(ctx context.Context) (*types.Record, error) {
			msg, err := r.deps.Store.Persist(ctx, &draft, authToken)
			if err != nil {
				return nil, err
			}
			if msg == nil {
				return nil, resilience.Permanent(ErrEmptyRecord)
			}
			canonical := *msg
			if canonical.ExpiresAt == nil {
				canonical.ExpiresAt = draft.ExpiresAt
			}
			return types.Persisted(canonical), nil
		},
		func(cause error) (*types.Record, error) {
			return types.Provisional(draft, r.newID(), types.ReasonCircuitOpen), nil
		})
	if err != nil {
		r.logger.Warn().
			Err(err).
			Str("identity", draft.SenderID).
			Msg("Message persistence failed, delivering provisional record")
		return types.Provisional(draft, r.newID(), types.ReasonRetriesExhausted)
	}
	return record
}

func (r *Router) notify(msg types.Message) {
	if r.deps.Notifier == nil {
		return
	}
	meta := map[string]any{
		"messageId":   msg.ID,
		"messageType": msg.MessageType,
		"status":      msg.Status,
	}
	if msg.IsGroup() {
		meta["groupId"] = msg.GroupID
	} else {
		meta["receiverId"] = msg.ReceiverID
	}

	r.deps.Notifier.Analysis(msg.SenderID, types.EventSendMessage, meta)
	r.deps.Notifier.Presence(msg.SenderID, types.EventMessageSent, meta)
	r.deps.Notifier.RoomInsight(msg.SenderID, types.EventReceiveMessage, meta)
}

func (r *Router) deliverDirect(record *types.Record, msg types.Message) []string {
	conn, ok := r.deps.Sessions.Lookup(msg.ReceiverID)
	if !ok {
		return nil
	}
	if err := conn.WriteEvent(types.EventReceiveMessage, record); err != nil {
		r.logger.Debug().Err(err).Str("identity", msg.ReceiverID).Msg("Direct delivery failed")
		return nil
	}
	return []string{msg.ReceiverID}
}

// deliverGroup writes to every online member except the sender
func (r *Router) deliverGroup(record *types.Record, msg types.Message) []string {
	var delivered []string
	for _, member := range r.deps.Channels.MembersOf(channel.GroupChannel(msg.GroupID)) {
		if member == msg.SenderID {
			continue
		}
		conn, ok := r.deps.Sessions.Lookup(member)
		if !ok {
			continue
		}
		if err := conn.WriteEvent(types.EventReceiveMessage, record); err != nil {
			r.logger.Debug().Err(err).Str("identity", member).Msg("Group delivery failed")
			continue
		}
		delivered = append(delivered, member)
	}
	return delivered
}

func (r *Router) scheduleExpiry(msg types.Message, recipients []string) {
	if r.deps.Expiry == nil {
		return
	}
	target := expiry.Target{
		ReceiverID: msg.ReceiverID,
		GroupID:    msg.GroupID,
		Recipients: append([]string{msg.SenderID}, recipients...),
	}
	messageID := msg.ID
	r.deps.Expiry.Schedule(messageID, target, *msg.ExpiresAt, func(t expiry.Target) {
		r.expire(messageID, t)
	})
}

// expire sends the deletion signal to everyone who received the message and is still online
func (r *Router) expire(messageID string, t expiry.Target) {
	payload := types.MessageDeletedPayload{
		MessageID:  messageID,
		Reason:     types.DeleteReasonExpired,
		ReceiverID: t.ReceiverID,
		GroupID:    t.GroupID,
	}
	for _, identity := range t.Recipients {
		conn, ok := r.deps.Sessions.Lookup(identity)
		if !ok {
			continue
		}
		if err := conn.WriteEvent(types.EventMessageDeleted, payload); err != nil {
			r.logger.Debug().Err(err).Str("identity", identity).Str("message_id", messageID).Msg("Expiry signal not delivered")
		}
	}
	r.deps.Metrics.ExpiryFired()
}
