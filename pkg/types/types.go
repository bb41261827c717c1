package types

import (
	"encoding/json"
	"time"
)

// Message types accepted from clients
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeFile     = "file"
	MessageTypeLocation = "location"
	MessageTypeSystem   = "system"
)

// Record status markers. Pending and failed records were never confirmed by
// the persistence collaborator and carry a temporary id.
const (
	StatusSent    = "sent"
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// TempIDPrefix marks locally generated ids of provisional records
const TempIDPrefix = "temp_"

// Message is a chat message as exchanged with clients and the persistence collaborator.
// Exactly one of ReceiverID and GroupID is set on a valid message.
type Message struct {
	ID          string     `json:"id,omitempty"`
	SenderID    string     `json:"senderId"`
	ReceiverID  string     `json:"receiverId,omitempty"`
	GroupID     string     `json:"groupId,omitempty"`
	Content     string     `json:"content"`
	MessageType string     `json:"messageType"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	Status      string     `json:"status,omitempty"`
}

// IsGroup reports whether the message targets a group channel
func (m *Message) IsGroup() bool {
	return m.GroupID != ""
}

// ProvisionalReason says why a record could not be confirmed as persisted
type ProvisionalReason int

const (
	// ReasonNone marks a persisted record
	ReasonNone ProvisionalReason = iota
	// ReasonCircuitOpen: the store was not attempted, delivery is optimistic
	ReasonCircuitOpen
	// ReasonRetriesExhausted: every attempt against the store failed
	ReasonRetriesExhausted
)

// Status returns the wire status marker for the reason
func (r ProvisionalReason) Status() string {
	switch r {
	case ReasonCircuitOpen:
		return StatusPending
	case ReasonRetriesExhausted:
		return StatusFailed
	default:
		return StatusSent
	}
}

// Record is the outcome of the persistence step: either the canonical
// persisted message or a provisional stand-in. It is built once by Persisted
// or Provisional and never mutated afterwards.
type Record struct {
	message Message
	reason  ProvisionalReason
}

// Persisted wraps a canonical message returned by the persistence collaborator
func Persisted(msg Message) *Record {
	msg.Status = StatusSent
	return &Record{message: msg, reason: ReasonNone}
}

// Provisional builds a locally synthesized record with a temporary id
func Provisional(draft Message, tempID string, reason ProvisionalReason) *Record {
	draft.ID = TempIDPrefix + tempID
	draft.Status = reason.Status()
	return &Record{message: draft, reason: reason}
}

// Message returns a copy of the record's message
func (r *Record) Message() Message {
	return r.message
}

// ID returns the record id (server-assigned or temporary)
func (r *Record) ID() string {
	return r.message.ID
}

// IsProvisional reports whether the record was not confirmed by the store
func (r *Record) IsProvisional() bool {
	return r.reason != ReasonNone
}

// Reason returns why the record is provisional (ReasonNone when persisted)
func (r *Record) Reason() ProvisionalReason {
	return r.reason
}

// MarshalJSON encodes the record as its message
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.message)
}

// InboundEvent is a named client event with a raw payload
type InboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is a named server event
type OutboundEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// SendMessagePayload is the payload of send_message and send_group_message
type SendMessagePayload struct {
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

// RoomPayload is the payload of join_room and leave_room
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// GroupPayload is the payload of join_group and leave_group
type GroupPayload struct {
	GroupID string `json:"groupId"`
}

// TypingPayload targets either a receiver or a group
type TypingPayload struct {
	ReceiverID string `json:"receiverId,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
}

// ReceiptPayload is the payload of message_delivered, message_read_status and message_read
type ReceiptPayload struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// DeletePayload is the payload of delete_message
type DeletePayload struct {
	MessageID  string `json:"messageId"`
	ReceiverID string `json:"receiverId,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
}

// ErrorPayload is sent with the error event
type ErrorPayload struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Event      string   `json:"event,omitempty"`
	Severity   string   `json:"severity,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// MessageSentPayload confirms a send to the sender
type MessageSentPayload struct {
	Success bool    `json:"success"`
	Message *Record `json:"message"`
}

// MessageDeletedPayload announces a removed message
type MessageDeletedPayload struct {
	MessageID  string `json:"messageId"`
	Reason     string `json:"reason"`
	ReceiverID string `json:"receiverId,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
	DeletedBy  string `json:"deletedBy,omitempty"`
}

// Deletion reasons
const (
	DeleteReasonExpired   = "expired"
	DeleteReasonRequested = "deleted"
)

// ConnectedPayload greets a newly registered connection
type ConnectedPayload struct {
	Identity     string   `json:"identity"`
	ConnectionID string   `json:"connectionId"`
	OnlineUsers  []string `json:"onlineUsers"`
}

// OnlineUsersPayload lists the connected identities
type OnlineUsersPayload struct {
	Users []string `json:"users"`
}

// PresencePayload announces an identity going online or offline
type PresencePayload struct {
	Identity string    `json:"identity"`
	At       time.Time `json:"at"`
}

// RoomEventPayload confirms a room join or leave
type RoomEventPayload struct {
	RoomID string `json:"roomId"`
}

// GroupEventPayload confirms a group join or leave, or announces another member's
type GroupEventPayload struct {
	GroupID  string   `json:"groupId"`
	Identity string   `json:"identity,omitempty"`
	Members  []string `json:"members,omitempty"`
}

// TypingEventPayload tells a peer someone started or stopped typing
type TypingEventPayload struct {
	Identity   string `json:"identity"`
	ReceiverID string `json:"receiverId,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
	IsTyping   bool   `json:"isTyping"`
}

// StatusUpdatePayload reports a delivery or read status to the original sender
type StatusUpdatePayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	By        string `json:"by"`
}

// ReadReceiptPayload tells the original sender a message was read
type ReadReceiptPayload struct {
	MessageID string    `json:"messageId"`
	ReadBy    string    `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

// Receipt statuses
const (
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)
