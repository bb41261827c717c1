package types

// Inbound events (client -> server)
const (
	EventSendMessage       = "send_message"
	EventSendGroupMessage  = "send_group_message"
	EventJoinRoom          = "join_room"
	EventLeaveRoom         = "leave_room"
	EventJoinGroup         = "join_group"
	EventLeaveGroup        = "leave_group"
	EventTyping            = "typing"
	EventStopTyping        = "stop_typing"
	EventMessageDelivered  = "message_delivered"
	EventMessageReadStatus = "message_read_status"
	EventMessageRead       = "message_read"
	EventDeleteMessage     = "delete_message"
	EventGetOnlineUsers    = "get_online_users"
)

// Outbound events (server -> client)
const (
	EventConnected          = "connected"
	EventReceiveMessage     = "receive_message"
	EventMessageSent        = "message_sent"
	EventOnlineUsers        = "online_users"
	EventUserConnected      = "user_connected"
	EventUserDisconnected   = "user_disconnected"
	EventRoomJoined         = "room_joined"
	EventRoomLeft           = "room_left"
	EventGroupJoined        = "group_joined"
	EventGroupLeft          = "group_left"
	EventUserJoinedGroup    = "user_joined_group"
	EventUserLeftGroup      = "user_left_group"
	EventUserTyping         = "user_typing"
	EventUserStoppedTyping  = "user_stopped_typing"
	EventMessageReadReceipt = "message_read_receipt"
	EventMessageStatus      = "message_status_update"
	EventMessageDeleted     = "message_deleted"
	EventError              = "error"
)

// Error codes carried by the error event
const (
	CodeValidation    = "validation_error"
	CodeAuthorization = "authorization_error"
	CodeRateLimited   = "rate_limited"
	CodeInternal      = "internal_error"
	CodeBadRequest    = "bad_request"
)

// Identity status values sent to the identity-status collaborator
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)
