package hub

import (
	"context"
	"encoding/json"

	"chatrelay/internal/channel"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/router"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

func (h *Hub) handleSendMessage(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	return h.send(ctx, conn, data, h.deps.Router.SendMessage)
}

func (h *Hub) handleSendGroupMessage(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error {
	return h.send(ctx, conn, data, h.deps.Router.SendGroupMessage)
}

type routeFunc func(ctx context.Context, conn interfaces.Connection, p types.SendMessagePayload) router.Result

func (h *Hub) send(ctx context.Context, conn interfaces.Connection, data json.RawMessage, route routeFunc) error {
	p, err := decode[types.SendMessagePayload](data)
	if err != nil {
		// an undecodable send still counts against the send budget
		if admitErr := h.admit(conn, ratelimit.OpSendMessage); admitErr != nil {
			return admitErr
		}
		return err
	}

	// the pipeline finishes even if the connection goes away mid-send
	res := route(context.WithoutCancel(ctx), conn, p)
	if res.Outcome != router.OutcomeDelivered {
		return res.Err
	}
	return nil
}

func (h *Hub) handleJoinRoom(_ context.Context, conn interfaces.Connection, data json.RawMessage) error {
	if err := h.admit(conn, ratelimit.OpJoinRoom); err != nil {
		return err
	}
	p, err := decode[types.RoomPayload](data)
	if err != nil {
		return err
	}
	if err := types.ValidateRoom(p); err != nil {
		return err
	}

	h.deps.Channels.Join(channel.RoomChannel(p.RoomID), conn.Identity())
	h.write(conn, types.EventRoomJoined, types.RoomEventPayload{RoomID: p.RoomID})
	h.notifyInsight(conn.Identity(), types.EventJoinRoom, map[string]any{"roomId": p.RoomID})
	return nil
}

func (h *Hub) handleLeaveRoom(_ context.Context, conn interfaces.Connection, data json.RawMessage) error {
	if err := h.admit(conn, ratelimit.OpJoinRoom); err != nil {
		return err
	}
	p, err := decode[types.RoomPayload](data)
	if err != nil {
		return err
	}
	if err := types.ValidateRoom(p); err != nil {
		return err
	}

	h.deps.Channels.Leave(channel.RoomChannel(p.RoomID), conn.Identity())
	h.write(conn, types.EventRoomLeft, types.RoomEventPayload{RoomID: p.RoomID})
	h.notifyInsight(conn.Identity(), types.EventLeaveRoom, map[string]any{"roomId": p.RoomID})
	return nil
}

func (h *Hub) handleJoinGroup(_ context.Context, conn interfaces.Connection, data json.RawMessage) error {
	if err := h.admit(conn, ratelimit.OpJoinGroup); err != nil {
		return err
	}
	p, err := decode[types.GroupPayload](data)
	if err != nil {
		return err
	}
	if err := types.ValidateGroup(p); err != nil {
		return err
	}

	identity := conn.Identity()
	channelID := channel.GroupChannel(p.GroupID)
	joined := h.deps.Channels.Join(channelID, identity)

	h.write(conn, types.EventGroupJoined, types.GroupEventPayload{
		GroupID: p.GroupID,
		Members: h.deps.Channels.MembersOf(channelID),
	})
	if joined {
		h.sendToChannel(channelID, types.EventUserJoinedGroup, types.GroupEventPayload{GroupID: p.GroupID, Identity: identity}, identity)
	}
	h.notifyInsight(identity, types.EventJoinGroup, map[string]any{"groupId": p.GroupID})
	return nil
}

func (h *Hub) handleLeaveGroup(_ context.Context, conn interfaces.Connection, data json.RawMessage) error {
	if err := h.admit(conn, ratelimit.OpJoinGroup); err != nil {
		return err
	}
	p, err := decode[types.GroupPayload](data)
	if err != nil {
		return err
	}
	if err := types.ValidateGroup(p); err != nil {
		return err
	}

	identity := conn.Identity()
	channelID := channel.GroupChannel(p.GroupID)
	left := h.deps.Channels.Leave(channelID, identity)
	h.deps.Typing.SignalStopTyping(identity, channelID)

	h.write(conn, types.EventGroupLeft, types.GroupEventPayload{GroupID: p.GroupID})
	if left {
		h.sendToChannel(channelID, types.EventUserLeftGroup, types.GroupEventPayload{GroupID: p.GroupID, Identity: identity}, identity)
	}
	h.notifyInsight(identity, types.EventLeaveGroup, map[string]any{"groupId": p.GroupID})
	return nil
}

func (h *Hub) handleTyping(_ context.Context, conn interfaces.Connection, data json.RawMessage) error {
	if err := h.admit(conn, ratelimit.OpTyping); err != nil {
		return err
	}
	p, err := decode[types.TypingPayload](data)
	if err != nil {
		return err
	}
	if err := types.ValidateTyping(p); err != nil {
		return err
	}

	identity := conn.Identity()
	if err := h.requireMember(p.GroupID, identity); err != nil {
		return err
	}
	h.deps.Typing.SignalTyping(identity, typingContext(p), func() {
		h.relayTyping(identity, p, false)
	})
	h.relayTyping(identity, p, true)
	return nil
}

func (h *Hub) handleStopTyping(_ context.Context, conn interfaces.Connection, data json.RawMessage) error {
	if err := h.admit(conn, ratelimit.OpTyping); err != nil {
		return err
	}
	p, err := decode[types.TypingPayload](data)
	if err != nil {
		return err
	}
	if err := types.ValidateTyping(p); err != nil {
		return err
	}

	identity := conn.Identity()
	if err := h.requireMember(p.GroupID, identity); err != nil {
		return err
	}
	h.deps.Typing.SignalStopTyping(identity, typingContext(p))
	h.relayTyping(identity, p, false)
	return nil
}

// typingContext keys a typing timer by its target
func typingContext(p types.TypingPayload) string {
	if p.GroupID != "" {
		return channel.GroupChannel(p.GroupID)
	}
	return p.ReceiverID
}

func (h *Hub) relayTyping(identity string, p types.TypingPayload, isTyping bool) {
	event := types.EventUserStoppedTyping
	if isTyping {
		event = types.EventUserTyping
	}
	payload := types.TypingEventPayload{
		Identity:   identity,
		ReceiverID: p.ReceiverID,
		GroupID:    p.GroupID,
		IsTyping:   isTyping,
	}

	if p.GroupID != "" {
		h.sendToChannel(channel.GroupChannel(p.GroupID), event, payload, identity)
		return
	}
	h.sendTo(p.ReceiverID, event, payload)
}

// handleReceipt relays a delivery or read status to the message's sender
func (h *Hub) handleReceipt(status string) handlerFunc {
	return func(_ context.Context, conn interfaces.Connection, data json.RawMessage) error {
		if err := h.admit(conn, ratelimit.OpReceipt); err != nil {
			return err
		}
		p, err := decode[types.ReceiptPayload](data)
		if err != nil {
			return err
		}
		if err := types.ValidateReceipt(p); err != nil {
			return err
		}

		h.sendTo(p.SenderID, types.EventMessageStatus, types.StatusUpdatePayload{
			MessageID: p.MessageID,
			Status:    status,
			By:        conn.Identity(),
		})
		return nil
	}
}

func (h *Hub) handleMessageRead(_ context.Context, conn interfaces.Connection, data json.RawMessage) error {
	if err := h.admit(conn, ratelimit.OpMessageRead); err != nil {
		return err
	}
	p, err := decode[types.ReceiptPayload](data)
	if err != nil {
		return err
	}
	if err := types.ValidateReceipt(p); err != nil {
		return err
	}

	h.sendTo(p.SenderID, types.EventMessageReadReceipt, types.ReadReceiptPayload{
		MessageID: p.MessageID,
		ReadBy:    conn.Identity(),
		ReadAt:    h.now(),
	})
	return nil
}

func (h *Hub) handleDeleteMessage(_ context.Context, conn interfaces.Connection, data json.RawMessage) error {
	if err := h.admit(conn, ratelimit.OpDeleteMessage); err != nil {
		return err
	}
	p, err := decode[types.DeletePayload](data)
	if err != nil {
		return err
	}
	if err := types.ValidateDelete(p); err != nil {
		return err
	}

	identity := conn.Identity()
	if err := h.requireMember(p.GroupID, identity); err != nil {
		return err
	}
	payload := types.MessageDeletedPayload{
		MessageID:  p.MessageID,
		Reason:     types.DeleteReasonRequested,
		ReceiverID: p.ReceiverID,
		GroupID:    p.GroupID,
		DeletedBy:  identity,
	}

	if p.GroupID != "" {
		h.sendToChannel(channel.GroupChannel(p.GroupID), types.EventDeleteMessage, payload, identity)
	} else {
		h.sendTo(p.ReceiverID, types.EventDeleteMessage, payload)
	}
	h.write(conn, types.EventMessageDeleted, payload)
	return nil
}

func (h *Hub) handleGetOnlineUsers(_ context.Context, conn interfaces.Connection, _ json.RawMessage) error {
	h.write(conn, types.EventOnlineUsers, types.OnlineUsersPayload{Users: h.deps.Sessions.ListIdentities()})
	return nil
}

func (h *Hub) notifyInsight(identity, event string, meta map[string]any) {
	if h.deps.Notifier == nil {
		return
	}
	h.deps.Notifier.RoomInsight(identity, event, meta)
}
