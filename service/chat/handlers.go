package chat

import (
	"context"
	"time"

	"chatgate/service/broker"
	"chatgate/service/message"
	"chatgate/tools/decode"
	"chatgate/tools/errs"
)

// handleSendMessage validates, persists in the sent state, publishes the
// cross-instance event and acks the sender. The ack confirms
// persistence+publish only; delivery to the receiver happens async via
// the broker consumer on whichever instance owns the receiver.
func (s *Server) handleSendMessage(ctx context.Context, c *Client, f *Frame) error {
	p, err := decode.DecodeMap[sendMessagePayload](f.Data)
	if err != nil {
		return errs.ErrValidation.WithDetail("bad send_message payload")
	}
	if verr := s.validate.Struct(p); verr != nil {
		return errs.ErrValidation.WithDetail("receiver_id and content are required")
	}
	if len(p.Content) > s.opts.MaxContentLength {
		return errs.ErrValidation.WithDetail("content too long")
	}
	if p.Type == "" {
		p.Type = "text"
	}

	ok, err := s.users.Exists(ctx, p.ReceiverID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrNotFound.WithDetail("receiver " + p.ReceiverID)
	}

	msg, err := s.store.Save(ctx, c.UserID, p.ReceiverID, p.Content, p.Type)
	if err != nil {
		return err
	}

	evt := broker.Event{
		Event:          broker.EventNewMessage,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		MessageType:    msg.MessageType,
		Timestamp:      msg.CreatedAt.UnixMilli(),
	}
	if err := s.bus.Publish(broker.TopicMessages, msg.ConversationID, evt); err != nil {
		return err
	}

	c.Enqueue(marshalFrame(FrameMessageSent, toWireMessage(msg)))
	return nil
}

// handleMarkRead advances one message or a whole conversation to read
// and publishes a receipt so the original sender's instance, wherever it
// is, can notify them. A caller that is not the recorded receiver of a
// single message gets a silent no-op, not an error that leaks existence.
func (s *Server) handleMarkRead(ctx context.Context, c *Client, f *Frame) error {
	p, err := decode.DecodeMap[markReadPayload](f.Data)
	if err != nil {
		return errs.ErrValidation.WithDetail("bad mark_read payload")
	}

	switch {
	case p.MessageID != "":
		moved, err := s.store.MarkRead(ctx, p.MessageID, c.UserID)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		msg, err := s.store.Get(ctx, p.MessageID)
		if err != nil {
			return err
		}
		evt := broker.Event{
			Event:          broker.EventMessageRead,
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			ReceiverID:     msg.ReceiverID,
			Timestamp:      time.Now().UnixMilli(),
		}
		return s.bus.Publish(broker.TopicMessages, msg.ConversationID, evt)

	case p.ConversationID != "":
		moved, err := s.store.MarkConversationRead(ctx, p.ConversationID, c.UserID)
		if err != nil {
			return err
		}
		if moved == 0 {
			return nil
		}
		evt := broker.Event{
			Event:          broker.EventConversationRead,
			ConversationID: p.ConversationID,
			ReceiverID:     c.UserID,
			Timestamp:      time.Now().UnixMilli(),
		}
		return s.bus.Publish(broker.TopicMessages, p.ConversationID, evt)

	default:
		return errs.ErrValidation.WithDetail("message_id or conversation_id is required")
	}
}

// handleGetConversation pages persisted history. Pure store read; no
// broker or presence involvement.
func (s *Server) handleGetConversation(ctx context.Context, c *Client, f *Frame) error {
	p, err := decode.DecodeMap[getConversationPayload](f.Data)
	if err != nil {
		return errs.ErrValidation.WithDetail("bad get_conversation payload")
	}
	if verr := s.validate.Struct(p); verr != nil {
		return errs.ErrValidation.WithDetail("user_id is required")
	}
	convID := message.ConversationID(c.UserID, p.UserID)
	msgs, err := s.store.ListConversation(ctx, convID, p.Page, p.Limit)
	if err != nil {
		return err
	}
	page := p.Page
	if page < 1 {
		page = 1
	}
	c.Enqueue(historyFrame(convID, page, msgs))
	return nil
}

func (s *Server) handleSearchUsers(ctx context.Context, c *Client, f *Frame) error {
	p, err := decode.DecodeMap[searchUsersPayload](f.Data)
	if err != nil {
		return errs.ErrValidation.WithDetail("bad search_users payload")
	}
	if verr := s.validate.Struct(p); verr != nil {
		return errs.ErrValidation.WithDetail("query is required")
	}
	results, err := s.users.Search(ctx, p.Query, p.Limit)
	if err != nil {
		return err
	}
	c.Enqueue(searchResultsFrame(p.Query, results))
	return nil
}

// handleFriendRequest links the two users and notifies the target via
// the notifications topic; the caller gets the friend_added frame with
// the target's profile right away.
func (s *Server) handleFriendRequest(ctx context.Context, c *Client, f *Frame) error {
	p, err := decode.DecodeMap[friendRequestPayload](f.Data)
	if err != nil {
		return errs.ErrValidation.WithDetail("bad send_friend_request payload")
	}
	if verr := s.validate.Struct(p); verr != nil {
		return errs.ErrValidation.WithDetail("user_id is required")
	}
	if p.UserID == c.UserID {
		return errs.ErrValidation.WithDetail("cannot befriend yourself")
	}
	target, err := s.users.AddFriend(ctx, c.UserID, p.UserID)
	if err != nil {
		return err
	}
	c.Enqueue(marshalFrame(FrameFriendAdded, target))

	evt := broker.Event{
		Event:      broker.EventFriendAdded,
		SenderID:   c.UserID,
		ReceiverID: p.UserID,
		Timestamp:  time.Now().UnixMilli(),
	}
	return s.bus.Publish(broker.TopicNotifications, p.UserID, evt)
}

// handleTyping takes the local fast path when the receiver is connected
// to this same instance and falls back to the broker for the
// cross-instance case. Both paths produce the identical frame for the
// receiver. Typing indicators are best effort: not persisted, not
// retried, dropped when the receiver is nowhere to be found.
func (s *Server) handleTyping(ctx context.Context, c *Client, f *Frame, start bool) error {
	p, err := decode.DecodeMap[typingPayload](f.Data)
	if err != nil {
		return errs.ErrValidation.WithDetail("bad typing payload")
	}
	if verr := s.validate.Struct(p); verr != nil {
		return errs.ErrValidation.WithDetail("receiver_id is required")
	}

	if target, ok := s.reg.Get(p.ReceiverID); ok {
		target.Enqueue(typingFrame(c.UserID, start))
		return nil
	}

	name := broker.EventTyping
	if !start {
		name = broker.EventStopTyping
	}
	evt := broker.Event{
		Event:          name,
		ConversationID: message.ConversationID(c.UserID, p.ReceiverID),
		SenderID:       c.UserID,
		ReceiverID:     p.ReceiverID,
		Timestamp:      time.Now().UnixMilli(),
	}
	return s.bus.Publish(broker.TopicMessages, evt.ConversationID, evt)
}

func typingFrame(senderID string, start bool) []byte {
	t := FrameUserTyping
	if !start {
		t = FrameUserStopTyping
	}
	return marshalFrame(t, map[string]any{"user_id": senderID})
}
