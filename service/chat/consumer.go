package chat

import (
	"context"
	"time"

	"chatgate/logger"
	"chatgate/service/broker"
)

// BindBroker registers this instance's consumer handlers on the broker.
// Every branch below is "push if locally present, else no-op": the
// consumer never assumes it is the owning instance, because the same
// event fans out to the whole fleet and only the owner's push lands.
// Delivery is at-least-once; every branch tolerates redelivery.
func (s *Server) BindBroker(b *broker.Broker) {
	b.RegisterHandler(broker.TopicMessages, s.consumeMessages)
	b.RegisterHandler(broker.TopicPresence, s.consumePresence)
	b.RegisterHandler(broker.TopicNotifications, s.consumeNotifications)
	b.OnDegraded(func() { s.degraded.Store(true) })
}

func (s *Server) consumeMessages(topic string, key, value []byte) error {
	evt, err := broker.DecodeEvent(value)
	if err != nil {
		logger.Errorf("[consume] %s: bad event: %v", topic, err)
		return nil // poison events are dropped, not retried
	}

	switch evt.Event {
	case broker.EventNewMessage:
		c, ok := s.reg.Get(evt.ReceiverID)
		if !ok {
			// the receiver reconnect/history path fills the gap
			return nil
		}
		pushed := c.Enqueue(marshalFrame(FrameNewMessage, wireMessage{
			ID:             evt.MessageID,
			ConversationID: evt.ConversationID,
			SenderID:       evt.SenderID,
			ReceiverID:     evt.ReceiverID,
			Content:        evt.Content,
			Type:           evt.MessageType,
			Status:         "delivered",
			CreatedAt:      evt.Timestamp,
		}))
		if pushed {
			// conditioned on current status, so a redelivered event
			// that already marked it is a no-op
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := s.store.MarkDelivered(ctx, evt.MessageID); err != nil {
				logger.Errorf("[consume] mark delivered id=%s: %v", evt.MessageID, err)
			}
		}

	case broker.EventMessageRead:
		// receipt goes to the original sender, if they live here
		if c, ok := s.reg.Get(evt.SenderID); ok {
			c.Enqueue(marshalFrame(FrameMessageRead, map[string]any{
				"message_id":      evt.MessageID,
				"conversation_id": evt.ConversationID,
				"reader_id":       evt.ReceiverID,
				"read_at":         evt.Timestamp,
			}))
		}

	case broker.EventConversationRead:
		// the reader is evt.ReceiverID; everyone else locally attached
		// to the conversation is the counterparty
		if other, ok := s.counterpart(evt.ConversationID, evt.ReceiverID); ok {
			other.Enqueue(marshalFrame(FrameConversationRead, map[string]any{
				"conversation_id": evt.ConversationID,
				"reader_id":       evt.ReceiverID,
				"read_at":         evt.Timestamp,
			}))
		}

	case broker.EventTyping, broker.EventStopTyping:
		// stale typing indicators are acceptable; drop when not local
		if c, ok := s.reg.Get(evt.ReceiverID); ok {
			c.Enqueue(typingFrame(evt.SenderID, evt.Event == broker.EventTyping))
		}
	}
	return nil
}

// counterpart resolves the other participant of a 1:1 conversation id
// and returns their local connection if this instance owns it.
func (s *Server) counterpart(conversationID, readerID string) (*Client, bool) {
	a, b, ok := splitConversationID(conversationID)
	if !ok {
		return nil, false
	}
	other := a
	if a == readerID {
		other = b
	}
	return s.reg.Get(other)
}

func (s *Server) consumePresence(topic string, key, value []byte) error {
	evt, err := broker.DecodeEvent(value)
	if err != nil {
		logger.Errorf("[consume] %s: bad event: %v", topic, err)
		return nil
	}
	if evt.Event != broker.EventPresenceChanged {
		return nil
	}

	// fan the status change out to the user's locally-connected friends
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	friends, err := s.users.FriendsOf(ctx, evt.UserID)
	if err != nil {
		logger.Errorf("[consume] friends of %s: %v", evt.UserID, err)
		return nil
	}
	payload := marshalFrame(FrameFriendStatusUpdate, map[string]any{
		"user_id":    evt.UserID,
		"status":     evt.Status,
		"updated_at": evt.Timestamp,
	})
	for _, fid := range friends {
		if c, ok := s.reg.Get(fid); ok {
			c.Enqueue(payload)
		}
	}
	return nil
}

func (s *Server) consumeNotifications(topic string, key, value []byte) error {
	evt, err := broker.DecodeEvent(value)
	if err != nil {
		logger.Errorf("[consume] %s: bad event: %v", topic, err)
		return nil
	}
	if evt.Event != broker.EventFriendAdded {
		return nil
	}
	c, ok := s.reg.Get(evt.ReceiverID)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	from, err := s.users.Get(ctx, evt.SenderID)
	if err != nil {
		logger.Errorf("[consume] friend profile %s: %v", evt.SenderID, err)
		return nil
	}
	c.Enqueue(marshalFrame(FrameFriendAdded, from))
	return nil
}
