package broker

import "encoding/json"

// Logical topics. Each is partitioned; the partition key keeps
// per-conversation (messages) and per-user (presence, notifications)
// events in publish order for any single consumer group member.
const (
	TopicMessages      = "messages"
	TopicPresence      = "presence"
	TopicNotifications = "notifications"
)

// Event names carried in the envelope.
const (
	EventNewMessage       = "new_message"
	EventMessageRead      = "message_read"
	EventConversationRead = "conversation_read"
	EventTyping           = "typing"
	EventStopTyping       = "stop_typing"
	EventPresenceChanged  = "presence_changed"
	EventFriendAdded      = "friend_added"
)

// Event is the cross-instance envelope. Delivery is at-least-once, so
// every consumer of an Event must be a no-op on redelivery.
type Event struct {
	Event          string `json:"event"`
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	SenderID       string `json:"sender_id,omitempty"`
	ReceiverID     string `json:"receiver_id,omitempty"`
	Content        string `json:"content,omitempty"`
	MessageType    string `json:"message_type,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

func DecodeEvent(raw []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(raw, &e)
	return e, err
}
