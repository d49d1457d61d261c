package message

import "time"

// Status is the delivery lifecycle of one message. Strictly forward:
// sent < delivered < read. Writes are conditioned on the current value,
// so a stale or duplicate update is a monotonic no-op.
type Status int

const (
	StatusSent      Status = 1
	StatusDelivered Status = 2
	StatusRead      Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "unknown"
	}
}

// Message as persisted. Never physically deleted; absence of
// delivered_at only means "not confirmed delivered yet".
type Message struct {
	ID             string     `bson:"_id" json:"id"`
	ConversationID string     `bson:"conversation_id" json:"conversation_id"`
	SenderID       string     `bson:"sender_id" json:"sender_id"`
	ReceiverID     string     `bson:"receiver_id" json:"receiver_id"`
	Content        string     `bson:"content" json:"content"`
	MessageType    string     `bson:"message_type" json:"message_type"`
	Status         Status     `bson:"status" json:"-"`
	CreatedAt      time.Time  `bson:"created_at" json:"created_at"`
	DeliveredAt    *time.Time `bson:"delivered_at,omitempty" json:"delivered_at,omitempty"`
	ReadAt         *time.Time `bson:"read_at,omitempty" json:"read_at,omitempty"`
}

// StatusText is what goes on the wire.
func (m Message) StatusText() string { return m.Status.String() }
