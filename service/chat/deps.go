package chat

import (
	"context"
	"time"

	"chatgate/service/broker"
	"chatgate/service/message"
	"chatgate/service/storage"
	"chatgate/service/user"
)

// The gateway consumes its collaborators through these interfaces so
// tests can inject in-memory fakes; production wiring passes the
// concrete store/broker/directory clients built in main.

// MessageStore is the persistence and status lifecycle of messages.
type MessageStore interface {
	Save(ctx context.Context, senderID, receiverID, content, messageType string) (message.Message, error)
	Get(ctx context.Context, id string) (message.Message, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkRead(ctx context.Context, id, callerID string) (bool, error)
	MarkConversationRead(ctx context.Context, conversationID, callerID string) (int64, error)
	ListConversation(ctx context.Context, conversationID string, page, limit int) ([]message.Message, error)
}

// Presence is the shared-store surface the gateway writes: presence
// records, sessions, and the instance heartbeat.
type Presence interface {
	SetOnline(ctx context.Context, userID string, ttl time.Duration) error
	SetOffline(ctx context.Context, userID string) error
	RefreshPresence(ctx context.Context, userID string, ttl time.Duration) error
	GetUsersByInstance(ctx context.Context, instanceID string) ([]string, error)
	SetSession(ctx context.Context, userID, connID string, ttl time.Duration) error
	ClearSession(ctx context.Context, userID string) error
	RegisterInstance(ctx context.Context, rec storage.InstanceRecord, ttl time.Duration) error
	DeregisterInstance(ctx context.Context, instanceID string) error
}

// Publisher is the broker's producing half.
type Publisher interface {
	Publish(topic, partitionKey string, evt broker.Event) error
}

// Directory is the user directory collaborator (consumed, not owned).
type Directory interface {
	Exists(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (user.Profile, error)
	Search(ctx context.Context, query string, limit int) ([]user.Profile, error)
	AddFriend(ctx context.Context, callerID, targetID string) (user.Profile, error)
	FriendsOf(ctx context.Context, userID string) ([]string, error)
}
