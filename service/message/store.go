package message

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatgate/tools/errs"
	"chatgate/tools/ids"
)

const collMessages = "messages"

// Store owns message persistence and the status state machine.
type Store struct {
	coll *mongo.Collection
}

func NewStore(db *mongo.Database) *Store {
	return &Store{coll: db.Collection(collMessages)}
}

// EnsureIndexes builds the read-path indexes. Idempotent; run on startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "receiver_id", Value: 1}, {Key: "status", Value: 1}}},
	})
	return errors.Wrap(err, "create message indexes")
}

// Save persists a new message in the sent state and returns it.
func (s *Store) Save(ctx context.Context, senderID, receiverID, content, messageType string) (Message, error) {
	msg := Message{
		ID:             ids.GenerateString(),
		ConversationID: ConversationID(senderID, receiverID),
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		MessageType:    messageType,
		Status:         StatusSent,
		CreatedAt:      time.Now().UTC(),
	}
	if _, err := s.coll.InsertOne(ctx, msg); err != nil {
		return Message{}, errs.ErrInfra.WithDetail("save message: " + err.Error())
	}
	return msg, nil
}

// Get fetches one message by id.
func (s *Store) Get(ctx context.Context, id string) (Message, error) {
	var msg Message
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Message{}, errs.ErrNotFound.WithDetail("message " + id)
	}
	if err != nil {
		return Message{}, errs.ErrInfra.WithDetail("get message: " + err.Error())
	}
	return msg, nil
}

// MarkDelivered advances sent -> delivered. The filter conditions on the
// current status, so re-delivery of the same broker event and the
// read-before-delivered case both land as no-ops.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$lt": StatusDelivered}},
		bson.M{"$set": bson.M{"status": StatusDelivered, "delivered_at": now}},
	)
	if err != nil {
		return errs.ErrInfra.WithDetail("mark delivered: " + err.Error())
	}
	return nil
}

// MarkRead advances a single message to read, but only when callerID is
// the recorded receiver. A caller that is not the receiver gets a silent
// no-op (false), never an error that leaks the message's existence.
// Read is reachable straight from sent; a missing delivered step is fine.
func (s *Store) MarkRead(ctx context.Context, id, callerID string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "receiver_id": callerID, "status": bson.M{"$lt": StatusRead}},
		bson.M{"$set": bson.M{"status": StatusRead, "read_at": now}},
	)
	if err != nil {
		return false, errs.ErrInfra.WithDetail("mark read: " + err.Error())
	}
	return res.ModifiedCount > 0, nil
}

// MarkConversationRead bulk-advances every non-read message addressed to
// callerID in the conversation. Returns how many actually moved.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID, callerID string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.coll.UpdateMany(ctx,
		bson.M{
			"conversation_id": conversationID,
			"receiver_id":     callerID,
			"status":          bson.M{"$lt": StatusRead},
		},
		bson.M{"$set": bson.M{"status": StatusRead, "read_at": now}},
	)
	if err != nil {
		return 0, errs.ErrInfra.WithDetail("mark conversation read: " + err.Error())
	}
	return res.ModifiedCount, nil
}

// ListConversation pages through history, newest first. page starts at 1.
func (s *Store) ListConversation(ctx context.Context, conversationID string, page, limit int) ([]Message, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, errs.ErrInfra.WithDetail("list conversation: " + err.Error())
	}
	defer cur.Close(ctx)
	var out []Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.ErrInfra.WithDetail("decode conversation page: " + err.Error())
	}
	return out, nil
}
