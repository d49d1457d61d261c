package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatgate/service/broker"
	"chatgate/service/message"
	"chatgate/tools/errs"
	"chatgate/tools/security"
)

func sendFrame(receiver, content string) *Frame {
	return &Frame{Type: FrameSendMessage, Data: map[string]any{
		"receiver_id": receiver,
		"content":     content,
	}}
}

func TestSendMessage_AcksAndPublishes(t *testing.T) {
	srv, store, bus, _, _ := newTestServer("alice", "bob")
	alice := newTestClient("alice")
	srv.Registry().Register("alice", alice)

	err := srv.handleSendMessage(context.Background(), alice, sendFrame("bob", "hi"))
	require.NoError(t, err)

	ack, ok := nextFrame(alice)
	require.True(t, ok)
	require.Equal(t, FrameMessageSent, ack.Type)
	require.Equal(t, "hi", ack.Data["content"])
	require.Equal(t, "sent", ack.Data["status"])

	events := bus.all()
	require.Len(t, events, 1)
	require.Equal(t, broker.TopicMessages, events[0].topic)
	require.Equal(t, broker.EventNewMessage, events[0].evt.Event)
	require.Equal(t, message.ConversationID("alice", "bob"), events[0].key)

	// persisted in sent state; delivery is the consumer's job
	require.Equal(t, message.StatusSent, store.status(events[0].evt.MessageID))
}

func TestSendMessage_UnknownReceiver(t *testing.T) {
	srv, _, bus, _, _ := newTestServer("alice")
	alice := newTestClient("alice")

	err := srv.handleSendMessage(context.Background(), alice, sendFrame("ghost", "hi"))
	require.Error(t, err)
	require.Equal(t, errs.CodeNotFound, errs.Code(err))
	require.Empty(t, bus.all())
}

func TestSendMessage_Validation(t *testing.T) {
	srv, _, bus, _, _ := newTestServer("alice", "bob")
	alice := newTestClient("alice")

	err := srv.handleSendMessage(context.Background(), alice, sendFrame("bob", ""))
	require.Error(t, err)
	require.Equal(t, errs.CodeValidation, errs.Code(err))

	long := make([]byte, 200) // above the 128 limit of the test server
	for i := range long {
		long[i] = 'a'
	}
	err = srv.handleSendMessage(context.Background(), alice, sendFrame("bob", string(long)))
	require.Error(t, err)
	require.Equal(t, errs.CodeValidation, errs.Code(err))
	require.Empty(t, bus.all())
}

func TestMarkRead_NotReceiverIsSilentNoop(t *testing.T) {
	srv, store, bus, _, _ := newTestServer("alice", "bob", "mallory")
	msg, err := store.Save(context.Background(), "alice", "bob", "secret", "text")
	require.NoError(t, err)

	mallory := newTestClient("mallory")
	err = srv.handleMarkRead(context.Background(), mallory, &Frame{
		Type: FrameMarkRead,
		Data: map[string]any{"message_id": msg.ID},
	})
	// no error that would leak the message's existence, and no movement
	require.NoError(t, err)
	require.Equal(t, message.StatusSent, store.status(msg.ID))
	require.Empty(t, bus.all())
}

func TestMarkRead_ReceiverPublishesReceipt(t *testing.T) {
	srv, store, bus, _, _ := newTestServer("alice", "bob")
	msg, err := store.Save(context.Background(), "alice", "bob", "hi", "text")
	require.NoError(t, err)

	bob := newTestClient("bob")
	err = srv.handleMarkRead(context.Background(), bob, &Frame{
		Type: FrameMarkRead,
		Data: map[string]any{"message_id": msg.ID},
	})
	require.NoError(t, err)
	require.Equal(t, message.StatusRead, store.status(msg.ID))

	events := bus.all()
	require.Len(t, events, 1)
	require.Equal(t, broker.EventMessageRead, events[0].evt.Event)
	require.Equal(t, "alice", events[0].evt.SenderID)
}

func TestMarkRead_ConversationBulk(t *testing.T) {
	srv, store, bus, _, _ := newTestServer("alice", "bob")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.Save(ctx, "alice", "bob", "m", "text")
		require.NoError(t, err)
	}
	convID := message.ConversationID("alice", "bob")

	bob := newTestClient("bob")
	err := srv.handleMarkRead(ctx, bob, &Frame{
		Type: FrameMarkRead,
		Data: map[string]any{"conversation_id": convID},
	})
	require.NoError(t, err)

	events := bus.all()
	require.Len(t, events, 1)
	require.Equal(t, broker.EventConversationRead, events[0].evt.Event)

	// a second bulk read has nothing to move and publishes nothing
	err = srv.handleMarkRead(ctx, bob, &Frame{
		Type: FrameMarkRead,
		Data: map[string]any{"conversation_id": convID},
	})
	require.NoError(t, err)
	require.Len(t, bus.all(), 1)
}

func TestGetConversation_ReturnsHistory(t *testing.T) {
	srv, store, _, _, _ := newTestServer("alice", "bob")
	ctx := context.Background()
	_, err := store.Save(ctx, "alice", "bob", "offline message", "text")
	require.NoError(t, err)

	// the receiver was offline at send time; the history fetch on
	// reconnect is how the gap gets filled
	bob := newTestClient("bob")
	err = srv.handleGetConversation(ctx, bob, &Frame{
		Type: FrameGetConversation,
		Data: map[string]any{"user_id": "alice", "page": 1, "limit": 10},
	})
	require.NoError(t, err)

	hist, ok := nextFrame(bob)
	require.True(t, ok)
	require.Equal(t, FrameConversationHistory, hist.Type)
	msgs, ok := hist.Data["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
}

func TestTyping_LocalFastPath(t *testing.T) {
	srv, _, bus, _, _ := newTestServer("alice", "bob")
	alice := newTestClient("alice")
	bob := newTestClient("bob")
	srv.Registry().Register("bob", bob)

	err := srv.handleTyping(context.Background(), alice, &Frame{
		Type: FrameTyping,
		Data: map[string]any{"receiver_id": "bob"},
	}, true)
	require.NoError(t, err)

	f, ok := nextFrame(bob)
	require.True(t, ok)
	require.Equal(t, FrameUserTyping, f.Type)
	require.Equal(t, "alice", f.Data["user_id"])
	// local delivery, no broker round-trip
	require.Empty(t, bus.all())
}

func TestTyping_BrokerFallback(t *testing.T) {
	srv, _, bus, _, _ := newTestServer("alice", "bob")
	alice := newTestClient("alice")

	err := srv.handleTyping(context.Background(), alice, &Frame{
		Type: FrameStopTyping,
		Data: map[string]any{"receiver_id": "bob"},
	}, false)
	require.NoError(t, err)

	events := bus.all()
	require.Len(t, events, 1)
	require.Equal(t, broker.EventStopTyping, events[0].evt.Event)
	require.Equal(t, message.ConversationID("alice", "bob"), events[0].key)
}

func TestFriendRequest_NotifiesTarget(t *testing.T) {
	srv, _, bus, _, dir := newTestServer("alice", "bob")
	alice := newTestClient("alice")

	err := srv.handleFriendRequest(context.Background(), alice, &Frame{
		Type: FrameFriendRequest,
		Data: map[string]any{"user_id": "bob"},
	})
	require.NoError(t, err)

	f, ok := nextFrame(alice)
	require.True(t, ok)
	require.Equal(t, FrameFriendAdded, f.Type)

	events := bus.all()
	require.Len(t, events, 1)
	require.Equal(t, broker.TopicNotifications, events[0].topic)

	friends, err := dir.FriendsOf(context.Background(), "alice")
	require.NoError(t, err)
	require.Contains(t, friends, "bob")
}

func TestHeartbeat_RefreshesInstanceRecord(t *testing.T) {
	srv, _, _, presence, _ := newTestServer("alice")
	ctx, cancel := context.WithCancel(context.Background())
	go srv.RunHeartbeat(ctx)

	require.Eventually(t, func() bool {
		presence.mu.Lock()
		defer presence.mu.Unlock()
		return presence.beats >= 1
	}, time.Second, 10*time.Millisecond)
	cancel()
}

func TestHeartbeat_ShutdownSweepsOwnedPresence(t *testing.T) {
	srv, _, _, presence, _ := newTestServer("alice")
	require.NoError(t, presence.SetOnline(context.Background(), "alice", time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.RunHeartbeat(ctx)
		close(done)
	}()
	cancel()
	<-done

	// a claim whose detach never ran is released instead of lingering
	// until the TTL lapses
	presence.mu.Lock()
	defer presence.mu.Unlock()
	require.Contains(t, presence.dropped, "alice")
}

func TestSendMessage_RejectsSeparatorInReceiverID(t *testing.T) {
	srv, _, bus, _, _ := newTestServer("alice")
	alice := newTestClient("alice")

	// ":" would make the derived conversation id ambiguous to split
	err := srv.handleSendMessage(context.Background(), alice, sendFrame("org:bob", "hi"))
	require.Error(t, err)
	require.Equal(t, errs.CodeValidation, errs.Code(err))
	require.Empty(t, bus.all())
}

func TestValidateIdentity(t *testing.T) {
	require.NoError(t, validateIdentity(security.Identity{UserID: "alice", Active: true}))

	err := validateIdentity(security.Identity{UserID: "alice", Active: false})
	require.Equal(t, errs.CodeAuth, errs.Code(err))

	err = validateIdentity(security.Identity{UserID: "org:alice", Active: true})
	require.Equal(t, errs.CodeAuth, errs.Code(err))
}
