package broker

import (
	"context"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/stretchr/testify/require"
)

func TestGroupID_UniquePerInstancePerTopic(t *testing.T) {
	a := &Broker{cfg: Config{GroupPrefix: "chatgate", InstanceID: "gw-1"}}
	b := &Broker{cfg: Config{GroupPrefix: "chatgate", InstanceID: "gw-2"}}

	// distinct groups per instance give fan-out-to-all-instances, not
	// load balancing; distinct per topic keeps offsets independent
	require.NotEqual(t, a.groupID(TopicMessages), b.groupID(TopicMessages))
	require.NotEqual(t, a.groupID(TopicMessages), a.groupID(TopicPresence))
	require.Equal(t, "chatgate-messages-gw-1", a.groupID(TopicMessages))
}

func TestEventCodec(t *testing.T) {
	evt := Event{
		Event:          EventNewMessage,
		MessageID:      "m1",
		ConversationID: "a:b",
		SenderID:       "a",
		ReceiverID:     "b",
		Content:        "hi",
		MessageType:    "text",
		Timestamp:      1700000000000,
	}
	raw, err := evt.Encode()
	require.NoError(t, err)

	got, err := DecodeEvent(raw)
	require.NoError(t, err)
	require.Equal(t, evt, got)

	_, err = DecodeEvent([]byte("{broken"))
	require.Error(t, err)
}

func TestRegisterHandler(t *testing.T) {
	b := &Broker{cfg: Config{}, handlers: map[string]MessageHandler{}}
	require.Nil(t, b.handler(TopicMessages))
	b.RegisterHandler(TopicMessages, func(topic string, key, value []byte) error { return nil })
	require.NotNil(t, b.handler(TopicMessages))
}

// stubGroup is a ConsumerGroup whose Consume always fails, standing in
// for a cluster that accepts connections but rejects the group session.
type stubGroup struct {
	consumeErr error
	consumed   int
	closed     int
	errs       chan error
}

func (g *stubGroup) Consume(context.Context, []string, sarama.ConsumerGroupHandler) error {
	g.consumed++
	return g.consumeErr
}
func (g *stubGroup) Errors() <-chan error { return g.errs }
func (g *stubGroup) Close() error {
	g.closed++
	close(g.errs)
	return nil
}

func TestConsumeLoop_PersistentConsumeErrorDegrades(t *testing.T) {
	var groups []*stubGroup
	degraded := make(chan struct{}, 1)
	b := &Broker{
		cfg:          Config{GroupPrefix: "chatgate", InstanceID: "gw-1"},
		handlers:     map[string]MessageHandler{},
		retryBackoff: time.Millisecond,
		onDegraded:   func() { degraded <- struct{}{} },
	}
	b.newGroup = func(string) (sarama.ConsumerGroup, error) {
		g := &stubGroup{consumeErr: sarama.ErrNotCoordinatorForConsumer, errs: make(chan error)}
		groups = append(groups, g)
		return g, nil
	}

	done := make(chan struct{})
	go func() {
		b.consumeLoop(context.Background(), TopicMessages)
		close(done)
	}()

	select {
	case <-degraded:
	case <-time.After(5 * time.Second):
		t.Fatal("consume loop never degraded on persistent consume errors")
	}
	<-done

	// the failure budget is shared between dialing and consuming, so a
	// session that connects but cannot consume still runs out
	require.Len(t, groups, maxReconnectAttempts)
	for _, g := range groups {
		require.Equal(t, 1, g.consumed)
		require.Equal(t, 1, g.closed)
	}
}

func TestConsumeLoop_ConnectFailuresDegrade(t *testing.T) {
	fired := false
	b := &Broker{
		cfg:          Config{GroupPrefix: "chatgate", InstanceID: "gw-1"},
		handlers:     map[string]MessageHandler{},
		retryBackoff: time.Millisecond,
		onDegraded:   func() { fired = true },
	}
	dials := 0
	b.newGroup = func(string) (sarama.ConsumerGroup, error) {
		dials++
		return nil, sarama.ErrOutOfBrokers
	}

	b.consumeLoop(context.Background(), TopicMessages)

	require.True(t, fired)
	require.Equal(t, maxReconnectAttempts, dials)
}
