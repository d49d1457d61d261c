package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"chatgate/service/broker"
	"chatgate/service/message"
	"chatgate/service/storage"
	"chatgate/service/user"
	"chatgate/tools/errs"
	"chatgate/tools/ids"
	"chatgate/tools/security"
)

// In-memory fakes for the gateway's collaborators. The status guards in
// fakeStore mirror the conditioned writes of the real mongo store.

type fakeStore struct {
	mu   sync.Mutex
	msgs map[string]*message.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{msgs: make(map[string]*message.Message)}
}

func (f *fakeStore) Save(_ context.Context, senderID, receiverID, content, messageType string) (message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := message.Message{
		ID:             ids.GenerateString(),
		ConversationID: message.ConversationID(senderID, receiverID),
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		MessageType:    messageType,
		Status:         message.StatusSent,
		CreatedAt:      time.Now().UTC(),
	}
	f.msgs[m.ID] = &m
	return m, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return message.Message{}, errs.ErrNotFound.WithDetail("message " + id)
	}
	return *m, nil
}

func (f *fakeStore) MarkDelivered(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.msgs[id]; ok && m.Status < message.StatusDelivered {
		now := time.Now().UTC()
		m.Status = message.StatusDelivered
		m.DeliveredAt = &now
	}
	return nil
}

func (f *fakeStore) MarkRead(_ context.Context, id, callerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok || m.ReceiverID != callerID || m.Status >= message.StatusRead {
		return false, nil
	}
	now := time.Now().UTC()
	m.Status = message.StatusRead
	m.ReadAt = &now
	return true, nil
}

func (f *fakeStore) MarkConversationRead(_ context.Context, conversationID, callerID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, m := range f.msgs {
		if m.ConversationID == conversationID && m.ReceiverID == callerID && m.Status < message.StatusRead {
			now := time.Now().UTC()
			m.Status = message.StatusRead
			m.ReadAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListConversation(_ context.Context, conversationID string, page, limit int) ([]message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []message.Message
	for _, m := range f.msgs {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeStore) status(id string) message.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.msgs[id]; ok {
		return m.Status
	}
	return 0
}

type fakePresence struct {
	mu      sync.Mutex
	online  map[string]storage.PresenceRecord
	beats   int
	dropped []string
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[string]storage.PresenceRecord)}
}

func (f *fakePresence) SetOnline(_ context.Context, userID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = storage.PresenceRecord{
		UserID: userID, Status: storage.StatusOnline,
		OwnerInstanceID: "test-instance", UpdatedAt: time.Now().UnixMilli(),
	}
	return nil
}

func (f *fakePresence) SetOffline(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.online, userID)
	f.dropped = append(f.dropped, userID)
	return nil
}

func (f *fakePresence) RefreshPresence(_ context.Context, userID string, _ time.Duration) error {
	return nil
}

func (f *fakePresence) GetUsersByInstance(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]string, 0, len(f.online))
	for uid := range f.online {
		users = append(users, uid)
	}
	return users, nil
}

func (f *fakePresence) SetSession(_ context.Context, _, _ string, _ time.Duration) error { return nil }
func (f *fakePresence) ClearSession(_ context.Context, _ string) error                   { return nil }

func (f *fakePresence) RegisterInstance(_ context.Context, _ storage.InstanceRecord, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats++
	return nil
}

func (f *fakePresence) DeregisterInstance(_ context.Context, _ string) error { return nil }

type published struct {
	topic string
	key   string
	evt   broker.Event
}

type fakeBus struct {
	mu     sync.Mutex
	events []published
}

func (f *fakeBus) Publish(topic, partitionKey string, evt broker.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{topic: topic, key: partitionKey, evt: evt})
	return nil
}

func (f *fakeBus) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.events...)
}

type fakeDirectory struct {
	users   map[string]profileStub
	friends map[string][]string
}

type profileStub struct {
	displayName string
}

func newFakeDirectory(userIDs ...string) *fakeDirectory {
	d := &fakeDirectory{users: make(map[string]profileStub), friends: make(map[string][]string)}
	for _, id := range userIDs {
		d.users[id] = profileStub{displayName: id}
	}
	return d
}

func (d *fakeDirectory) Exists(_ context.Context, id string) (bool, error) {
	_, ok := d.users[id]
	return ok, nil
}

func (d *fakeDirectory) Get(_ context.Context, id string) (user.Profile, error) {
	p, ok := d.users[id]
	if !ok {
		return user.Profile{}, errs.ErrNotFound.WithDetail("user " + id)
	}
	return user.Profile{ID: id, DisplayName: p.displayName}, nil
}

func (d *fakeDirectory) Search(_ context.Context, query string, limit int) ([]user.Profile, error) {
	var out []user.Profile
	for id, p := range d.users {
		if strings.Contains(strings.ToLower(p.displayName), strings.ToLower(query)) {
			out = append(out, user.Profile{ID: id, DisplayName: p.displayName})
		}
	}
	return out, nil
}

func (d *fakeDirectory) AddFriend(_ context.Context, callerID, targetID string) (user.Profile, error) {
	p, ok := d.users[targetID]
	if !ok {
		return user.Profile{}, errs.ErrNotFound.WithDetail("user " + targetID)
	}
	d.friends[callerID] = append(d.friends[callerID], targetID)
	d.friends[targetID] = append(d.friends[targetID], callerID)
	return user.Profile{ID: targetID, DisplayName: p.displayName}, nil
}

func (d *fakeDirectory) FriendsOf(_ context.Context, userID string) ([]string, error) {
	return d.friends[userID], nil
}

type staticVerifier struct{}

func (staticVerifier) Verify(token string) (security.Identity, error) {
	if token == "" {
		return security.Identity{}, errs.ErrAuth.WithDetail("missing token")
	}
	return security.Identity{UserID: token, Active: true}, nil
}

// newTestServer wires a Server onto fakes and returns the lot.
func newTestServer(users ...string) (*Server, *fakeStore, *fakeBus, *fakePresence, *fakeDirectory) {
	store := newFakeStore()
	bus := &fakeBus{}
	presence := newFakePresence()
	dir := newFakeDirectory(users...)
	srv := NewServer(Options{
		InstanceID:        "test-instance",
		PresenceTTL:       time.Minute,
		SessionTTL:        time.Hour,
		ServiceTTL:        time.Minute,
		HeartbeatInterval: time.Second,
		MaxContentLength:  128,
		SendQueueSize:     16,
	}, store, dir, presence, bus, staticVerifier{})
	return srv, store, bus, presence, dir
}

// newTestClient builds a connected client without a real socket; the
// tests only read its send queue.
func newTestClient(userID string) *Client {
	c := &Client{
		ConnID: "conn-" + userID,
		UserID: userID,
		send:   make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	c.setState(StateConnected)
	return c
}

// nextFrame pops one queued outbound frame, decoded.
func nextFrame(c *Client) (Frame, bool) {
	select {
	case raw := <-c.send:
		f, err := ParseFrame(raw)
		if err != nil {
			return Frame{}, false
		}
		return *f, true
	default:
		return Frame{}, false
	}
}
