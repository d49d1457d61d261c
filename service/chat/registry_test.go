package chat

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	c := newTestClient("alice")

	require.Nil(t, r.Register("alice", c))

	got, ok := r.Get("alice")
	require.True(t, ok)
	require.Equal(t, c.ConnID, got.ConnID)
	require.Equal(t, 1, r.Count())
}

// Second login from the same user evicts the first entry: newest wins.
func TestRegistry_SecondConnectionEvictsFirst(t *testing.T) {
	r := NewRegistry()
	first := newTestClient("alice")
	second := &Client{ConnID: "conn-alice-2", UserID: "alice", send: make(chan []byte, 1), done: make(chan struct{})}

	require.Nil(t, r.Register("alice", first))
	evicted := r.Register("alice", second)
	require.NotNil(t, evicted)
	require.Equal(t, first.ConnID, evicted.ConnID)

	got, ok := r.Get("alice")
	require.True(t, ok)
	require.Equal(t, second.ConnID, got.ConnID)
	require.Equal(t, 1, r.Count())
}

// A stale disconnect from the evicted connection must not remove the
// newer session.
func TestRegistry_StaleUnregisterKeepsNewerSession(t *testing.T) {
	r := NewRegistry()
	first := newTestClient("alice")
	second := &Client{ConnID: "conn-alice-2", UserID: "alice", send: make(chan []byte, 1), done: make(chan struct{})}

	r.Register("alice", first)
	r.Register("alice", second)

	_, ok := r.Unregister(first.ConnID)
	require.False(t, ok, "evicted conn is already gone from the table")

	_, ok = r.Get("alice")
	require.True(t, ok)
}

func TestRegistry_UnregisterRemovesBothDirections(t *testing.T) {
	r := NewRegistry()
	c := newTestClient("alice")
	r.Register("alice", c)

	got, ok := r.Unregister(c.ConnID)
	require.True(t, ok)
	require.Equal(t, "alice", got.UserID)

	_, ok = r.Get("alice")
	require.False(t, ok)
	require.Equal(t, 0, r.Count())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c := newTestClient("user")
			r.Register("user", c)
			r.Get("user")
			r.Unregister(c.ConnID)
			r.Users()
		}(i)
	}
	wg.Wait()
}
