package chat

import "sync"

// Registry is the per-instance connection table: userId -> connection
// and connId -> userId, both O(1). Inbound protocol events arrive with a
// connection, outbound delivery arrives with a user id; both directions
// are hot.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Client
	byConn map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]*Client),
		byConn: make(map[string]*Client),
	}
}

// Register binds a user to a connection. One connection per user per
// instance: a second login evicts the first (newest wins) and the
// evicted client is returned so the caller can close it with a notice.
// A reconnecting client whose old session is half-dead must not be
// locked out, so reject-the-new is not an option here.
func (r *Registry) Register(userID string, c *Client) (evicted *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byUser[userID]; ok && prev.ConnID != c.ConnID {
		delete(r.byConn, prev.ConnID)
		evicted = prev
	}
	r.byUser[userID] = c
	r.byConn[c.ConnID] = c
	return evicted
}

// Unregister removes both directions atomically. It is keyed by connId
// so a stale disconnect from an evicted connection cannot remove the
// newer session of the same user.
func (r *Registry) Unregister(connID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(r.byConn, connID)
	if cur, ok := r.byUser[c.UserID]; ok && cur.ConnID == connID {
		delete(r.byUser, c.UserID)
	}
	return c, true
}

// Get looks up the live connection of a user, if this instance owns one.
func (r *Registry) Get(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[userID]
	return c, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Users snapshots the locally-connected user ids, for presence refresh.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for uid := range r.byUser {
		out = append(out, uid)
	}
	return out
}
