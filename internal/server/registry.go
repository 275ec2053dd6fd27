package server

import "sync"

// Registry maps each locally connected user to their current client.
// A process holds at most one client per user.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int64]*Client
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]*Client)}
}

// Register makes c the user's client and returns the client it
// replaced, if any.
func (r *Registry) Register(c *Client) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessions[c.user.Id]
	r.sessions[c.user.Id] = c
	if prev == c {
		return nil
	}
	return prev
}

// Remove drops the user's entry whatever client it holds. The hub
// removes through RemoveSession instead, so a stale client closing late
// cannot drop its replacement.
func (r *Registry) Remove(userId int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userId)
}

// RemoveSession removes c only if it is still the user's current client.
func (r *Registry) RemoveSession(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[c.user.Id] != c {
		return false
	}
	delete(r.sessions, c.user.Id)
	return true
}

func (r *Registry) Get(userId int64) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[userId]
	return c, ok
}

// IsOpen reports whether the user's client is writable.
func (r *Registry) IsOpen(userId int64) bool {
	_, ok := r.OpenClient(userId)
	return ok
}

// OpenClient returns the user's client only if it is OPEN.
func (r *Registry) OpenClient(userId int64) (*Client, bool) {
	c, ok := r.Get(userId)
	if !ok || !c.IsOpen() {
		return nil, false
	}
	return c, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Clients returns a snapshot of the registered clients.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.sessions))
	for _, c := range r.sessions {
		clients = append(clients, c)
	}
	return clients
}
