package realtime

import "sync"

// Room is the set of connections subscribed to one conversation.
type Room struct {
	ID int64

	mu      sync.RWMutex
	members map[string]*Client
}

func newRoom(id int64) *Room {
	return &Room{ID: id, members: make(map[string]*Client)}
}

// add reports whether the client was not already a member.
func (r *Room) add(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[c.SessionID]; ok {
		return false
	}
	r.members[c.SessionID] = c
	return true
}

// remove returns the number of members left.
func (r *Room) remove(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.members, sessionID)
	return len(r.members)
}

// snapshot copies the member list so delivery happens without holding the lock.
func (r *Room) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.members))
	for _, c := range r.members {
		out = append(out, c)
	}
	return out
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
