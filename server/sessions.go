package server

import (
	"errors"
	"sync"

	"github.com/larry-lines/justIRC/protocol"
)

var (
	// ErrNicknameTaken reports a register with a nickname already in use.
	ErrNicknameTaken = errors.New("server: nickname already taken")

	// ErrUserLimitReached reports a register past the configured user cap.
	ErrUserLimitReached = errors.New("server: user limit reached")
)

// SessionTable tracks connected, registered clients. It maintains a
// primary index by user id and a secondary index by nickname; both are
// mutated atomically under one lock.
type SessionTable struct {
	mu       sync.RWMutex
	byID     map[string]*Client
	byNick   map[string]string
	maxUsers int
}

// NewSessionTable creates a session table. maxUsers of zero means no cap.
func NewSessionTable(maxUsers int) *SessionTable {
	return &SessionTable{
		byID:     make(map[string]*Client),
		byNick:   make(map[string]string),
		maxUsers: maxUsers,
	}
}

// Register inserts a client under its user id and nickname. Exactly one
// of several concurrent registrations for the same nickname wins.
func (t *SessionTable) Register(c *Client) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxUsers > 0 && len(t.byID) >= t.maxUsers {
		return ErrUserLimitReached
	}
	nick := c.Nickname()
	if _, taken := t.byNick[nick]; taken {
		return ErrNicknameTaken
	}
	t.byID[c.userID] = c
	t.byNick[nick] = c.userID
	return nil
}

// Remove deletes a client from both indices.
func (t *SessionTable) Remove(c *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byID[c.userID]; !ok || existing != c {
		return
	}
	delete(t.byID, c.userID)
	delete(t.byNick, c.Nickname())
}

// GetByID returns the client with the given user id.
func (t *SessionTable) GetByID(userID string) (*Client, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[userID]
	return c, ok
}

// GetByNickname returns the client with the given nickname.
func (t *SessionTable) GetByNickname(nickname string) (*Client, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byNick[nickname]
	if !ok {
		return nil, false
	}
	c, ok := t.byID[id]
	return c, ok
}

// Count returns the number of registered clients.
func (t *SessionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Snapshot returns the connected users for a user_list frame.
func (t *SessionTable) Snapshot() []protocol.UserInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	users := make([]protocol.UserInfo, 0, len(t.byID))
	for id, c := range t.byID {
		users = append(users, protocol.UserInfo{
			UserID:    id,
			Nickname:  c.Nickname(),
			PublicKey: c.PublicKey(),
		})
	}
	return users
}

// Each calls fn for every registered client. fn must not block.
func (t *SessionTable) Each(fn func(*Client)) {
	t.mu.RLock()
	clients := make([]*Client, 0, len(t.byID))
	for _, c := range t.byID {
		clients = append(clients, c)
	}
	t.mu.RUnlock()
	for _, c := range clients {
		fn(c)
	}
}
