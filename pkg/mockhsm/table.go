package mockhsm

import (
	"sync"

	"github.com/backkem/yubihsm/pkg/securechannel"
)

// DefaultMaxSessions is the number of session slots of a YubiHSM2.
const DefaultMaxSessions = securechannel.MaxSessions

// Table manages the device-side session slots.
// It handles session ID allocation, lookup, and lifecycle management.
//
// Session IDs are allocated round-robin over [0, maxSessions), skipping
// slots in use, so a freshly closed slot is not reused immediately.
type Table struct {
	sessions    map[securechannel.SessionID]*securechannel.Channel
	maxSessions int
	nextID      securechannel.SessionID // Next ID to try allocating

	mu sync.RWMutex
}

// NewTable creates a new session table.
// maxSessions limits the number of concurrent sessions (0 uses DefaultMaxSessions).
func NewTable(maxSessions int) *Table {
	if maxSessions <= 0 || maxSessions > securechannel.MaxSessions {
		maxSessions = DefaultMaxSessions
	}

	return &Table{
		sessions:    make(map[securechannel.SessionID]*securechannel.Channel),
		maxSessions: maxSessions,
	}
}

// AllocateID returns an unused session ID.
// Returns ErrSessionsFull if every slot is in use.
func (t *Table) AllocateID() (securechannel.SessionID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.sessions) >= t.maxSessions {
		return 0, ErrSessionsFull
	}

	for i := 0; i < t.maxSessions; i++ {
		id := t.nextID

		t.nextID++
		if int(t.nextID) >= t.maxSessions {
			t.nextID = 0
		}

		if _, exists := t.sessions[id]; !exists {
			return id, nil
		}
	}
	return 0, ErrSessionsFull
}

// Add stores a device channel under its session ID.
func (t *Table) Add(ch *securechannel.Channel) error {
	if ch == nil {
		return ErrInvalidSession
	}

	id := ch.SessionID()
	if int(id) >= t.maxSessions {
		return ErrInvalidSession
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.sessions) >= t.maxSessions {
		return ErrSessionsFull
	}
	if _, exists := t.sessions[id]; exists {
		return ErrDuplicateSession
	}

	t.sessions[id] = ch
	return nil
}

// Remove closes and removes a session.
// No error is returned if the session doesn't exist.
func (t *Table) Remove(id securechannel.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ch, ok := t.sessions[id]; ok {
		ch.Close()
		delete(t.sessions, id)
	}
}

// Find looks up a session by ID.
// Returns nil if not found.
func (t *Table) Find(id securechannel.SessionID) *securechannel.Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[id]
}

// Count returns the number of sessions in use.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// IsFull returns true if no more sessions can be added.
func (t *Table) IsFull() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions) >= t.maxSessions
}

// MaxSessions returns the maximum number of sessions allowed.
func (t *Table) MaxSessions() int {
	return t.maxSessions
}

// Clear closes and removes all sessions.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ch := range t.sessions {
		ch.Close()
	}
	t.sessions = make(map[securechannel.SessionID]*securechannel.Channel)
}
