package server

import (
	"errors"
	"sync"

	"github.com/udisondev/netsync/internal/player"
)

// ErrServerFull is returned when every player slot is taken.
var ErrServerFull = errors.New("server full")

// SessionManager assigns player slots to connections.
// Thread-safe for concurrent access.
type SessionManager struct {
	mu         sync.RWMutex
	sessions   map[player.ID]*Session
	reserved   map[player.ID]struct{}
	maxPlayers int
}

// NewSessionManager creates a manager for maxPlayers slots numbered from 0.
func NewSessionManager(maxPlayers int) *SessionManager {
	return &SessionManager{
		sessions:   make(map[player.ID]*Session, maxPlayers),
		reserved:   make(map[player.ID]struct{}, maxPlayers),
		maxPlayers: maxPlayers,
	}
}

// Reserve claims the lowest free slot.
func (sm *SessionManager) Reserve() (player.ID, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for i := range sm.maxPlayers {
		p := player.ID(i)
		if _, ok := sm.reserved[p]; !ok {
			sm.reserved[p] = struct{}{}
			return p, nil
		}
	}
	return player.None, ErrServerFull
}

// Register binds s to its reserved slot.
func (sm *SessionManager) Register(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.reserved[s.Player()] = struct{}{}
	sm.sessions[s.Player()] = s
}

// Release frees slot p.
func (sm *SessionManager) Release(p player.ID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, p)
	delete(sm.reserved, p)
}

// Get returns the session of p, or nil.
func (sm *SessionManager) Get(p player.ID) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[p]
}

// Count returns the number of registered sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// ForEach iterates over registered sessions.
// If fn returns false, iteration stops.
func (sm *SessionManager) ForEach(fn func(*Session) bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for _, s := range sm.sessions {
		if !fn(s) {
			return
		}
	}
}

// CloseAll signals every session to shut down.
func (sm *SessionManager) CloseAll() {
	sm.ForEach(func(s *Session) bool {
		s.CloseAsync()
		return true
	})
}
