// ABOUTME: Represents a single device session and its connection lifecycle state.
// ABOUTME: Guards transport and state transitions behind a mutex for the event loop.

package session

import (
	"sync"
	"time"

	"github.com/hrz8/ursender/internal/chatcache"
	"github.com/hrz8/ursender/internal/wire"
)

// State is a session's position in the connection lifecycle.
type State int

const (
	StateInitializing State = iota
	StatePairingRequired
	StateConnected
	StateReconnecting
	StateTerminated
)

// String returns the lowercase name used in logs and API responses.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StatePairingRequired:
		return "pairing_required"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session is one registered device identity and its live connection.
// The registry owns all mutation; callers observe through accessors.
type Session struct {
	ID     string
	Legacy bool

	mu        sync.RWMutex
	state     State
	transport wire.Transport
	pending   *PendingRequest
	cache     *chatcache.Cache
	createdAt time.Time
}

func newSession(id string, legacy bool, pending *PendingRequest, cache *chatcache.Cache) *Session {
	return &Session{
		ID:        id,
		Legacy:    legacy,
		state:     StateInitializing,
		pending:   pending,
		cache:     cache,
		createdAt: time.Now().UTC(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// Transport returns the live transport, or nil when disconnected.
func (s *Session) Transport() wire.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

func (s *Session) setTransport(t wire.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}

// Cache returns the session's chat cache.
func (s *Session) Cache() *chatcache.Cache {
	return s.cache
}

// CreatedAt returns when the session was registered in this process.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) pendingRequest() *PendingRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

// clearPending drops the pending request once it can no longer be
// answered, so later connections don't touch a stale waiter.
func (s *Session) clearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
}

// Info is a read-only snapshot of a session for listings.
type Info struct {
	ID        string    `json:"id"`
	Legacy    bool      `json:"legacy"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot captures the session's current public state.
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:        s.ID,
		Legacy:    s.Legacy,
		State:     s.state.String(),
		CreatedAt: s.createdAt,
	}
}
