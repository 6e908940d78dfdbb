// ABOUTME: Per-session reconnect budget tracking.
// ABOUTME: Counts consecutive failed attempts and caps them at a configured maximum.

package session

import "sync"

// RetryPolicy tracks consecutive reconnect attempts per session id.
// A successful connection resets the counter; a terminated session
// forgets it entirely.
type RetryPolicy struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

// NewRetryPolicy creates a policy admitting up to max attempts per
// session. A max below 1 is raised to 1 so every session gets at
// least one reconnect before teardown.
func NewRetryPolicy(max int) *RetryPolicy {
	if max < 1 {
		max = 1
	}
	return &RetryPolicy{
		max:    max,
		counts: make(map[string]int),
	}
}

// ShouldReconnect reports whether the session still has reconnect
// budget, consuming one attempt when it does.
func (r *RetryPolicy) ShouldReconnect(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempts := r.counts[sessionID]
	if attempts >= r.max {
		return false
	}
	r.counts[sessionID] = attempts + 1
	return true
}

// Attempts returns the consecutive failed attempts recorded for a session.
func (r *RetryPolicy) Attempts(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[sessionID]
}

// Reset clears the attempt counter after a successful connection.
func (r *RetryPolicy) Reset(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counts, sessionID)
}

// Forget drops all state for a terminated session.
func (r *RetryPolicy) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counts, sessionID)
}
