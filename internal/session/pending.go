// ABOUTME: Answer-once handoff between a session's event loop and a waiting caller.
// ABOUTME: Carries the rendered pairing code (or failure) back to the create request.

package session

import (
	"context"
	"sync"
)

// PendingRequest is a single-use rendezvous for the pairing handshake.
// The session event loop answers it exactly once, with either the
// rendered pairing code or an error; the creating caller waits on it.
type PendingRequest struct {
	mu       sync.Mutex
	answered bool
	value    string
	err      error
	done     chan struct{}
}

// NewPendingRequest creates an unanswered request.
func NewPendingRequest() *PendingRequest {
	return &PendingRequest{done: make(chan struct{})}
}

// Succeed answers the request with a value. Returns false if the
// request was already answered.
func (p *PendingRequest) Succeed(value string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.answered {
		return false
	}
	p.answered = true
	p.value = value
	close(p.done)
	return true
}

// Fail answers the request with an error. Returns false if the
// request was already answered.
func (p *PendingRequest) Fail(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.answered {
		return false
	}
	p.answered = true
	p.err = err
	close(p.done)
	return true
}

// Answered reports whether the request has been answered.
func (p *PendingRequest) Answered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answered
}

// Wait blocks until the request is answered or the context expires.
func (p *PendingRequest) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.done:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}
