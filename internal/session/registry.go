// ABOUTME: Manages all device sessions, their event loops, and reconnect scheduling.
// ABOUTME: Central coordinator for create, restore, delete, and outbound sends.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/hrz8/ursender/internal/chatcache"
	"github.com/hrz8/ursender/internal/creds"
	"github.com/hrz8/ursender/internal/dedupe"
	"github.com/hrz8/ursender/internal/outbound"
	"github.com/hrz8/ursender/internal/pairing"
	"github.com/hrz8/ursender/internal/webhook"
	"github.com/hrz8/ursender/internal/wire"
)

// ErrSessionExists indicates a create hit an id that is already live.
var ErrSessionExists = errors.New("session already exists")

// ErrSessionNotFound indicates the specified session is not registered.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionNotConnected indicates the session exists but has no live connection.
var ErrSessionNotConnected = errors.New("session not connected")

// ErrPairingFailed indicates the connection closed before pairing completed.
var ErrPairingFailed = errors.New("unable to create session")

// ErrAuthRejected indicates the network invalidated the device registration.
var ErrAuthRejected = errors.New("device logged out")

// ErrRetriesExhausted indicates the reconnect budget ran out.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

// errSessionRemoved reports a dial that completed after its session was
// already torn down; the fresh connection must be discarded, not attached.
var errSessionRemoved = errors.New("session removed during dial")

const (
	cacheFlushInterval = 10 * time.Second
	dedupeTTL          = 10 * time.Minute
	dedupeMaxSize      = 8192
)

// Options configures a Registry.
type Options struct {
	Dialer            wire.Dialer
	Creds             *creds.Store
	Webhooks          *webhook.Dispatcher
	Sender            *outbound.Sender
	Retry             *RetryPolicy
	ClientName        string
	ReconnectInterval time.Duration
	Logger            *slog.Logger
}

// Registry coordinates all sessions and routes their lifecycle events.
type Registry struct {
	sessions map[string]*Session
	timers   map[string]*time.Timer
	mu       sync.Mutex

	dialer    wire.Dialer
	creds     *creds.Store
	webhooks  *webhook.Dispatcher
	sender    *outbound.Sender
	retry     *RetryPolicy
	router    *Router
	dedupe    *dedupe.Cache
	client    string
	reconnect time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry creates a Registry. It does not restore persisted
// sessions; call RestoreAll after construction.
func NewRegistry(opts Options) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	d := dedupe.New(dedupeTTL, dedupeMaxSize)
	return &Registry{
		sessions:  make(map[string]*Session),
		timers:    make(map[string]*time.Timer),
		dialer:    opts.Dialer,
		creds:     opts.Creds,
		webhooks:  opts.Webhooks,
		sender:    opts.Sender,
		retry:     opts.Retry,
		router:    NewRouter(d, opts.Webhooks, opts.Logger),
		dedupe:    d,
		client:    opts.ClientName,
		reconnect: opts.ReconnectInterval,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Create registers a new session and dials its first connection.
// Creating an id that is already live is a no-op: the existing session
// is left untouched and any pending request is failed immediately.
func (r *Registry) Create(ctx context.Context, sessionID string, legacy bool, pending *PendingRequest) error {
	r.mu.Lock()
	if _, exists := r.sessions[sessionID]; exists {
		r.mu.Unlock()
		if pending != nil {
			pending.Fail(ErrSessionExists)
		}
		return nil
	}

	cache := chatcache.New(filepath.Join(r.creds.Dir(), sessionID+"_store.json"))
	if err := cache.Load(); err != nil {
		r.logger.Warn("unable to load chat cache", "session_id", sessionID, "error", err)
	}

	s := newSession(sessionID, legacy, pending, cache)
	r.sessions[sessionID] = s
	r.mu.Unlock()

	if err := r.dial(ctx, s); err != nil {
		r.mu.Lock()
		// Only unregister our own entry; a concurrent delete-and-recreate
		// may have put a different session under this id by now.
		if r.sessions[sessionID] == s {
			delete(r.sessions, sessionID)
		}
		r.mu.Unlock()
		if pending != nil {
			pending.Fail(err)
		}
		if errors.Is(err, errSessionRemoved) {
			// The session was deliberately deleted mid-dial; teardown
			// already answered the waiter and cleaned up.
			return nil
		}
		return err
	}

	r.logger.Info("session created", "session_id", sessionID, "legacy", legacy)
	return nil
}

// dial brings a connection up for the session and starts its event loop.
func (r *Registry) dial(ctx context.Context, s *Session) error {
	blob, err := r.creds.Load(s.ID, s.Legacy)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	t, err := r.dialer.Dial(ctx, wire.DialConfig{
		SessionID:  s.ID,
		Legacy:     s.Legacy,
		Creds:      blob,
		ClientName: r.client,
	})
	if err != nil {
		return fmt.Errorf("dialing network: %w", err)
	}

	// A delete can land while the dial is in flight. Attaching the
	// transport then would resurrect a terminated session outside the
	// registry, so re-check the entry before going live. The session
	// keeps its current state (initializing or reconnecting) until the
	// connection actually opens.
	r.mu.Lock()
	if r.sessions[s.ID] != s {
		r.mu.Unlock()
		t.Close()
		return errSessionRemoved
	}
	s.setTransport(t)
	r.mu.Unlock()

	go r.runSession(s, t)
	return nil
}

// runSession consumes one transport's event stream until it closes,
// flushing the chat cache periodically.
func (r *Registry) runSession(s *Session, t wire.Transport) {
	flush := time.NewTicker(cacheFlushInterval)
	defer flush.Stop()

	events := t.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handleEvent(s, t, ev)
		case <-flush.C:
			if err := s.cache.Flush(); err != nil {
				r.logger.Warn("unable to flush chat cache", "session_id", s.ID, "error", err)
			}
		}
	}
}

func (r *Registry) handleEvent(s *Session, t wire.Transport, ev wire.Event) {
	switch ev.Kind {
	case wire.EventCredsUpdated:
		if err := r.creds.Save(s.ID, s.Legacy, ev.Creds); err != nil {
			r.logger.Error("unable to persist credentials", "session_id", s.ID, "error", err)
		}

	case wire.EventPairingChallenge:
		r.handlePairing(s, t, ev.Pairing)

	case wire.EventConnectionOpened:
		s.setState(StateConnected)
		r.retry.Reset(s.ID)
		r.logger.Info("session connected", "session_id", s.ID)
		if p := s.pendingRequest(); p != nil {
			// Restored credentials connect without a pairing round.
			p.Succeed("")
			s.clearPending()
		}
		go r.webhooks.ReportStatus(r.ctx, s.ID, 1)

	case wire.EventConnectionClosed:
		r.handleClosed(s, t, ev.Code)

	case wire.EventMessageReceived:
		r.router.Handle(r.ctx, s.ID, s.cache, ev.Message, ev.Live)
	}
}

// handlePairing renders the challenge for a waiting caller. A challenge
// with nobody left to answer means the code expired unscanned, so the
// device registration is abandoned.
func (r *Registry) handlePairing(s *Session, t wire.Transport, challenge string) {
	s.setState(StatePairingRequired)

	p := s.pendingRequest()
	if p == nil || p.Answered() {
		r.logger.Info("pairing challenge expired unanswered", "session_id", s.ID)
		r.teardown(s, t, true, ErrPairingFailed)
		return
	}

	code, err := pairing.RenderQR(challenge)
	if err != nil {
		r.logger.Error("unable to render pairing code", "session_id", s.ID, "error", err)
		p.Fail(err)
		r.teardown(s, t, true, ErrPairingFailed)
		return
	}
	p.Succeed(code)
}

// handleClosed applies the disconnect policy: logged-out devices and
// exhausted retry budgets terminate the session; everything else
// schedules a reconnect, immediately for a restart-required close.
func (r *Registry) handleClosed(s *Session, t wire.Transport, code wire.DisconnectCode) {
	if code == wire.CodeLoggedOut {
		r.logger.Info("session logged out", "session_id", s.ID)
		r.teardown(s, t, false, ErrAuthRejected)
		return
	}
	if !r.retry.ShouldReconnect(s.ID) {
		r.logger.Warn("reconnect budget exhausted", "session_id", s.ID)
		r.teardown(s, t, false, ErrRetriesExhausted)
		return
	}

	delay := r.reconnect
	if code == wire.CodeRestartRequired {
		delay = 0
	}

	s.setState(StateReconnecting)
	r.logger.Info("scheduling reconnect",
		"session_id", s.ID,
		"code", int(code),
		"delay", delay,
		"attempt", r.retry.Attempts(s.ID),
	)
	t.Close()
	r.scheduleReconnect(s.ID, delay)
}

func (r *Registry) scheduleReconnect(sessionID string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; !exists {
		return
	}
	if timer, ok := r.timers[sessionID]; ok {
		timer.Stop()
	}
	r.timers[sessionID] = time.AfterFunc(delay, func() {
		r.redial(sessionID)
	})
}

func (r *Registry) redial(sessionID string) {
	r.mu.Lock()
	delete(r.timers, sessionID)
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := r.dial(r.ctx, s); err != nil {
		if errors.Is(err, errSessionRemoved) {
			return
		}
		r.logger.Error("reconnect failed", "session_id", sessionID, "error", err)
		if !r.retry.ShouldReconnect(sessionID) {
			r.teardown(s, nil, false, ErrRetriesExhausted)
			return
		}
		r.scheduleReconnect(sessionID, r.reconnect)
	}
}

// teardown removes the session and every artifact tied to it, and
// reports the device as offline. When logout is true the device
// registration on the network is invalidated as well; reason answers
// any waiter still pending.
func (r *Registry) teardown(s *Session, t wire.Transport, logout bool, reason error) {
	r.mu.Lock()
	if r.sessions[s.ID] != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.ID)
	if timer, ok := r.timers[s.ID]; ok {
		timer.Stop()
		delete(r.timers, s.ID)
	}
	r.mu.Unlock()

	s.setState(StateTerminated)
	if p := s.pendingRequest(); p != nil {
		p.Fail(reason)
		s.clearPending()
	}

	if t == nil {
		t = s.Transport()
	}
	if t != nil {
		if logout {
			if err := t.Logout(r.ctx); err != nil {
				r.logger.Warn("logout failed", "session_id", s.ID, "error", err)
			}
		}
		t.Close()
	}

	if err := s.cache.Remove(); err != nil {
		r.logger.Warn("unable to remove chat cache", "session_id", s.ID, "error", err)
	}
	if err := r.creds.Delete(s.ID, s.Legacy); err != nil {
		r.logger.Warn("unable to remove credentials", "session_id", s.ID, "error", err)
	}
	r.retry.Forget(s.ID)

	r.logger.Info("session removed", "session_id", s.ID)
	go r.webhooks.ReportStatus(r.ctx, s.ID, 0)
}

// Delete logs the session out and removes it with all its artifacts.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	r.teardown(s, nil, true, ErrPairingFailed)
	return nil
}

// Get retrieves a session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Exists reports whether a session with the given id is registered.
func (r *Registry) Exists(sessionID string) bool {
	_, ok := r.Get(sessionID)
	return ok
}

// Sessions returns a snapshot of all registered sessions.
func (r *Registry) Sessions() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	return infos
}

// RestoreAll recreates sessions from persisted credentials. Failures
// are logged and skipped so one bad identity never blocks startup.
func (r *Registry) RestoreAll(ctx context.Context) {
	identities, err := r.creds.List()
	if err != nil {
		r.logger.Error("unable to list persisted sessions", "error", err)
		return
	}

	for _, id := range identities {
		if err := r.Create(ctx, id.SessionID, id.Legacy, nil); err != nil {
			r.logger.Error("unable to restore session",
				"session_id", id.SessionID,
				"error", err,
			)
		}
	}
	r.logger.Info("session restore complete", "total", len(identities))
}

// Send delivers an outbound payload through a connected session.
func (r *Registry) Send(ctx context.Context, sessionID, recipient string, payload wire.Payload, isGroup bool, profile outbound.Profile) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if s.State() != StateConnected {
		return ErrSessionNotConnected
	}
	t := s.Transport()
	if t == nil {
		return ErrSessionNotConnected
	}
	return r.sender.Send(ctx, t, recipient, payload, isGroup, profile)
}

// AutoReply sends a plain-text reply on behalf of the backend.
// Implements the webhook.Replier interface; failures are logged since
// the backend has no channel to hear about them.
func (r *Registry) AutoReply(ctx context.Context, sessionID, receiver, message string) {
	err := r.Send(ctx, sessionID, receiver, wire.Payload{Kind: wire.PlainText, Text: message}, false, outbound.Profile{})
	if err != nil {
		r.logger.Warn("auto-reply failed",
			"session_id", sessionID,
			"receiver", receiver,
			"error", err,
		)
	}
}

// Close shuts every session's connection down without touching its
// persisted artifacts, flushing chat caches first.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.cache.Flush(); err != nil {
			r.logger.Warn("unable to flush chat cache", "session_id", s.ID, "error", err)
		}
		if t := s.Transport(); t != nil {
			t.Close()
		}
		s.setState(StateTerminated)
	}

	r.cancel()
	r.dedupe.Close()
	r.logger.Info("session registry closed", "total", len(sessions))
}
