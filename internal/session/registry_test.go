// ABOUTME: Tests for the session registry lifecycle
// ABOUTME: Covers create, pairing, reconnect budget, logout teardown, restore, and sends

package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrz8/ursender/internal/creds"
	"github.com/hrz8/ursender/internal/outbound"
	"github.com/hrz8/ursender/internal/webhook"
	"github.com/hrz8/ursender/internal/wire"
)

type fakeSend struct {
	remoteID string
	content  map[string]any
}

type fakeTransport struct {
	events    chan wire.Event
	closeOnce sync.Once

	mu      sync.Mutex
	sent    []fakeSend
	logouts int
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan wire.Event, 16)}
}

func (t *fakeTransport) Events() <-chan wire.Event { return t.events }

func (t *fakeTransport) Send(_ context.Context, remoteID string, content map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, fakeSend{remoteID: remoteID, content: content})
	return nil
}

func (t *fakeTransport) Logout(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logouts++
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.events)
	})
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) emit(ev wire.Event) { t.events <- ev }

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) lastSent() fakeSend {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent[len(t.sent)-1]
}

func (t *fakeTransport) logoutCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logouts
}

type fakeDialer struct {
	mu         sync.Mutex
	configs    []wire.DialConfig
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, cfg wire.DialConfig) (wire.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := newFakeTransport()
	d.configs = append(d.configs, cfg)
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.configs)
}

func (d *fakeDialer) config(i int) wire.DialConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configs[i]
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

// blockingDialer parks each Dial call until released, holding open the
// window between session registration and transport attachment.
type blockingDialer struct {
	fakeDialer
	entered chan struct{}
	release chan struct{}
}

func newBlockingDialer() *blockingDialer {
	return &blockingDialer{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (d *blockingDialer) Dial(ctx context.Context, cfg wire.DialConfig) (wire.Transport, error) {
	d.entered <- struct{}{}
	<-d.release
	return d.fakeDialer.Dial(ctx, cfg)
}

// fakeBackend records device-status reports and webhook deliveries, and
// can hand back an auto-reply instruction.
type fakeBackend struct {
	mu       sync.Mutex
	statuses []string
	webhooks []map[string]string
	reply    map[string]string
	server   *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	b := &fakeBackend{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/set-device-status/"):
			b.mu.Lock()
			b.statuses = append(b.statuses, strings.TrimPrefix(r.URL.Path, "/api/set-device-status/"))
			b.mu.Unlock()
			w.WriteHeader(http.StatusOK)

		case strings.HasPrefix(r.URL.Path, "/api/send-webhook/"):
			raw, _ := io.ReadAll(r.Body)
			var body map[string]string
			json.Unmarshal(raw, &body)

			b.mu.Lock()
			b.webhooks = append(b.webhooks, body)
			reply := b.reply
			b.mu.Unlock()

			w.WriteHeader(http.StatusOK)
			if reply != nil {
				json.NewEncoder(w).Encode(reply)
			} else {
				w.Write([]byte(`{}`))
			}

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) hasStatus(want string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.statuses {
		if s == want {
			return true
		}
	}
	return false
}

func (b *fakeBackend) webhookCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.webhooks)
}

func newTestRegistry(t *testing.T, dialer wire.Dialer, backend *fakeBackend, retry *RetryPolicy) (*Registry, *creds.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cs, err := creds.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	disp := webhook.New(backend.server.URL, logger)
	reg := NewRegistry(Options{
		Dialer:            dialer,
		Creds:             cs,
		Webhooks:          disp,
		Sender:            outbound.NewSender(0, logger),
		Retry:             retry,
		ClientName:        "test-client",
		ReconnectInterval: 5 * time.Millisecond,
		Logger:            logger,
	})
	disp.SetReplier(reg)
	t.Cleanup(reg.Close)
	return reg, cs
}

func waitForDial(t *testing.T, d *fakeDialer, n int) *fakeTransport {
	t.Helper()
	require.Eventually(t, func() bool { return d.dialCount() >= n }, time.Second, 2*time.Millisecond)
	return d.transport(n - 1)
}

func waitForState(t *testing.T, reg *Registry, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := reg.Get(id)
		return ok && s.State() == want
	}, time.Second, 2*time.Millisecond)
}

func TestRegistry_CreateConnects(t *testing.T) {
	dialer := &fakeDialer{}
	backend := newFakeBackend(t)
	reg, _ := newTestRegistry(t, dialer, backend, NewRetryPolicy(3))

	pending := NewPendingRequest()
	require.NoError(t, reg.Create(context.Background(), "s1", false, pending))

	cfg := dialer.config(0)
	assert.Equal(t, "s1", cfg.SessionID)
	assert.Equal(t, "test-client", cfg.ClientName)
	assert.Nil(t, cfg.Creds)

	dialer.transport(0).emit(wire.Event{Kind: wire.EventConnectionOpened})

	// Restored-style connections answer the waiter with no pairing code
	code, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, code)

	waitForState(t, reg, "s1", StateConnected)
	assert.True(t, reg.Exists("s1"))
	require.Eventually(t, func() bool { return backend.hasStatus("s1/1") }, time.Second, 5*time.Millisecond)
}

func TestRegistry_DuplicateCreateIsNoop(t *testing.T) {
	dialer := &fakeDialer{}
	backend := newFakeBackend(t)
	reg, _ := newTestRegistry(t, dialer, backend, NewRetryPolicy(3))

	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, "s1", false, nil))

	dup := NewPendingRequest()
	require.NoError(t, reg.Create(ctx, "s1", false, dup))

	// The existing session is untouched and no second dial happened
	assert.Equal(t, 1, dialer.dialCount())
	assert.Len(t, reg.Sessions(), 1)

	// The duplicate's waiter is released instead of hanging
	_, err := dup.Wait(ctx)
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestRegistry_PairingChallengeAnswersWaiter(t *testing.T) {
	dialer := &fakeDialer{}
	backend := newFakeBackend(t)
	reg, _ := newTestRegistry(t, dialer, backend, NewRetryPolicy(3))

	pending := NewPendingRequest()
	require.NoError(t, reg.Create(context.Background(), "s1", false, pending))

	dialer.transport(0).emit(wire.Event{Kind: wire.EventPairingChallenge, Pairing: "challenge-data"})

	code, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(code, "data:image/png;base64,"))

	waitForState(t, reg, "s1", StatePairingRequired)
}

func TestRegistry_UnscannedPairingTearsDown(t *testing.T) {
	dialer := &fakeDialer{}
	backend := newFakeBackend(t)
	reg, _ := newTestRegistry(t, dialer, backend, NewRetryPolicy(3))

	pending := NewPendingRequest()
	require.NoError(t, reg.Create(context.Background(), "s1", false, pending))

	tr := dialer.transport(0)
	tr.emit(wire.Event{Kind: wire.EventPairingChallenge, Pairing: "first"})

	_, err := pending.Wait(context.Background())
	require.NoError(t, err)

	// A second challenge means the first code expired unscanned
	tr.emit(wire.Event{Kind: wire.EventPairingChallenge, Pairing: "second"})

	require.Eventually(t, func() bool { return !reg.Exists("s1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, tr.logoutCount())
	require.Eventually(t, func() bool { return backend.hasStatus("s1/0") }, time.Second, 5*time.Millisecond)
}

func TestRegistry_LoggedOutRemovesEverything(t *testing.T) {
	dialer := &fakeDialer{}
	backend := newFakeBackend(t)
	reg, cs := newTestRegistry(t, dialer, backend, NewRetryPolicy(3))

	require.NoError(t, cs.Save("s1", false, []byte(`{"noise":"old"}`)))
	require.NoError(t, reg.Create(context.Background(), "s1", false, nil))

	tr := dialer.transport(0)
	tr.emit(wire.Event{Kind: wire.EventConnectionOpened})
	waitForState(t, reg, "s1", StateConnected)

	tr.emit(wire.Event{Kind: wire.EventConnectionClosed, Code: wire.CodeLoggedOut})

	require.Eventually(t, func() bool { return !reg.Exists("s1") }, time.Second, 5*time.Millisecond)

	// Credentials were deleted and no reconnect was attempted
	blob, err := cs.Load("s1", false)
	require.NoError(t, err)
	assert.Nil(t, blob)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
	require.Eventually(t, func() bool { return backend.hasStatus("s1/0") }, time.Second, 5*time.Millisecond)
}

func TestRegistry_ReconnectBudget(t *testing.T) {
	dialer := &fakeDialer{}
	backend := newFakeBackend(t)
	reg, _ := newTestRegistry(t, dialer, backend, NewRetryPolicy(2))

	require.NoError(t, reg.Create(context.Background(), "s1", false, nil))

	// Initial dial plus two budgeted reconnects; the third close exhausts it
	for i := 0; i < 3; i++ {
		tr := waitForDial(t, dialer, i+1)
		tr.emit(wire.Event{Kind: wire.EventConnectionClosed, Code: wire.CodeConnectionLost})
	}

	require.Eventually(t, func() bool { return !reg.Exists("s1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, dialer.dialCount())
	require.Eventually(t, func() bool { return backend.hasStatus("s1/0") }, time.Second, 5*time.Millisecond)
}

func TestRegistry_RestartRequiredReconnectsImmediately(t *testing.T) {
	dialer := &fakeDialer{}
	backend := newFakeBackend(t)
	retry := NewRetryPolicy(3)
	reg, _ := newTestRegistry(t, dialer, backend, retry)

	require.NoError(t, reg.Create(context.Background(), "s1", false, nil))

	dialer.transport(0).emit(wire.Event{Kind: wire.EventConnectionClosed, Code: wire.CodeRestartRequired})

	tr := waitForDial(t, dialer, 2)
	assert.True(t, reg.Exists("s1"))

	tr.emit(wire.Event{Kind: wire.EventConnectionOpened})
	waitForState(t, reg, "s1", StateConnected)

	// A successful connection restores the full reconnect budget
	assert.Equal(t, 0, retry.Attempts("s1"))
}

func TestRegistry_PersistsCredentialUpdates(t *testing.T) {
	dialer := &fakeDialer{}
	backend := newFakeBackend(t)
	reg, cs := newTestRegistry(t, dialer, backend, NewRetryPolicy(3))

	require.NoError(t, reg.Create(context.Background(), "s1", false, nil))

	blob := []byte(`{"noise":"fresh"}`)
	dialer.transport(0).emit(wire.Event{Kind: wire.EventCredsUpdated, Creds: blob})

	require.Eventually(t, func() bool {
		got, err := cs.Load("s1", false)
		return err == nil && string(got) == string(blob)
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_SendRequiresConnectedSession(t *testing.T) {
	dialer := &fakeDialer{}
	backend := newFakeBackend(t)
	reg, _ := newTestRegistry(t, dialer, backend, NewRetryPolicy(3))

	ctx := context.Background()
	payload := wire.Payload{Kind: wire.PlainText, Text: "hello"}

	err := reg.Send(ctx, "ghost", "628123456789", payload, false, outbound.Profile{})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, reg.Create(ctx, "s1", false, nil))

	// Still initializing, not yet connected
	err = reg.Send(ctx, "s1", "628123456789", payload, false, outbound.Profile{})
	assert.ErrorIs(t, err, ErrSessionNotConnected)
}

func TestRegistry_SendNormalizesRecipient(t *testing.T) {
	dialer := &fakeDialer{}
	backend := newFakeBackend(t)
	reg, _ := newTestRegistry(t, dialer, backend, NewRetryPolicy(3))

	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, "s1", false, nil))

	tr := dialer.transport(0)
	tr.emit(wire.Event{Kind: wire.EventConnectionOpened})
	waitForState(t, reg, "s1", StateConnected)

	payload := wire.Payload{Kind: wire.PlainText, Text: "hello"}
	require.NoError(t, reg.Send(ctx, "s1", "0812-345-678", payload, false, outbound.Profile{}))

	require.Equal(t, 1, tr.sentCount())
	sent := tr.lastSent()
	assert.Equal(t, "0812345678"+wire.UserSuffix, sent.remoteID)
	assert.Equal(t, map[string]any{"text": "hello"}, sent.content)
}

func TestRegistry_WebhookReplyTriggersAutoReply(t *testing.T) {
	dialer := &fakeDialer{}
	backend := newFakeBackend(t)
	backend.reply = map[string]string{
		"session_id": "s1",
		"receiver":   "628123456789",
		"message":    "automated answer",
	}
	reg, _ := newTestRegistry(t, dialer, backend, NewRetryPolicy(3))

	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, "s1", false, nil))

	tr := dialer.transport(0)
	tr.emit(wire.Event{Kind: wire.EventConnectionOpened})
	waitForState(t, reg, "s1", StateConnected)

	tr.emit(wire.Event{
		Kind: wire.EventMessageReceived,
		Live: true,
		Message: &wire.Message{
			RemoteID:     "12345-67890@g.us",
			MessageID:    "m1",
			Conversation: "anyone there?",
			Timestamp:    time.Now().Unix(),
		},
	})

	// The backend's reply instruction comes back as an outbound send
	require.Eventually(t, func() bool { return tr.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	sent := tr.lastSent()
	assert.Equal(t, "628123456789"+wire.UserSuffix, sent.remoteID)
	assert.Equal(t, map[string]any{"text": "automated answer"}, sent.content)
	assert.Equal(t, 1, backend.webhookCount())
}

func TestRegistry_RestoreAll(t *testing.T) {
	dialer := &fakeDialer{}
	backend := newFakeBackend(t)
	reg, cs := newTestRegistry(t, dialer, backend, NewRetryPolicy(3))

	require.NoError(t, cs.Save("alpha", false, []byte(`{"id":"alpha"}`)))
	require.NoError(t, cs.Save("beta", true, []byte(`{"id":"beta"}`)))

	reg.RestoreAll(context.Background())

	assert.Equal(t, 2, dialer.dialCount())
	assert.True(t, reg.Exists("alpha"))
	assert.True(t, reg.Exists("beta"))

	// Persisted credentials and the legacy flag ride along on the dial
	for i := 0; i < 2; i++ {
		cfg := dialer.config(i)
		assert.NotNil(t, cfg.Creds)
		if cfg.SessionID == "beta" {
			assert.True(t, cfg.Legacy)
		} else {
			assert.False(t, cfg.Legacy)
		}
	}
}

func TestRegistry_DeleteLogsOut(t *testing.T) {
	dialer := &fakeDialer{}
	backend := newFakeBackend(t)
	reg, cs := newTestRegistry(t, dialer, backend, NewRetryPolicy(3))

	cachePath := filepath.Join(cs.Dir(), "s1_store.json")
	require.NoError(t, os.WriteFile(cachePath, []byte(`[{"id":"123@g.us","name":"Team"}]`), 0o600))

	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, "s1", false, nil))

	tr := dialer.transport(0)
	tr.emit(wire.Event{Kind: wire.EventConnectionOpened})
	waitForState(t, reg, "s1", StateConnected)
	require.NoError(t, cs.Save("s1", false, []byte(`{}`)))

	require.NoError(t, reg.Delete(ctx, "s1"))

	assert.False(t, reg.Exists("s1"))
	assert.Equal(t, 1, tr.logoutCount())

	blob, err := cs.Load("s1", false)
	require.NoError(t, err)
	assert.Nil(t, blob)

	_, err = os.Stat(cachePath)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.Eventually(t, func() bool { return backend.hasStatus("s1/0") }, time.Second, 5*time.Millisecond)

	// Deleting again reports the absence
	assert.ErrorIs(t, reg.Delete(ctx, "s1"), ErrSessionNotFound)
}

func TestRegistry_DeleteDuringDialDiscardsConnection(t *testing.T) {
	dialer := newBlockingDialer()
	backend := newFakeBackend(t)
	reg, cs := newTestRegistry(t, dialer, backend, NewRetryPolicy(3))

	ctx := context.Background()
	require.NoError(t, cs.Save("s1", false, []byte(`{"key":"value"}`)))

	done := make(chan error, 1)
	go func() { done <- reg.Create(ctx, "s1", false, nil) }()

	// Delete lands while the dial is still in flight.
	<-dialer.entered
	require.NoError(t, reg.Delete(ctx, "s1"))
	assert.False(t, reg.Exists("s1"))
	close(dialer.release)

	require.NoError(t, <-done)

	// The late connection is closed, not attached: the session stays
	// gone and no event loop runs that could rewrite its credentials.
	assert.False(t, reg.Exists("s1"))
	tr := dialer.transport(0)
	require.Eventually(t, tr.isClosed, time.Second, 2*time.Millisecond)

	blob, err := cs.Load("s1", false)
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestRegistry_ReconnectKeepsReconnectingState(t *testing.T) {
	dialer := &fakeDialer{}
	backend := newFakeBackend(t)
	reg, _ := newTestRegistry(t, dialer, backend, NewRetryPolicy(3))

	ctx := context.Background()
	require.NoError(t, reg.Create(ctx, "s1", false, nil))

	tr := dialer.transport(0)
	tr.emit(wire.Event{Kind: wire.EventConnectionOpened})
	waitForState(t, reg, "s1", StateConnected)

	tr.emit(wire.Event{Kind: wire.EventConnectionClosed, Code: wire.CodeConnectionLost})
	waitForDial(t, dialer, 2)

	// Redialed but not yet open: still reconnecting, never back to
	// initializing.
	s, ok := reg.Get("s1")
	require.True(t, ok)
	assert.Equal(t, StateReconnecting, s.State())

	dialer.transport(1).emit(wire.Event{Kind: wire.EventConnectionOpened})
	waitForState(t, reg, "s1", StateConnected)
}
