// ABOUTME: Tests for the gateway orchestrator lifecycle
// ABOUTME: Covers startup session restore and graceful shutdown

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrz8/ursender/internal/creds"
	"github.com/hrz8/ursender/internal/session"
	"github.com/hrz8/ursender/internal/wire"
)

func TestGateway_StartRestoresSessions(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(backend.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig(t, backend.URL)

	// Seed persisted credentials so startup restores the session
	cs, err := creds.NewStore(cfg.Sessions.Dir, logger)
	require.NoError(t, err)
	require.NoError(t, cs.Save("restored", false, []byte(`{"noise":"keys"}`)))

	dialer := &fakeDialer{}
	g, err := New(cfg, dialer, logger)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Start(context.Background()) }()

	tr := dialer.transport(t, 0)
	tr.events <- wire.Event{Kind: wire.EventConnectionOpened}

	require.Eventually(t, func() bool {
		s, ok := g.registry.Get("restored")
		return ok && s.State() == session.StateConnected
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never stopped")
	}

	// Shutdown keeps the session's credentials for the next start
	blob, err := cs.Load("restored", false)
	require.NoError(t, err)
	assert.NotNil(t, blob)
}
