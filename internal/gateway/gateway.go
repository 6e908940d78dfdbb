// ABOUTME: Gateway orchestrator wiring sessions, storage, webhooks, and the HTTP API.
// ABOUTME: Manages startup restore, the license reporter, and graceful shutdown.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hrz8/ursender/internal/config"
	"github.com/hrz8/ursender/internal/creds"
	"github.com/hrz8/ursender/internal/license"
	"github.com/hrz8/ursender/internal/outbound"
	"github.com/hrz8/ursender/internal/session"
	"github.com/hrz8/ursender/internal/store"
	"github.com/hrz8/ursender/internal/webhook"
	"github.com/hrz8/ursender/internal/wire"
)

// Gateway orchestrates the server components: the session registry,
// message-log store, backend dispatcher, license reporter, and HTTP API.
type Gateway struct {
	cfg        *config.Config
	registry   *session.Registry
	store      store.Store
	webhooks   *webhook.Dispatcher
	reporter   *license.Reporter
	httpServer *http.Server
	logger     *slog.Logger
}

// New wires the gateway from configuration. The dialer is injected so
// tests can substitute a fake network.
func New(cfg *config.Config, dialer wire.Dialer, logger *slog.Logger) (*Gateway, error) {
	credsStore, err := creds.NewStore(cfg.Sessions.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing credential store: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	dispatcher := webhook.New(cfg.Backend.URL, logger)
	registry := session.NewRegistry(session.Options{
		Dialer:            dialer,
		Creds:             credsStore,
		Webhooks:          dispatcher,
		Sender:            outbound.NewSender(cfg.Outbound.SendDelay, logger),
		Retry:             session.NewRetryPolicy(cfg.Sessions.MaxRetries),
		ClientName:        cfg.Sessions.ClientName,
		ReconnectInterval: cfg.Sessions.ReconnectInterval,
		Logger:            logger,
	})
	dispatcher.SetReplier(registry)

	reporter := license.NewReporter(license.Options{
		CheckURL: cfg.License.CheckURL,
		AppURL:   cfg.License.AppURL,
		Key:      cfg.License.Key,
		EnvFile:  cfg.License.EnvFile,
	}, logger)

	g := &Gateway{
		cfg:      cfg,
		registry: registry,
		store:    st,
		webhooks: dispatcher,
		reporter: reporter,
		logger:   logger,
	}
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// Start restores persisted sessions, starts the license reporter, and
// serves the HTTP API. Blocks until the server stops.
func (g *Gateway) Start(ctx context.Context) error {
	g.registry.RestoreAll(ctx)

	if err := g.reporter.Start(); err != nil {
		return fmt.Errorf("starting license reporter: %w", err)
	}

	g.logger.Info("http server listening", "addr", g.cfg.Server.HTTPAddr)
	err := g.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run starts the gateway and blocks until the context is cancelled or
// the server fails, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- g.Start(ctx) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting requests, closes every session connection
// (flushing chat caches), and releases storage.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down")

	if err := g.httpServer.Shutdown(ctx); err != nil {
		g.logger.Warn("http shutdown", "error", err)
	}
	g.reporter.Stop()
	g.registry.Close()
	return g.store.Close()
}
