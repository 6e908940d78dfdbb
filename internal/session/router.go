// ABOUTME: Routes inbound message events to the chat cache and the backend webhook.
// ABOUTME: Filters backfill, self-sent, empty, duplicate, and non-group messages.

package session

import (
	"context"
	"log/slog"

	"github.com/hrz8/ursender/internal/chatcache"
	"github.com/hrz8/ursender/internal/dedupe"
	"github.com/hrz8/ursender/internal/webhook"
	"github.com/hrz8/ursender/internal/wire"
)

// Router applies the inbound delivery policy to message events.
// Every message feeds the chat cache; only live group messages with
// readable text that haven't been seen before reach the webhook.
type Router struct {
	dedupe   *dedupe.Cache
	webhooks *webhook.Dispatcher
	logger   *slog.Logger
}

// NewRouter creates a Router backed by the given dedupe cache and dispatcher.
func NewRouter(d *dedupe.Cache, w *webhook.Dispatcher, logger *slog.Logger) *Router {
	return &Router{
		dedupe:   d,
		webhooks: w,
		logger:   logger,
	}
}

// Handle processes one inbound message for a session. Backfill
// messages update the chat cache but are never forwarded.
func (r *Router) Handle(ctx context.Context, sessionID string, cache *chatcache.Cache, msg *wire.Message, live bool) {
	if msg == nil {
		return
	}

	kind, text := msg.Classify()
	cache.Observe(msg.RemoteID, msg.PushName, text, msg.Timestamp)

	if !live || msg.FromSelf {
		return
	}
	if text == "" {
		r.logger.Debug("dropping message without readable text",
			"session_id", sessionID,
			"remote_id", msg.RemoteID,
		)
		return
	}
	if r.dedupe.Seen(sessionID + ":" + msg.MessageID) {
		r.logger.Debug("dropping duplicate message",
			"session_id", sessionID,
			"message_id", msg.MessageID,
		)
		return
	}
	if !msg.IsGroup() {
		return
	}

	r.logger.Info("forwarding inbound message",
		"session_id", sessionID,
		"remote_id", msg.RemoteID,
		"message_id", msg.MessageID,
		"kind", kind,
	)

	// Webhook delivery must not block the session event loop.
	go r.webhooks.Notify(ctx, webhook.Event{
		SessionID: sessionID,
		RemoteID:  msg.RemoteID,
		MessageID: msg.MessageID,
		Text:      text,
	})
}
