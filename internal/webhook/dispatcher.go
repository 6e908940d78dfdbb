// ABOUTME: Delivers inbound conversational events to the backend and reports device status.
// ABOUTME: Backend replies can name a session and trigger one automated outbound send.

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Event is one inbound conversational event bound for the backend.
type Event struct {
	SessionID string
	RemoteID  string
	MessageID string
	Text      string
}

// Replier performs the automated outbound send a backend reply asks for.
// Implemented by the session layer; wired after construction.
type Replier interface {
	AutoReply(ctx context.Context, sessionID, receiver, message string)
}

// notifyBody is the send-webhook request payload.
type notifyBody struct {
	From      string `json:"from"`
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
}

// replyBody is the backend's optional instruction embedded in a success
// response.
type replyBody struct {
	SessionID string `json:"session_id"`
	Receiver  string `json:"receiver"`
	Message   string `json:"message"`
}

// Dispatcher issues the gateway's outbound HTTP calls to the backend.
// Inbound delivery and status reporting are best-effort: every failure is
// logged and swallowed, never retried.
type Dispatcher struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
	replier Replier
}

// New creates a Dispatcher for the backend at baseURL.
func New(baseURL string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		logger:  logger,
	}
}

// SetReplier wires the automated-reply sink. Must be called before events
// flow; replies received while unset are dropped with a warning.
func (d *Dispatcher) SetReplier(r Replier) {
	d.replier = r
}

// Notify delivers one inbound event to the backend. A success response may
// embed {session_id, receiver, message}; when all three are present the
// dispatcher immediately triggers the automated reply.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	body, err := json.Marshal(notifyBody{
		From:      ev.RemoteID,
		MessageID: ev.MessageID,
		Message:   ev.Text,
	})
	if err != nil {
		d.logger.Warn("encoding webhook body", "session_id", ev.SessionID, "error", err)
		return
	}

	url := fmt.Sprintf("%s/api/send-webhook/%s", d.baseURL, ev.SessionID)
	resp, err := d.post(ctx, url, body)
	if err != nil {
		d.logger.Warn("webhook delivery failed", "session_id", ev.SessionID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.logger.Warn("webhook rejected", "session_id", ev.SessionID, "status", resp.StatusCode)
		return
	}

	var reply replyBody
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		d.logger.Debug("webhook response not decodable, no auto-reply", "session_id", ev.SessionID, "error", err)
		return
	}
	if reply.SessionID == "" || reply.Receiver == "" || reply.Message == "" {
		return
	}

	if d.replier == nil {
		d.logger.Warn("auto-reply requested but no replier wired", "session_id", reply.SessionID)
		return
	}
	d.replier.AutoReply(ctx, reply.SessionID, reply.Receiver, reply.Message)
}

// ReportStatus flags a device active (1) or inactive (0) on the backend.
// Fire-and-forget: failures are logged, never retried.
func (d *Dispatcher) ReportStatus(ctx context.Context, sessionID string, status int) {
	url := fmt.Sprintf("%s/api/set-device-status/%s/%d", d.baseURL, sessionID, status)
	resp, err := d.post(ctx, url, nil)
	if err != nil {
		d.logger.Warn("device status report failed", "session_id", sessionID, "status", status, "error", err)
		return
	}
	resp.Body.Close()
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return d.client.Do(req)
}
