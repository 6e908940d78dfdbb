// ABOUTME: WebSocket transport speaking the relay's JSON envelope protocol.
// ABOUTME: Maps relay envelopes onto wire events and outbound sends onto envelopes.

package wsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hrz8/ursender/internal/wire"
)

const (
	defaultWriteTimeout = 10 * time.Second
	eventBuffer         = 64
)

// Envelope types exchanged with the relay.
const (
	typeDial    = "dial"
	typeSend    = "send"
	typeLogout  = "logout"
	typeCreds   = "creds"
	typeOpen    = "open"
	typeClosed  = "closed"
	typePairing = "pairing"
	typeMessage = "message"
)

// envelope is the single JSON frame shape for both directions. Type
// selects which fields are meaningful.
type envelope struct {
	Type string `json:"type"`

	SessionID  string          `json:"session_id,omitempty"`
	Legacy     bool            `json:"legacy,omitempty"`
	ClientName string          `json:"client_name,omitempty"`
	Creds      json.RawMessage `json:"creds,omitempty"`

	Code    int           `json:"code,omitempty"`
	Pairing string        `json:"pairing,omitempty"`
	Live    bool          `json:"live,omitempty"`
	Message *relayMessage `json:"message,omitempty"`

	RemoteID string         `json:"remote_id,omitempty"`
	Content  map[string]any `json:"content,omitempty"`
}

type relayMessage struct {
	RemoteID     string `json:"remote_id"`
	MessageID    string `json:"message_id"`
	FromSelf     bool   `json:"from_self,omitempty"`
	Conversation string `json:"conversation,omitempty"`
	PushName     string `json:"push_name,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`

	ButtonReply *relayButtonReply `json:"button_reply,omitempty"`
	ListReply   *relayListReply   `json:"list_reply,omitempty"`
}

type relayButtonReply struct {
	SelectedID  string `json:"selected_id"`
	DisplayText string `json:"display_text"`
}

type relayListReply struct {
	RowID string `json:"row_id"`
	Title string `json:"title"`
}

// Dialer connects sessions to a protocol relay over WebSocket.
type Dialer struct {
	url    string
	ws     websocket.Dialer
	logger *slog.Logger
}

// NewDialer creates a Dialer for the relay at url.
func NewDialer(url string, logger *slog.Logger) *Dialer {
	return &Dialer{
		url:    url,
		ws:     websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger: logger,
	}
}

// Dial opens a relay connection, announces the session identity, and
// returns the live transport.
func (d *Dialer) Dial(ctx context.Context, cfg wire.DialConfig) (wire.Transport, error) {
	conn, _, err := d.ws.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to relay: %w", err)
	}

	t := &Transport{
		conn:   conn,
		events: make(chan wire.Event, eventBuffer),
		logger: d.logger.With("session_id", cfg.SessionID),
	}

	hello := envelope{
		Type:       typeDial,
		SessionID:  cfg.SessionID,
		Legacy:     cfg.Legacy,
		ClientName: cfg.ClientName,
		Creds:      cfg.Creds,
	}
	if err := t.write(ctx, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("announcing session: %w", err)
	}

	go t.readPump()
	return t, nil
}

// Transport is one relay-backed connection implementing wire.Transport.
type Transport struct {
	conn    *websocket.Conn
	events  chan wire.Event
	logger  *slog.Logger
	writeMu sync.Mutex
	stopped atomic.Bool
}

// Events returns the event stream. Closed when the connection ends.
func (t *Transport) Events() <-chan wire.Event {
	return t.events
}

// Send transmits a message body to a remote id through the relay.
func (t *Transport) Send(ctx context.Context, remoteID string, content map[string]any) error {
	return t.write(ctx, envelope{
		Type:     typeSend,
		RemoteID: remoteID,
		Content:  content,
	})
}

// Logout asks the relay to invalidate the device registration.
func (t *Transport) Logout(ctx context.Context) error {
	return t.write(ctx, envelope{Type: typeLogout})
}

// Close tears the connection down. The relay-side registration is left
// intact; the event channel closes once the read pump drains.
func (t *Transport) Close() error {
	if t.stopped.Swap(true) {
		return nil
	}

	t.writeMu.Lock()
	t.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	t.writeMu.Unlock()
	return t.conn.Close()
}

func (t *Transport) write(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing envelope: %w", err)
	}
	return nil
}

// readPump converts relay envelopes into wire events until the socket
// drops. An abrupt drop is surfaced as a connection-lost close event so
// the session layer applies its reconnect policy.
func (t *Transport) readPump() {
	defer close(t.events)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !t.stopped.Swap(true) {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.logger.Warn("relay connection dropped", "error", err)
				}
				t.events <- wire.Event{
					Kind: wire.EventConnectionClosed,
					Code: wire.CodeConnectionLost,
				}
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("undecodable relay envelope", "error", err)
			continue
		}

		ev, ok := t.toEvent(env)
		if !ok {
			continue
		}
		t.events <- ev

		// A relay-announced close is terminal for this connection.
		if ev.Kind == wire.EventConnectionClosed {
			t.stopped.Store(true)
			t.conn.Close()
			return
		}
	}
}

func (t *Transport) toEvent(env envelope) (wire.Event, bool) {
	switch env.Type {
	case typeCreds:
		return wire.Event{Kind: wire.EventCredsUpdated, Creds: env.Creds}, true

	case typeOpen:
		return wire.Event{Kind: wire.EventConnectionOpened}, true

	case typeClosed:
		return wire.Event{
			Kind: wire.EventConnectionClosed,
			Code: wire.DisconnectCode(env.Code),
		}, true

	case typePairing:
		return wire.Event{Kind: wire.EventPairingChallenge, Pairing: env.Pairing}, true

	case typeMessage:
		if env.Message == nil {
			return wire.Event{}, false
		}
		return wire.Event{
			Kind:    wire.EventMessageReceived,
			Live:    env.Live,
			Message: toMessage(env.Message),
		}, true

	default:
		t.logger.Debug("ignoring relay envelope", "type", env.Type)
		return wire.Event{}, false
	}
}

func toMessage(m *relayMessage) *wire.Message {
	msg := &wire.Message{
		RemoteID:     m.RemoteID,
		MessageID:    m.MessageID,
		FromSelf:     m.FromSelf,
		Conversation: m.Conversation,
		PushName:     m.PushName,
		Timestamp:    m.Timestamp,
	}
	if m.ButtonReply != nil {
		msg.ButtonReply = &wire.ButtonReply{
			SelectedID:  m.ButtonReply.SelectedID,
			DisplayText: m.ButtonReply.DisplayText,
		}
	}
	if m.ListReply != nil {
		msg.ListReply = &wire.ListReply{
			RowID: m.ListReply.RowID,
			Title: m.ListReply.Title,
		}
	}
	return msg
}
