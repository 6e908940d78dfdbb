// ABOUTME: Typed event, message, and payload model for the messaging network.
// ABOUTME: Defines the Transport/Dialer capability that keeps the wire protocol opaque.

package wire

import (
	"context"
	"strings"
)

// Domain suffixes distinguishing direct-message targets from group targets.
const (
	UserSuffix  = "@s.whatsapp.net"
	GroupSuffix = "@g.us"
)

// DisconnectCode is the status code carried by a connection-closed event.
type DisconnectCode int

// Disconnect codes surfaced by the network. Values follow the upstream
// protocol's status codes so relay implementations can pass them through.
const (
	CodeConnectionLost  DisconnectCode = 408
	CodeLoggedOut       DisconnectCode = 401
	CodeRestartRequired DisconnectCode = 515
)

// EventKind identifies which variant of Event is populated.
type EventKind int

const (
	EventCredsUpdated EventKind = iota
	EventConnectionOpened
	EventConnectionClosed
	EventPairingChallenge
	EventMessageReceived
)

// Event is one lifecycle or message event emitted by a Transport.
// Exactly one variant's fields are set, selected by Kind.
type Event struct {
	Kind EventKind

	// Creds carries the refreshed credential blob for EventCredsUpdated.
	Creds []byte

	// Code carries the disconnect status for EventConnectionClosed.
	Code DisconnectCode

	// Pairing carries the raw pairing challenge for EventPairingChallenge.
	Pairing string

	// Message and Live are set for EventMessageReceived. Live is false for
	// history backfill batches, which the router must ignore.
	Message *Message
	Live    bool
}

// MessageKind is the classified shape of an inbound message.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindText
	KindButtonReply
	KindListReply
)

// ButtonReply is a selection from a button prompt.
type ButtonReply struct {
	SelectedID  string
	DisplayText string
}

// ListReply is a selection from a list prompt.
type ListReply struct {
	RowID string
	Title string
}

// Message is a single inbound message as delivered by the network.
type Message struct {
	RemoteID  string
	MessageID string
	FromSelf  bool

	Conversation string
	ButtonReply  *ButtonReply
	ListReply    *ListReply

	PushName  string
	Timestamp int64
}

// Classify resolves the raw message shape into a tagged kind and the
// display text a human would read. Button and list selections take
// precedence over any conversation text the envelope also carries.
func (m *Message) Classify() (MessageKind, string) {
	switch {
	case m.ButtonReply != nil:
		return KindButtonReply, m.ButtonReply.DisplayText
	case m.ListReply != nil:
		return KindListReply, m.ListReply.Title
	case m.Conversation != "":
		return KindText, m.Conversation
	default:
		return KindUnknown, ""
	}
}

// IsGroup reports whether the message came from a group chat.
func (m *Message) IsGroup() bool {
	return strings.HasSuffix(m.RemoteID, GroupSuffix)
}

// PayloadKind selects the outbound payload variant.
type PayloadKind int

const (
	PlainText PayloadKind = iota
	Template
)

// Payload is an outbound message body. Plain text carries Text; templates
// carry a structured Body in the network's message-content shape.
type Payload struct {
	Kind PayloadKind
	Text string
	Body map[string]any
}

// Content returns the wire-shaped message body for transmission.
// Plain text is wrapped as {text: ...}; template bodies pass through.
func (p Payload) Content() map[string]any {
	if p.Kind == PlainText {
		return map[string]any{"text": p.Text}
	}
	return p.Body
}

// Transport is one live authenticated connection to the messaging network.
// Implementations must close Events() when the connection is torn down.
type Transport interface {
	// Events returns the stream of lifecycle and message events. The
	// channel is owned by the transport and closed on Close.
	Events() <-chan Event

	// Send transmits a message body to the given normalized remote id.
	Send(ctx context.Context, remoteID string, content map[string]any) error

	// Logout invalidates the device registration on the network side.
	Logout(ctx context.Context) error

	// Close tears the connection down without touching the registration.
	Close() error
}

// DialConfig carries everything a Dialer needs to bring a connection up.
type DialConfig struct {
	SessionID string
	Legacy    bool

	// Creds is the persisted credential blob, nil for a fresh pairing.
	Creds []byte

	// ClientName is advertised to the network as the device name.
	ClientName string
}

// Dialer constructs Transports. The production implementation speaks to a
// protocol relay; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, cfg DialConfig) (Transport, error)
}
