// ABOUTME: Outbound message sender: recipient normalization, payload shaping, dispatch.
// ABOUTME: Applies template placeholder substitution and an artificial pre-send delay.

package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hrz8/ursender/internal/wire"
)

// ErrInvalidRecipient indicates a malformed target identifier. Local to the
// send call; never affects session state.
var ErrInvalidRecipient = errors.New("invalid recipient")

// ErrDeliveryFailed classifies any transport or protocol error during a
// send. A single recipient's delivery is all-or-nothing.
var ErrDeliveryFailed = errors.New("message delivery failed")

// Profile carries the recipient/user attributes available to template
// placeholders.
type Profile struct {
	Name  string
	Phone string
	Email string
}

// Sender normalizes targets and submits payloads to a live connection.
type Sender struct {
	delay  time.Duration
	logger *slog.Logger
}

// NewSender creates a Sender with the given pre-send delay. The delay
// (default ~1s) lowers the chance of the connection being flagged as
// automated traffic.
func NewSender(delay time.Duration, logger *slog.Logger) *Sender {
	return &Sender{delay: delay, logger: logger}
}

// Send normalizes recipient, shapes the payload, waits the configured
// delay, and submits to the transport. A group recipient must already
// carry the group domain suffix; it is never silently coerced.
func (s *Sender) Send(ctx context.Context, t wire.Transport, recipient string, payload wire.Payload, isGroup bool, profile Profile) error {
	if strings.TrimSpace(recipient) == "" {
		return fmt.Errorf("%w: empty target", ErrInvalidRecipient)
	}

	var target string
	if isGroup {
		if !strings.HasSuffix(recipient, wire.GroupSuffix) {
			return fmt.Errorf("%w: group target %q lacks %s suffix", ErrInvalidRecipient, recipient, wire.GroupSuffix)
		}
		target = FormatGroup(recipient)
	} else {
		target = FormatPhone(recipient)
	}

	content := payload.Content()
	if text, ok := content["text"].(string); ok {
		rendered := RenderTemplate(text, profile)
		if rendered != text {
			// Copy before mutating: template bodies may be shared.
			shaped := make(map[string]any, len(content))
			for k, v := range content {
				shaped[k] = v
			}
			shaped["text"] = rendered
			content = shaped
		}
	}

	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, ctx.Err())
	}

	if err := t.Send(ctx, target, content); err != nil {
		s.logger.Warn("send failed", "to", target, "error", err)
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	s.logger.Debug("message sent", "to", target, "group", isGroup)
	return nil
}

// FormatPhone normalizes a phone-style target: all non-digit characters are
// stripped and the direct-message suffix appended. Idempotent on input that
// already carries the suffix.
func FormatPhone(phone string) string {
	if strings.HasSuffix(phone, wire.UserSuffix) {
		return phone
	}

	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String() + wire.UserSuffix
}

// FormatGroup normalizes a group target: all characters other than digits
// and hyphens are stripped and the group suffix appended. Idempotent on
// input that already carries the suffix.
func FormatGroup(group string) string {
	if strings.HasSuffix(group, wire.GroupSuffix) {
		return group
	}

	var b strings.Builder
	for _, r := range group {
		if (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String() + wire.GroupSuffix
}

// Template placeholders. Unreplaced tokens for attributes absent from the
// profile are substituted with the empty string.
var placeholders = []struct {
	token string
	value func(Profile) string
}{
	{"{name}", func(p Profile) string { return p.Name }},
	{"{phone}", func(p Profile) string { return p.Phone }},
	{"{email}", func(p Profile) string { return p.Email }},
}

// RenderTemplate substitutes placeholder tokens in a template text with the
// recipient/user attributes.
func RenderTemplate(text string, profile Profile) string {
	for _, ph := range placeholders {
		text = strings.ReplaceAll(text, ph.token, ph.value(profile))
	}
	return text
}
