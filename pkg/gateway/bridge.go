// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"time"
	"unicode/utf8"
)

// ReplySender sends a text message on behalf of a tenant.
type ReplySender interface {
	Send(ctx context.Context, tenantID, to, text string) error
}

// Bridge relays inbound messages to the backend and the backend's replies
// back to the sender.
type Bridge struct {
	backend Backend
	sender  ReplySender
	timeout time.Duration
}

// NewBridge creates a bridge. A zero timeout means DefaultMessageTimeout.
func NewBridge(backend Backend, sender ReplySender, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultMessageTimeout
	}
	return &Bridge{
		backend: backend,
		sender:  sender,
		timeout: timeout,
	}
}

// parseInbound applies the bridge filters. It returns false for messages
// that must never reach the backend.
func (b *Bridge) parseInbound(sess *Session, self string, msg *InboundMessage) (ForwardedMessage, bool) {
	log := sess.Log()

	// Echo prevention: skip messages sent by the tenant's own account.
	if msg.FromMe || SameAccount(msg.Sender, self) || SameAccount(msg.From, self) {
		log.Debug().Str("message_id", msg.ID).Msg("Skipping own message (echo prevention)")
		return ForwardedMessage{}, false
	}

	// Broadcast lists and status updates have no addressable sender.
	if msg.Broadcast || IsBroadcastAddress(msg.From) {
		log.Debug().Str("message_id", msg.ID).Str("from", msg.From).Msg("Skipping broadcast message")
		return ForwardedMessage{}, false
	}

	text := msg.Text()
	if text == "" {
		log.Debug().Str("message_id", msg.ID).Msg("Skipping message without text")
		return ForwardedMessage{}, false
	}

	return ForwardedMessage{
		TenantID:    sess.TenantID,
		From:        msg.From,
		DisplayName: msg.DisplayName(),
		Text:        text,
		Timestamp:   msg.Timestamp,
	}, true
}

// Handle bridges one inbound message. Failures are logged to the tenant log
// and never retried.
func (b *Bridge) Handle(ctx context.Context, sess *Session, self string, msg InboundMessage) {
	fwd, ok := b.parseInbound(sess, self, &msg)
	if !ok {
		return
	}
	log := sess.Log()
	log.Info().
		Str("message_id", msg.ID).
		Str("from", fwd.From).
		Msgf("Message from %s (%s): %s", fwd.DisplayName, fwd.From, truncate(fwd.Text, 50))

	fwdCtx, cancel := context.WithTimeout(ctx, b.timeout)
	reply, err := b.backend.ForwardMessage(fwdCtx, fwd)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msgf("Error processing message: %v", err)
		return
	}
	if reply == "" {
		log.Debug().Str("message_id", msg.ID).Msg("Backend returned no reply")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.sender.Send(sendCtx, sess.TenantID, fwd.From, reply); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msgf("Failed to send reply to %s: %v", fwd.DisplayName, err)
		return
	}
	log.Info().Str("to", fwd.From).Msgf("Replied to %s: %s", fwd.DisplayName, truncate(reply, 50))
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
