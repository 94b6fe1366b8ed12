// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/aiku/wa-gateway/pkg/gateway"
)

// convertMessage maps a received message onto the gateway's inbound shape.
func convertMessage(evt *events.Message) gateway.InboundMessage {
	info := evt.Info
	msg := evt.Message
	caption := msg.GetImageMessage().GetCaption()
	if caption == "" {
		caption = msg.GetVideoMessage().GetCaption()
	}
	return gateway.InboundMessage{
		ID:           info.ID,
		From:         info.Chat.ToNonAD().String(),
		Sender:       info.Sender.ToNonAD().String(),
		PushName:     info.PushName,
		FromMe:       info.IsFromMe,
		Broadcast:    info.Chat.Server == types.BroadcastServer || !info.BroadcastListOwner.IsEmpty(),
		Conversation: msg.GetConversation(),
		ExtendedText: msg.GetExtendedTextMessage().GetText(),
		Caption:      caption,
		Timestamp:    info.Timestamp,
	}
}

// translateEvent maps a whatsmeow event to a gateway event. identity is
// consulted for the account address once the connection opens. Events the
// gateway has no use for return false.
func translateEvent(rawEvt any, identity func() string) (gateway.Event, bool) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		return gateway.CredentialsUpdated{Credentials: gateway.Credentials(evt.ID.String())}, true
	case *events.Connected:
		return gateway.Opened{Identity: identity()}, true
	case *events.Message:
		return gateway.MessageReceived{Message: convertMessage(evt)}, true
	case *events.LoggedOut:
		return gateway.Closed{
			Reason: gateway.ReasonLoggedOut,
			Err:    fmt.Errorf("logged out: %s", evt.Reason.String()),
		}, true
	case *events.Disconnected:
		return gateway.Closed{Reason: gateway.ReasonConnectionLost}, true
	case *events.StreamReplaced:
		return gateway.Closed{
			Reason: gateway.ReasonReplaced,
			Err:    fmt.Errorf("connection replaced by another session"),
		}, true
	case *events.TemporaryBan:
		return gateway.Closed{Reason: gateway.ReasonBanned, Err: fmt.Errorf("%s", evt.String())}, true
	case *events.ClientOutdated:
		return gateway.Closed{
			Reason: gateway.ReasonClientOutdated,
			Err:    fmt.Errorf("client version rejected by server"),
		}, true
	case *events.ConnectFailure:
		return gateway.Closed{
			Reason: gateway.ReasonConnectFailure,
			Err:    fmt.Errorf("connect failure %d: %s", int(evt.Reason), evt.Message),
		}, true
	default:
		return nil, false
	}
}

// ParseRecipient accepts either a full address or a bare phone number,
// which is taken to be a user on the default server.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.EmptyJID, fmt.Errorf("empty recipient")
	}
	if !strings.ContainsRune(to, '@') {
		return types.NewJID(strings.TrimPrefix(to, "+"), types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(to)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	return jid, nil
}
