// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotConnected is returned when an operation needs a connected session.
var ErrNotConnected = errors.New("not connected")

// ErrControllerStopped is returned by commands issued after Controller.Stop.
var ErrControllerStopped = errors.New("controller stopped")

// Credentials is the opaque authentication material of one tenant. Only the
// Dialer that produced it knows how to interpret it.
type Credentials []byte

// CredentialStore persists Credentials under a per-tenant namespace.
//
// Load returns nil credentials and a nil error when nothing is stored.
type CredentialStore interface {
	Load(ctx context.Context, tenantID string) (Credentials, error)
	Save(ctx context.Context, tenantID string, creds Credentials) error
	Erase(ctx context.Context, tenantID string) error
	// Tenants lists every tenant that currently has credentials.
	Tenants(ctx context.Context) ([]string, error)
}

// Dialer opens protocol connections.
type Dialer interface {
	Dial(ctx context.Context, tenantID string, creds Credentials) (Conn, error)
}

// Conn is one live protocol connection. Implementations must close the
// Events channel once Close has been called.
type Conn interface {
	Events() <-chan Event
	Send(ctx context.Context, to, text string) error
	Logout(ctx context.Context) error
	Close() error
}

// Event is emitted by a Conn.
type Event interface {
	isEvent()
}

// QRIssued carries a new pairing challenge.
type QRIssued struct {
	Code string
}

// Opened reports a successful pairing or session resume.
type Opened struct {
	Identity string
}

// CloseReason describes why a connection was closed.
type CloseReason string

const (
	ReasonLoggedOut      CloseReason = "logged_out"
	ReasonConnectionLost CloseReason = "connection_lost"
	ReasonReplaced       CloseReason = "replaced"
	ReasonConnectFailure CloseReason = "connect_failure"
	ReasonBanned         CloseReason = "banned"
	ReasonClientOutdated CloseReason = "client_outdated"
	ReasonQRTimeout      CloseReason = "qr_timeout"
	ReasonUnknown        CloseReason = "unknown"
)

// Closed reports that the connection is gone.
type Closed struct {
	Reason CloseReason
	Err    error
}

// CredentialsUpdated carries new authentication material that must be
// persisted before anything else happens.
type CredentialsUpdated struct {
	Credentials Credentials
}

// MessageReceived carries one inbound message.
type MessageReceived struct {
	Message InboundMessage
}

func (QRIssued) isEvent()           {}
func (Opened) isEvent()             {}
func (Closed) isEvent()             {}
func (CredentialsUpdated) isEvent() {}
func (MessageReceived) isEvent()    {}

// Description returns a human-readable closure reason for the tenant log.
func (c Closed) Description() string {
	if c.Err != nil {
		return c.Err.Error()
	}
	if c.Reason == "" {
		return string(ReasonUnknown)
	}
	return string(c.Reason)
}

// IsTerminal is the default closure classifier. Only an explicit logout is
// terminal; everything else is retried.
func IsTerminal(c Closed) bool {
	return c.Reason == ReasonLoggedOut
}

// InboundMessage is a message received by a tenant's account.
type InboundMessage struct {
	ID string
	// From is the chat address; replies are sent here.
	From string
	// Sender is the author, which differs from From in group chats.
	Sender    string
	PushName  string
	FromMe    bool
	Broadcast bool

	Conversation string
	ExtendedText string
	Caption      string

	Timestamp time.Time
}

// Text returns the first non-empty text payload: plain body, then extended
// text, then media caption.
func (m *InboundMessage) Text() string {
	switch {
	case m.Conversation != "":
		return m.Conversation
	case m.ExtendedText != "":
		return m.ExtendedText
	default:
		return m.Caption
	}
}

// DisplayName returns the push name, falling back to the user part of the
// chat address.
func (m *InboundMessage) DisplayName() string {
	if m.PushName != "" {
		return m.PushName
	}
	user, _, _ := strings.Cut(m.From, "@")
	return user
}

// BackendEvent is a connectivity notification pushed to the backend.
type BackendEvent struct {
	Type string
	Data map[string]any
}

// Backend event types.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventLoggedOut    = "logged_out"
)

// ForwardedMessage is what the backend receives for each bridged message.
type ForwardedMessage struct {
	TenantID    string
	From        string
	DisplayName string
	Text        string
	Timestamp   time.Time
}

// Backend is the external decision service.
type Backend interface {
	NotifyEvent(ctx context.Context, tenantID string, evt BackendEvent) error
	// ForwardMessage returns the reply to send, or "" for none.
	ForwardMessage(ctx context.Context, msg ForwardedMessage) (string, error)
}
