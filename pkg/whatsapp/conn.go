// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package whatsapp

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/aiku/wa-gateway/pkg/gateway"
)

const eventBufferSize = 64

// whatsmeowClient is the subset of *whatsmeow.Client used by Conn.
type whatsmeowClient interface {
	Connect() error
	Disconnect()
	Logout(ctx context.Context) error
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	RemoveEventHandlers()
}

// Conn wraps one whatsmeow client as a gateway connection handle.
type Conn struct {
	client   whatsmeowClient
	identity func() string
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events    chan gateway.Event
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

var _ gateway.Conn = (*Conn)(nil)

func newConn(client whatsmeowClient, identity func() string, log zerolog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		client:   client,
		identity: identity,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan gateway.Event, eventBufferSize),
		done:     make(chan struct{}),
	}
}

func (c *Conn) Events() <-chan gateway.Event {
	return c.events
}

// emit queues evt for the controller. It gives up once the handle is closed.
func (c *Conn) emit(evt gateway.Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- evt:
	case <-c.done:
	}
}

// handleEvent is registered as the whatsmeow event handler.
func (c *Conn) handleEvent(rawEvt any) {
	evt, ok := translateEvent(rawEvt, c.identity)
	if !ok {
		c.log.Trace().Type("event_type", rawEvt).Msg("Ignoring whatsmeow event")
		return
	}
	c.emit(evt)
}

// forwardQR relays pairing challenges until the channel closes.
func (c *Conn) forwardQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(gateway.QRIssued{Code: item.Code})
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(gateway.Closed{Reason: gateway.ReasonQRTimeout, Err: fmt.Errorf("pairing QR code expired")})
		case whatsmeow.QRChannelSuccess.Event:
			c.log.Debug().Msg("QR pairing succeeded")
		case whatsmeow.QRChannelEventError:
			c.emit(gateway.Closed{Reason: gateway.ReasonConnectFailure, Err: item.Error})
		default:
			c.log.Debug().Str("qr_event", item.Event).Msg("Pairing ended")
			c.emit(gateway.Closed{Reason: gateway.ReasonConnectFailure, Err: fmt.Errorf("pairing failed: %s", item.Event)})
		}
	}
}

func (c *Conn) Send(ctx context.Context, to, text string) error {
	jid, err := ParseRecipient(to)
	if err != nil {
		return err
	}
	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", jid, err)
	}
	c.log.Debug().Str("message_id", resp.ID).Stringer("to", jid).Msg("Message sent")
	return nil
}

func (c *Conn) Logout(ctx context.Context) error {
	if err := c.client.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// Close disconnects the client and closes the event channel. It is safe to
// call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		c.client.RemoveEventHandlers()
		c.client.Disconnect()

		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
	return nil
}
