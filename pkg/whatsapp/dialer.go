// Copyright 2024-2026 Aiku AI

// Package whatsapp adapts whatsmeow to the gateway's connection interfaces.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/aiku/wa-gateway/pkg/gateway"
)

// Dialer opens whatsmeow connections. Device keys live in the whatsmeow
// store; the gateway credential record only binds a tenant to its device
// address.
type Dialer struct {
	container *sqlstore.Container
	log       zerolog.Logger
}

var _ gateway.Dialer = (*Dialer)(nil)

// NewDialer prepares the device store in db. deviceName is shown in the
// phone's linked devices list.
func NewDialer(ctx context.Context, db *sql.DB, dialect, deviceName string, log zerolog.Logger) (*Dialer, error) {
	if deviceName != "" {
		store.SetOSInfo(deviceName, [3]uint32{1, 0, 0})
	}
	log = log.With().Str("component", "whatsapp").Logger()
	container := sqlstore.NewWithDB(db, dialect, waLog.Zerolog(log.With().Str("subcomponent", "store").Logger()))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to upgrade whatsmeow store: %w", err)
	}
	return &Dialer{container: container, log: log}, nil
}

func (d *Dialer) device(ctx context.Context, log zerolog.Logger, creds gateway.Credentials) (*store.Device, error) {
	if len(creds) == 0 {
		return d.container.NewDevice(), nil
	}
	jid, err := types.ParseJID(string(creds))
	if err != nil {
		log.Warn().Err(err).Msg("Stored credentials are unreadable, starting a new pairing")
		return d.container.NewDevice(), nil
	}
	device, err := d.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to load device %s: %w", jid, err)
	}
	if device == nil {
		log.Warn().Stringer("jid", jid).Msg("Device keys missing from store, starting a new pairing")
		return d.container.NewDevice(), nil
	}
	return device, nil
}

// Dial resumes the device bound by creds, or starts a QR pairing when there
// is none.
func (d *Dialer) Dial(ctx context.Context, tenantID string, creds gateway.Credentials) (gateway.Conn, error) {
	log := d.log.With().Str("tenant_id", tenantID).Logger()
	device, err := d.device(ctx, log, creds)
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(device, waLog.Zerolog(log))
	// Reconnection is driven by the gateway controller.
	client.EnableAutoReconnect = false

	identity := func() string {
		if client.Store.ID == nil {
			return ""
		}
		return client.Store.ID.ToNonAD().String()
	}
	conn := newConn(client, identity, log)
	client.AddEventHandler(conn.handleEvent)

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(conn.ctx)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to get QR channel: %w", err)
		}
		go conn.forwardQR(qrChan)
	}
	if err := client.Connect(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	log.Debug().Bool("paired", client.Store.ID != nil).Msg("Whatsmeow client connected")
	return conn, nil
}
