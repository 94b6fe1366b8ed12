// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package gateway keeps one messaging-network session per tenant alive and
// bridges inbound messages to an external decision backend over HTTP.
//
// # Core Types
//
// [Registry] maps tenant IDs to [Session] records. It is the only state shared
// between tenants, and every read of a session goes through [Session.Snapshot]
// so the control API never observes a half-applied transition.
//
// [Controller] owns the connection state machine. Each tenant gets a worker
// goroutine that consumes commands, reconnect timers and connection events
// one at a time, so transitions for a tenant never interleave. Connection
// handles are tagged with a generation number and events from a superseded
// handle are dropped. Reconnect timers carry an epoch and no-op when a newer
// command has arrived since they were scheduled.
//
// [Bridge] filters inbound messages (echoes, broadcasts, messages without
// text), forwards the rest to the [Backend] and relays any reply back through
// the tenant's live connection.
//
// [API] exposes status, QR, reconnect, disconnect, send and logs per tenant
// over HTTP.
//
// # Connection Lifecycle
//
//	disconnected --start--> connecting --qr--> qr_ready --opened--> connected
//	connected --closed(transient)--> disconnected --(reconnect delay)--> connecting
//	connected --closed(logged_out)--> disconnected (credentials erased)
//
// The protocol itself is supplied by a [Dialer]; see the whatsapp package for
// the production implementation.
package gateway
