// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
)

// ControllerParams holds the collaborators of a Controller.
type ControllerParams struct {
	Registry    *Registry
	Credentials CredentialStore
	Dialer      Dialer
	Backend     Backend
	Timing      TimingConfig
	// NotifyTimeout bounds connectivity notifications to the backend.
	NotifyTimeout time.Duration
	// MessageTimeout bounds a message forward to the backend.
	MessageTimeout time.Duration
	// RenderQR defaults to PNGDataURLRenderer(Timing.QRSize).
	RenderQR QRRenderer
	// IsTerminal defaults to IsTerminal.
	IsTerminal func(Closed) bool
	Log        zerolog.Logger
}

// Controller owns the connection state machine of every tenant.
type Controller struct {
	registry *Registry
	creds    CredentialStore
	dialer   Dialer
	backend  Backend
	bridge   *Bridge
	timing   TimingConfig

	notifyTimeout time.Duration
	renderQR      QRRenderer
	isTerminal    func(Closed) bool

	workers *exsync.Map[string, *worker]
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// NewController creates a controller. Workers are started lazily, the first
// time a tenant is referenced.
func NewController(p ControllerParams) *Controller {
	p.Timing.applyDefaults()
	if p.NotifyTimeout <= 0 {
		p.NotifyTimeout = DefaultNotifyTimeout
	}
	if p.RenderQR == nil {
		p.RenderQR = PNGDataURLRenderer(p.Timing.QRSize)
	}
	if p.IsTerminal == nil {
		p.IsTerminal = IsTerminal
	}
	if p.Registry == nil {
		p.Registry = NewRegistry(p.Log, p.Timing.LogRingSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		registry:      p.Registry,
		creds:         p.Credentials,
		dialer:        p.Dialer,
		backend:       p.Backend,
		timing:        p.Timing,
		notifyTimeout: p.NotifyTimeout,
		renderQR:      p.RenderQR,
		isTerminal:    p.IsTerminal,
		workers:       exsync.NewMap[string, *worker](),
		ctx:           ctx,
		cancel:        cancel,
		log:           p.Log.With().Str("component", "controller").Logger(),
	}
	c.bridge = NewBridge(p.Backend, c, p.MessageTimeout)
	return c
}

// Registry returns the session registry the controller writes to.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Start connects every tenant that has stored credentials, plus the
// configured autostart tenants.
func (c *Controller) Start(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return ErrControllerStopped
	}
	tenants, err := c.creds.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tenants with credentials: %w", err)
	}
	seen := make(map[string]struct{}, len(tenants)+len(c.timing.Autostart))
	for _, tenantID := range append(tenants, c.timing.Autostart...) {
		if _, ok := seen[tenantID]; ok || tenantID == "" {
			continue
		}
		seen[tenantID] = struct{}{}
		c.worker(tenantID).post(connectCmd{})
	}
	c.log.Info().Int("count", len(seen)).Msg("Started tenant sessions")
	return nil
}

// Stop shuts down every worker and closes live connections without logging
// out, so sessions resume on the next start.
func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
	c.log.Info().Msg("Controller stopped")
}

// Status returns the current snapshot of a tenant.
func (c *Controller) Status(tenantID string) Snapshot {
	return c.registry.Read(tenantID)
}

// Logs returns the tenant's log entries, most recent first.
func (c *Controller) Logs(tenantID string) []LogEntry {
	sess, ok := c.registry.Lookup(tenantID)
	if !ok {
		return []LogEntry{}
	}
	return sess.Logs.Entries()
}

// Reconnect discards the tenant's connection and opens a new one after the
// restart delay. It returns once the command is queued.
func (c *Controller) Reconnect(ctx context.Context, tenantID string) error {
	if c.ctx.Err() != nil {
		return ErrControllerStopped
	}
	w := c.worker(tenantID)
	w.session.Log().Info().Msg("Reconnect requested")
	if err := w.postCtx(ctx, reconnectCmd{}); err != nil {
		return fmt.Errorf("failed to queue reconnect: %w", err)
	}
	return nil
}

// Disconnect logs the tenant out, erases its credentials and leaves it
// disconnected. It waits for the worker to finish.
func (c *Controller) Disconnect(ctx context.Context, tenantID string) error {
	if c.ctx.Err() != nil {
		return ErrControllerStopped
	}
	w := c.worker(tenantID)
	done := make(chan error, 1)
	if err := w.postCtx(ctx, disconnectCmd{done: done}); err != nil {
		return fmt.Errorf("failed to queue disconnect: %w", err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		// The worker may have exited with the command still queued.
		return ErrControllerStopped
	}
}

// Send relays a text message through the tenant's live connection. It fails
// with ErrNotConnected unless the session is connected.
func (c *Controller) Send(ctx context.Context, tenantID, to, text string) error {
	sess, ok := c.registry.Lookup(tenantID)
	if !ok {
		return ErrNotConnected
	}
	conn, ok := sess.liveConn()
	if !ok {
		return ErrNotConnected
	}
	if err := conn.Send(ctx, to, text); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *Controller) worker(tenantID string) *worker {
	if w, ok := c.workers.Get(tenantID); ok {
		return w
	}
	w, existed := c.workers.GetOrSet(tenantID, newWorker(c, c.registry.GetOrCreate(tenantID)))
	if !existed {
		w.start()
	}
	return w
}

func (c *Controller) notify(sess *Session, evt BackendEvent) {
	if c.backend == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.notifyTimeout)
		defer cancel()
		if err := c.backend.NotifyEvent(ctx, sess.TenantID, evt); err != nil {
			sess.Log().Warn().Err(err).Str("event", evt.Type).Msg("Could not notify backend")
		}
	}()
}

type connectCmd struct{}

type reconnectCmd struct{}

type disconnectCmd struct {
	done chan<- error
}

type reconnectDue struct {
	epoch uint64
}

type connEvent struct {
	gen uint64
	evt Event
}

type queuedMessage struct {
	msg  InboundMessage
	self string
}

// worker serializes all state transitions of one tenant.
type worker struct {
	c       *Controller
	session *Session
	log     *zerolog.Logger

	inbox    chan any
	messages chan queuedMessage

	// Only touched by the run goroutine.
	epoch uint64
	timer *time.Timer
}

func newWorker(c *Controller, sess *Session) *worker {
	return &worker{
		c:        c,
		session:  sess,
		log:      sess.Log(),
		inbox:    make(chan any, 64),
		messages: make(chan queuedMessage, c.timing.MessageQueueSize),
	}
}

func (w *worker) start() {
	w.c.wg.Add(2)
	go w.run()
	go w.bridgeLoop()
}

func (w *worker) post(msg any) bool {
	return w.postCtx(w.c.ctx, msg) == nil
}

func (w *worker) postCtx(ctx context.Context, msg any) error {
	select {
	case w.inbox <- msg:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-w.c.ctx.Done():
		return ErrControllerStopped
	}
}

func (w *worker) run() {
	defer w.c.wg.Done()
	ctx := w.c.ctx
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case msg := <-w.inbox:
			w.handle(ctx, msg)
		}
	}
}

func (w *worker) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case connectCmd:
		w.bumpEpoch()
		if w.session.currentStatus() != StatusDisconnected {
			w.log.Debug().Msg("Session already active, ignoring start")
			return
		}
		w.connect(ctx)
	case reconnectCmd:
		w.discard()
		w.scheduleReconnect(w.c.timing.RestartDelay)
	case disconnectCmd:
		m.done <- w.disconnect(ctx)
	case reconnectDue:
		w.handleReconnectDue(ctx, m)
	case connEvent:
		w.handleConnEvent(ctx, m)
	default:
		w.log.Warn().Type("msg_type", msg).Msg("Unknown worker message")
	}
}

func (w *worker) shutdown() {
	w.stopTimer()
	if conn := w.session.detach(); conn != nil {
		_ = conn.Close()
	}
}

func (w *worker) bumpEpoch() {
	w.stopTimer()
	w.epoch++
}

func (w *worker) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// scheduleReconnect supersedes any pending timer with a new one tied to a
// fresh epoch.
func (w *worker) scheduleReconnect(delay time.Duration) {
	w.bumpEpoch()
	epoch := w.epoch
	w.timer = time.AfterFunc(delay, func() {
		w.post(reconnectDue{epoch: epoch})
	})
}

func (w *worker) handleReconnectDue(ctx context.Context, due reconnectDue) {
	if due.epoch != w.epoch {
		w.log.Debug().
			Uint64("timer_epoch", due.epoch).
			Uint64("current_epoch", w.epoch).
			Msg("Ignoring superseded reconnect timer")
		return
	}
	w.timer = nil
	if w.session.currentStatus() == StatusConnected {
		return
	}
	w.connect(ctx)
}

// discard drops the current handle, ignoring close errors.
func (w *worker) discard() {
	if conn := w.session.detach(); conn != nil {
		if err := conn.Close(); err != nil {
			w.log.Debug().Err(err).Msg("Error closing discarded connection")
		}
	}
}

func (w *worker) connect(ctx context.Context) {
	w.discard()
	creds, err := w.c.creds.Load(ctx, w.session.TenantID)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to load credentials")
		w.scheduleReconnect(w.c.timing.ReconnectDelay)
		return
	}
	gen := w.session.beginConnect()
	w.log.Info().Bool("has_credentials", len(creds) > 0).Msg("Connecting")

	conn, err := w.c.dialer.Dial(ctx, w.session.TenantID, creds)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to open connection")
		w.session.detach()
		w.scheduleReconnect(w.c.timing.ReconnectDelay)
		return
	}
	if !w.session.attach(gen, conn) {
		_ = conn.Close()
		return
	}
	w.c.wg.Add(1)
	go w.pump(gen, conn)
}

// pump forwards a handle's events into the inbox until the handle closes.
func (w *worker) pump(gen uint64, conn Conn) {
	defer w.c.wg.Done()
	for evt := range conn.Events() {
		if !w.post(connEvent{gen: gen, evt: evt}) {
			return
		}
	}
}

func (w *worker) handleConnEvent(ctx context.Context, ce connEvent) {
	if ce.gen != w.session.currentGen() {
		w.log.Debug().
			Type("event_type", ce.evt).
			Uint64("event_gen", ce.gen).
			Msg("Dropping event from superseded connection")
		return
	}
	switch evt := ce.evt.(type) {
	case QRIssued:
		w.handleQR(ce.gen, evt)
	case Opened:
		w.handleOpened(ce.gen, evt)
	case Closed:
		w.handleClosed(ctx, evt)
	case CredentialsUpdated:
		w.handleCredentials(ctx, evt)
	case MessageReceived:
		w.handleMessage(ctx, evt)
	default:
		w.log.Trace().Type("event_type", ce.evt).Msg("Unhandled connection event")
	}
}

func (w *worker) handleQR(gen uint64, evt QRIssued) {
	image, err := w.c.renderQR(evt.Code)
	if err != nil {
		// Stay in qr_ready without an image until the next challenge.
		w.log.Error().Err(err).Msg("QR generation error")
		w.session.setQR(gen, "")
		return
	}
	if w.session.setQR(gen, image) {
		w.log.Info().Msg("QR code generated, scan with WhatsApp")
	}
}

func (w *worker) handleOpened(gen uint64, evt Opened) {
	if !w.session.setConnected(gen, evt.Identity) {
		return
	}
	w.bumpEpoch()
	w.log.Info().Str("jid", evt.Identity).Msgf("Connected as %s", evt.Identity)
	w.c.notify(w.session, BackendEvent{
		Type: EventConnected,
		Data: map[string]any{"jid": evt.Identity},
	})
}

func (w *worker) handleClosed(ctx context.Context, evt Closed) {
	w.discard()
	w.log.Warn().
		Str("reason", string(evt.Reason)).
		AnErr("cause", evt.Err).
		Msgf("Connection closed: %s", evt.Description())

	if w.c.isTerminal(evt) {
		w.bumpEpoch()
		if err := w.c.creds.Erase(ctx, w.session.TenantID); err != nil {
			w.log.Error().Err(err).Msg("Failed to erase credentials after logout")
		} else {
			w.log.Info().Msg("Logged out, credentials cleared")
		}
		w.c.notify(w.session, BackendEvent{
			Type: EventLoggedOut,
			Data: map[string]any{"reason": string(evt.Reason)},
		})
		return
	}
	w.log.Info().Dur("delay", w.c.timing.ReconnectDelay).Msg("Reconnecting")
	w.scheduleReconnect(w.c.timing.ReconnectDelay)
	w.c.notify(w.session, BackendEvent{
		Type: EventDisconnected,
		Data: map[string]any{"reason": string(evt.Reason)},
	})
}

func (w *worker) handleCredentials(ctx context.Context, evt CredentialsUpdated) {
	if err := w.c.creds.Save(ctx, w.session.TenantID, evt.Credentials); err != nil {
		w.log.Error().Err(err).Msg("Failed to persist credentials")
		return
	}
	w.log.Debug().Msg("Credentials saved")
}

// handleMessage queues a message for the bridge. When the queue is full the
// worker waits for room, so messages are delayed but never dropped.
func (w *worker) handleMessage(ctx context.Context, evt MessageReceived) {
	snap := w.session.Snapshot()
	if !snap.Connected() {
		w.log.Debug().Str("message_id", evt.Message.ID).Msg("Dropping message received while not connected")
		return
	}
	qm := queuedMessage{msg: evt.Message, self: snap.RemoteIdentity}
	select {
	case w.messages <- qm:
		return
	default:
	}
	w.log.Warn().
		Str("message_id", evt.Message.ID).
		Int("queue_size", cap(w.messages)).
		Msg("Message queue full, waiting for the bridge to catch up")
	select {
	case w.messages <- qm:
	case <-ctx.Done():
	}
}

func (w *worker) disconnect(ctx context.Context) error {
	w.bumpEpoch()
	conn := w.session.detach()
	if conn != nil {
		if err := conn.Logout(ctx); err != nil {
			w.log.Warn().Err(err).Msg("Protocol logout failed")
		}
		_ = conn.Close()
	}
	if err := w.c.creds.Erase(ctx, w.session.TenantID); err != nil {
		w.log.Error().Err(err).Msg("Failed to erase credentials")
		return fmt.Errorf("failed to erase credentials: %w", err)
	}
	w.log.Info().Msg("Disconnected by user")
	return nil
}

// bridgeLoop bridges queued messages one at a time, in arrival order.
func (w *worker) bridgeLoop() {
	defer w.c.wg.Done()
	ctx := w.c.ctx
	for {
		select {
		case <-ctx.Done():
			return
		case qm := <-w.messages:
			w.c.bridge.Handle(ctx, w.session, qm.self, qm.msg)
		}
	}
}
