// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"context"
	"errors"
	"io"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// sentMessage records one outbound text sent through a fakeConn.
type sentMessage struct {
	To   string
	Text string
}

// fakeConn is an in-memory Conn. Tests drive it by emitting events.
type fakeConn struct {
	tenantID string
	creds    Credentials
	events   chan Event

	mu        sync.Mutex
	closed    bool
	loggedOut bool
	sent      []sentMessage
	sendErr   error
	logoutErr error
}

func newFakeConn(tenantID string, creds Credentials) *fakeConn {
	return &fakeConn{
		tenantID: tenantID,
		creds:    creds,
		events:   make(chan Event, 32),
	}
}

func (c *fakeConn) Events() <-chan Event {
	return c.events
}

// emit delivers evt unless the connection has been closed. It reports
// whether the event was queued.
func (c *fakeConn) emit(evt Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events <- evt
	return true
}

func (c *fakeConn) Send(_ context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentMessage{To: to, Text: text})
	return nil
}

func (c *fakeConn) Logout(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return c.logoutErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeConn) Sent() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// fakeDialer records every Dial call and hands out fakeConns.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, tenantID string, creds Credentials) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		d.conns = append(d.conns, nil)
		return nil, d.err
	}
	conn := newFakeConn(tenantID, slices.Clone(creds))
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Dials returns the number of Dial calls, failed ones included.
func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Conn returns the connection handed out by the i-th Dial call (1-based).
func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i-1]
}

// OpenConns returns the connections that have not been closed yet.
func (d *fakeDialer) OpenConns() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	var open []*fakeConn
	for _, c := range d.conns {
		if c != nil && !c.IsClosed() {
			open = append(open, c)
		}
	}
	return open
}

// waitConn waits for the n-th Dial call and returns its connection.
func (d *fakeDialer) waitConn(t *testing.T, n int) *fakeConn {
	t.Helper()
	waitFor(t, "dial", func() bool { return d.Dials() >= n })
	conn := d.Conn(n)
	if conn == nil {
		t.Fatalf("dial %d failed", n)
	}
	return conn
}

// memCredStore is an in-memory CredentialStore.
type memCredStore struct {
	mu    sync.Mutex
	data  map[string]Credentials
	err   error
	saves int
}

func newMemCredStore() *memCredStore {
	return &memCredStore{data: make(map[string]Credentials)}
}

func (s *memCredStore) Load(_ context.Context, tenantID string) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return slices.Clone(s.data[tenantID]), nil
}

func (s *memCredStore) Save(_ context.Context, tenantID string, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.data[tenantID] = slices.Clone(creds)
	return nil
}

func (s *memCredStore) Erase(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.data, tenantID)
	return nil
}

func (s *memCredStore) Tenants(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return slices.Sorted(maps.Keys(s.data)), nil
}

func (s *memCredStore) Has(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[tenantID]
	return ok
}

func (s *memCredStore) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// recordedEvent is one NotifyEvent call captured by fakeBackend.
type recordedEvent struct {
	TenantID string
	Event    BackendEvent
}

// fakeBackend captures notifications and forwarded messages and answers
// every message with a canned reply.
type fakeBackend struct {
	mu       sync.Mutex
	events   []recordedEvent
	messages []ForwardedMessage
	reply    string
	err      error
	// gate, when set before use, holds every ForwardMessage call until it
	// is closed.
	gate chan struct{}
}

func (b *fakeBackend) NotifyEvent(_ context.Context, tenantID string, evt BackendEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{TenantID: tenantID, Event: evt})
	return nil
}

func (b *fakeBackend) ForwardMessage(ctx context.Context, msg ForwardedMessage) (string, error) {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	if b.err != nil {
		return "", b.err
	}
	return b.reply, nil
}

func (b *fakeBackend) SetReply(reply string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reply = reply
	b.err = err
}

func (b *fakeBackend) Events() []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.events)
}

func (b *fakeBackend) EventTypes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]string, 0, len(b.events))
	for _, e := range b.events {
		types = append(types, e.Event.Type)
	}
	return types
}

func (b *fakeBackend) Messages() []ForwardedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.messages)
}

// fakeSender records replies sent by a Bridge.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *fakeSender) Send(_ context.Context, _, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{To: to, Text: text})
	return nil
}

func (s *fakeSender) Sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

var errTest = errors.New("test error")

const (
	waitTimeout  = 2 * time.Second
	pollInterval = 2 * time.Millisecond
)

// waitFor polls cond until it holds or the wait times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(pollInterval)
	}
}

// testLogger returns a logger that discards output but still feeds hooks.
func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.TraceLevel)
}

type testEnv struct {
	ctrl    *Controller
	dialer  *fakeDialer
	store   *memCredStore
	backend *fakeBackend
}

// newTestController builds a controller over fakes with short timings.
// Options may tweak the params before construction.
func newTestController(t *testing.T, opts ...func(*ControllerParams)) *testEnv {
	t.Helper()
	env := &testEnv{
		dialer:  &fakeDialer{},
		store:   newMemCredStore(),
		backend: &fakeBackend{},
	}
	params := ControllerParams{
		Credentials: env.store,
		Dialer:      env.dialer,
		Backend:     env.backend,
		Timing: TimingConfig{
			ReconnectDelay: 20 * time.Millisecond,
			RestartDelay:   10 * time.Millisecond,
			LogRingSize:    50,
		},
		NotifyTimeout:  time.Second,
		MessageTimeout: time.Second,
		RenderQR: func(code string) (string, error) {
			return "qr:" + code, nil
		},
		Log: testLogger(),
	}
	for _, opt := range opts {
		opt(&params)
	}
	env.ctrl = NewController(params)
	t.Cleanup(env.ctrl.Stop)
	return env
}

// connect drives tenantID to the connected state as identity and returns the
// live connection.
func (e *testEnv) connect(t *testing.T, tenantID, identity string) *fakeConn {
	t.Helper()
	before := e.dialer.Dials()
	if err := e.ctrl.Reconnect(context.Background(), tenantID); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	conn := e.dialer.waitConn(t, before+1)
	conn.emit(Opened{Identity: identity})
	waitFor(t, "connected", func() bool {
		return e.ctrl.Status(tenantID).Status == StatusConnected
	})
	return conn
}
