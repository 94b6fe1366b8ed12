// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the connection state of a session.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusQRReady      Status = "qr_ready"
	StatusConnected    Status = "connected"
)

// DefaultLogRingSize is the number of log entries kept per tenant.
const DefaultLogRingSize = 200

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	TenantID       string `json:"tenant_id"`
	Status         Status `json:"status"`
	QRImage        string `json:"-"`
	RemoteIdentity string `json:"jid,omitempty"`
}

// Connected reports whether the snapshot is in the connected state.
func (s Snapshot) Connected() bool {
	return s.Status == StatusConnected
}

// Session is the registry record for one tenant. State fields are only
// changed by the tenant's controller worker; readers use Snapshot.
type Session struct {
	TenantID string
	Logs     *LogRing

	log zerolog.Logger

	mu       sync.RWMutex
	status   Status
	conn     Conn
	gen      uint64
	qr       string
	identity string
}

func newSession(tenantID string, log zerolog.Logger, logSize int) *Session {
	ring := NewLogRing(logSize)
	return &Session{
		TenantID: tenantID,
		Logs:     ring,
		log:      log.With().Str("tenant_id", tenantID).Logger().Hook(ring),
		status:   StatusDisconnected,
	}
}

// Log returns the tenant logger. Entries at info level and above are also
// recorded in the session's log ring.
func (s *Session) Log() *zerolog.Logger {
	return &s.log
}

// Snapshot returns a consistent copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		TenantID:       s.TenantID,
		Status:         s.status,
		QRImage:        s.qr,
		RemoteIdentity: s.identity,
	}
}

// liveConn returns the connection handle if the session is connected.
func (s *Session) liveConn() (Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusConnected || s.conn == nil {
		return nil, false
	}
	return s.conn, true
}

func (s *Session) currentGen() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

func (s *Session) currentStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// beginConnect moves the session to connecting and returns the generation
// the next handle will be attached under.
func (s *Session) beginConnect() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.status = StatusConnecting
	s.conn = nil
	s.qr = ""
	s.identity = ""
	return s.gen
}

// attach installs conn if gen is still current.
func (s *Session) attach(gen uint64, conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.conn = conn
	return true
}

// detach drops the connection handle, invalidates its generation and resets
// the session to disconnected. The old handle is returned for closing.
func (s *Session) detach() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.gen++
	s.conn = nil
	s.status = StatusDisconnected
	s.qr = ""
	s.identity = ""
	return conn
}

func (s *Session) setQR(gen uint64, image string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || (s.status != StatusConnecting && s.status != StatusQRReady) {
		return false
	}
	s.status = StatusQRReady
	s.qr = image
	return true
}

func (s *Session) setConnected(gen uint64, identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.status = StatusConnected
	s.qr = ""
	s.identity = identity
	return true
}

// LogEntry is one diagnostic line in a session's log ring.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// LogRing is a bounded, insertion-ordered log buffer that evicts the oldest
// entry once full. It implements zerolog.Hook.
type LogRing struct {
	mu      sync.Mutex
	entries []LogEntry
	start   int
	size    int
}

var _ zerolog.Hook = (*LogRing)(nil)

// NewLogRing creates a ring holding at most size entries.
func NewLogRing(size int) *LogRing {
	if size <= 0 {
		size = DefaultLogRingSize
	}
	return &LogRing{
		entries: make([]LogEntry, 0, size),
		size:    size,
	}
}

// Run records info-level and louder events.
func (r *LogRing) Run(_ *zerolog.Event, level zerolog.Level, message string) {
	if level < zerolog.InfoLevel || level == zerolog.NoLevel || level == zerolog.Disabled {
		return
	}
	r.Add(level.String(), message)
}

// Add appends an entry, evicting the oldest one when the ring is full.
func (r *LogRing) Add(level, message string) {
	entry := LogEntry{Level: level, Message: message, Timestamp: time.Now().UTC()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) < r.size {
		r.entries = append(r.entries, entry)
		return
	}
	r.entries[r.start] = entry
	r.start = (r.start + 1) % r.size
}

// Len returns the number of entries currently held.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns a copy of the entries, most recent first.
func (r *LogRing) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	out := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = r.entries[(r.start+n-1-i)%n]
	}
	return out
}
