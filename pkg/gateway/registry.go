// Copyright 2024-2026 Aiku AI

package gateway

import (
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
)

// Registry maps tenant IDs to sessions. Sessions are created lazily and never
// removed; a logged-out tenant simply reverts to disconnected.
type Registry struct {
	sessions *exsync.Map[string, *Session]
	log      zerolog.Logger
	logSize  int
}

// NewRegistry creates an empty registry. logSize bounds each session's log
// ring; zero means DefaultLogRingSize.
func NewRegistry(log zerolog.Logger, logSize int) *Registry {
	return &Registry{
		sessions: exsync.NewMap[string, *Session](),
		log:      log,
		logSize:  logSize,
	}
}

// GetOrCreate returns the session for tenantID, creating a disconnected one
// on first access.
func (r *Registry) GetOrCreate(tenantID string) *Session {
	if sess, ok := r.sessions.Get(tenantID); ok {
		return sess
	}
	sess, _ := r.sessions.GetOrSet(tenantID, newSession(tenantID, r.log, r.logSize))
	return sess
}

// Lookup returns the session for tenantID without creating it.
func (r *Registry) Lookup(tenantID string) (*Session, bool) {
	return r.sessions.Get(tenantID)
}

// Read returns a snapshot of the tenant's session. Unknown tenants read as
// disconnected.
func (r *Registry) Read(tenantID string) Snapshot {
	if sess, ok := r.sessions.Get(tenantID); ok {
		return sess.Snapshot()
	}
	return Snapshot{TenantID: tenantID, Status: StatusDisconnected}
}

// Snapshots returns a snapshot of every known session, sorted by tenant ID.
func (r *Registry) Snapshots() []Snapshot {
	data := r.sessions.CopyData()
	out := make([]Snapshot, 0, len(data))
	for _, sess := range data {
		out = append(out, sess.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		return strings.Compare(a.TenantID, b.TenantID)
	})
	return out
}
