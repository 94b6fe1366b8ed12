// Copyright 2024-2026 Aiku AI

package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// maxSendBodySize is the maximum allowed request body for send (1 MB).
const maxSendBodySize = 1 << 20

// API is the per-tenant control surface.
type API struct {
	ctrl  *Controller
	token string
	log   zerolog.Logger
}

// NewAPI creates the control API. When token is non-empty every request must
// carry it as a bearer token.
func NewAPI(ctrl *Controller, token string, log zerolog.Logger) *API {
	return &API{
		ctrl:  ctrl,
		token: token,
		log:   log.With().Str("component", "api").Logger(),
	}
}

// Handler returns the HTTP handler serving the control API.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.HandleHealth)
	mux.HandleFunc("GET /tenants", a.HandleList)
	mux.HandleFunc("GET /tenants/{tenant}/status", a.HandleStatus)
	mux.HandleFunc("GET /tenants/{tenant}/qr", a.HandleQR)
	mux.HandleFunc("POST /tenants/{tenant}/reconnect", a.HandleReconnect)
	mux.HandleFunc("POST /tenants/{tenant}/disconnect", a.HandleDisconnect)
	mux.HandleFunc("POST /tenants/{tenant}/send", a.HandleSend)
	mux.HandleFunc("GET /tenants/{tenant}/logs", a.HandleLogs)

	var h http.Handler = a.authenticate(mux)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Handled control request")
	})(h)
	h = hlog.RequestIDHandler("req_id", "X-Request-Id")(h)
	return hlog.NewHandler(a.log)(h)
}

func (a *API) authenticate(next http.Handler) http.Handler {
	if a.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusResponse struct {
	TenantID  string  `json:"tenant_id,omitempty"`
	Status    Status  `json:"status"`
	Connected bool    `json:"connected"`
	JID       *string `json:"jid"`
}

func makeStatusResponse(snap Snapshot, withTenant bool) statusResponse {
	resp := statusResponse{
		Status:    snap.Status,
		Connected: snap.Connected(),
	}
	if withTenant {
		resp.TenantID = snap.TenantID
	}
	if snap.RemoteIdentity != "" {
		jid := snap.RemoteIdentity
		resp.JID = &jid
	}
	return resp
}

type qrResponse struct {
	QR     *string `json:"qr"`
	Status Status  `json:"status"`
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (a *API) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) HandleList(w http.ResponseWriter, _ *http.Request) {
	snaps := a.ctrl.Registry().Snapshots()
	tenants := make([]statusResponse, 0, len(snaps))
	for _, snap := range snaps {
		tenants = append(tenants, makeStatusResponse(snap, true))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (a *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap := a.ctrl.Status(r.PathValue("tenant"))
	writeJSON(w, http.StatusOK, makeStatusResponse(snap, false))
}

func (a *API) HandleQR(w http.ResponseWriter, r *http.Request) {
	snap := a.ctrl.Status(r.PathValue("tenant"))
	resp := qrResponse{Status: snap.Status}
	if snap.QRImage != "" {
		qr := snap.QRImage
		resp.QR = &qr
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) HandleReconnect(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if err := a.ctrl.Reconnect(r.Context(), tenantID); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("tenant_id", tenantID).Msg("Reconnect failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if err := a.ctrl.Disconnect(r.Context(), tenantID); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("tenant_id", tenantID).Msg("Disconnect failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) HandleSend(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	r.Body = http.MaxBytesReader(w, r.Body, maxSendBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.To == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "to and message are required")
		return
	}

	err = a.ctrl.Send(r.Context(), tenantID, req.To, req.Message)
	switch {
	case errors.Is(err, ErrNotConnected):
		writeError(w, http.StatusBadRequest, "Not connected")
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Str("tenant_id", tenantID).Msg("Send failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (a *API) HandleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]LogEntry{"logs": a.ctrl.Logs(r.PathValue("tenant"))})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
