// Copyright 2024-2026 Aiku AI

// Package backend is the HTTP client for the decision backend that receives
// bridged messages and connectivity events.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/wa-gateway/pkg/gateway"
)

const (
	eventPath   = "/api/wa/event"
	messagePath = "/api/wa/message"

	// maxResponseSize caps how much of a backend response is read (1 MB).
	maxResponseSize = 1 << 20
)

// Client talks to the decision backend. Timeouts are taken from the context
// of each call.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

var _ gateway.Backend = (*Client)(nil)

// NewClient creates a backend client. A nil httpClient uses a default client.
func NewClient(baseURL, token string, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    httpClient,
		log:     log.With().Str("component", "backend").Logger(),
	}
}

type eventRequest struct {
	TenantID string         `json:"tenant_id"`
	Event    string         `json:"event"`
	Data     map[string]any `json:"data"`
}

type messageRequest struct {
	TenantID  string `json:"tenant_id"`
	From      string `json:"from"`
	PushName  string `json:"pushName"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type messageResponse struct {
	Reply *string `json:"reply"`
}

// NotifyEvent pushes a connectivity event to the backend.
func (c *Client) NotifyEvent(ctx context.Context, tenantID string, evt gateway.BackendEvent) error {
	data := evt.Data
	if data == nil {
		data = map[string]any{}
	}
	resp, err := c.post(ctx, eventPath, &eventRequest{
		TenantID: tenantID,
		Event:    evt.Type,
		Data:     data,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
	return nil
}

// ForwardMessage sends an inbound message to the backend and returns its
// reply, or "" when the backend has nothing to say.
func (c *Client) ForwardMessage(ctx context.Context, msg gateway.ForwardedMessage) (string, error) {
	req := &messageRequest{
		TenantID: msg.TenantID,
		From:     msg.From,
		PushName: msg.DisplayName,
		Text:     msg.Text,
	}
	if !msg.Timestamp.IsZero() {
		req.Timestamp = msg.Timestamp.Unix()
	}
	resp, err := c.post(ctx, messagePath, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out messageResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode backend reply: %w", err)
	}
	if out.Reply == nil {
		return "", nil
	}
	return *out.Reply, nil
}

// post sends a JSON body and returns the response if it has a 2xx status.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call backend %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		c.log.Debug().
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("body", string(snippet)).
			Msg("Backend returned error status")
		return nil, fmt.Errorf("backend %s returned HTTP %d", path, resp.StatusCode)
	}
	return resp, nil
}
