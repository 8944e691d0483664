// Package transport implements the HTTP ingest client the agent uses to
// deliver normalized events to the MiniSOC server.
//
// Delivery is at-most-once: a failed POST is reported to the caller for
// accounting and never retried here. The server deduplicates by event ID,
// so a retrying caller would get idempotent storage, but no caller retries
// today.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/minisoc/minisoc/internal/schema"
)

const (
	defaultTimeout = 5 * time.Second
	ingestPath     = "/ingest"
	healthPath     = "/health"

	// maxErrorSnippet bounds how much of a rejection body ends up inside
	// an error string.
	maxErrorSnippet = 512
)

// Option is a functional option for [New].
type Option func(*Client)

// WithTimeout overrides the per-request budget (default 5s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient substitutes the underlying HTTP client. Mostly for tests
// that need transport-level failures.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client posts normalized events to a MiniSOC server.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Client for serverURL (scheme://host:port, no trailing
// path). The Client is safe for concurrent use.
func New(serverURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(serverURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IngestResponse is the server's acknowledgment for one event.
type IngestResponse struct {
	OK      bool   `json:"ok"`
	EventID string `json:"event_id"`
	Alerts  int    `json:"alerts"`
}

// Send POSTs one event to /ingest and decodes the acknowledgment. Any
// HTTP status >= 400 is an error carrying the status and a snippet of the
// response body.
func (c *Client) Send(ctx context.Context, ev *schema.NormalizedEvent) (*IngestResponse, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("transport: encode event %s: %w", ev.EventID, err)
	}

	url := c.baseURL + ingestPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("transport: build request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: post %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("transport: read response from %s: %w", url, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("transport: server rejected event %s: status %d: %s",
			ev.EventID, resp.StatusCode, errorSnippet(body))
	}

	var ack IngestResponse
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("transport: decode ingest response: %w", err)
	}
	c.logger.Debug("transport: event delivered",
		slog.String("event_id", ack.EventID),
		slog.Int("alerts", ack.Alerts),
	)
	return &ack, nil
}

// Health performs a GET /health round trip. Used by the agent's doctor
// mode to verify the server is reachable before tailing starts.
func (c *Client) Health(ctx context.Context) error {
	url := c.baseURL + healthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("transport: build request for %s: %w", url, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: get %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transport: health check returned status %d", resp.StatusCode)
	}
	return nil
}

func errorSnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "<empty body>"
	}
	if len(s) > maxErrorSnippet {
		s = s[:maxErrorSnippet] + "..."
	}
	return s
}
