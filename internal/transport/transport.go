// Package transport posts JSON payloads to the ingestion service.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tracely/internal/events"
	"tracely/internal/metrics"
)

// Endpoints on the configured base URL.
const (
	CaptureEndpoint = "/capture/"
	DecideEndpoint  = "/decide/"
)

const (
	requestTimeout = 10 * time.Second
	connectTimeout = 5 * time.Second
)

// Response is the outcome of a single POST. A transport-level failure surfaces
// as Success=false with Status 0; the caller leaves events queued and retries
// on the next cycle.
type Response struct {
	Success bool
	Status  int
	Body    string
}

// Client serialises and POSTs payloads. The embedded http.Client pools
// connections and is safe for concurrent use, so capture and replay senders
// need no coordination here.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// New returns a client for the given base URL; a trailing slash is stripped.
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		logger: logger,
	}
}

// PostCapture ships a batch of serialised events to /capture/.
func (c *Client) PostCapture(ctx context.Context, eventJSONs []string) Response {
	if len(eventJSONs) == 0 {
		return Response{}
	}
	payload := c.buildCapturePayload(eventJSONs)
	return c.post(ctx, CaptureEndpoint, payload)
}

// PostDecide requests feature-flag evaluations for a distinct id.
func (c *Client) PostDecide(ctx context.Context, distinctID string, properties events.Properties) Response {
	payload, err := json.Marshal(events.DecidePayload{
		APIKey:     c.apiKey,
		DistinctID: distinctID,
		Properties: properties,
	})
	if err != nil {
		c.logger.Error("Failed to build decide payload", slog.Any("error", err))
		return Response{}
	}
	c.logger.Debug("Fetching feature flags", slog.String("distinct_id", distinctID))
	return c.post(ctx, DecideEndpoint, string(payload))
}

// PostReplay ships a pre-built replay payload to /capture/.
func (c *Client) PostReplay(ctx context.Context, payload string) Response {
	c.logger.Debug("Sending session replay data", slog.Int("bytes", len(payload)))
	return c.post(ctx, CaptureEndpoint, payload)
}

// buildCapturePayload re-parses each stored event so the batch goes out as
// structured JSON. If any single event fails to parse, the whole batch falls
// back to a concatenation envelope instead of dropping events.
func (c *Client) buildCapturePayload(eventJSONs []string) string {
	batch := events.Batch{APIKey: c.apiKey, Batch: make([]events.Event, 0, len(eventJSONs))}
	for _, raw := range eventJSONs {
		var ev events.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			c.logger.Debug("Event re-parse failed, using concatenation envelope", slog.Any("error", err))
			var b strings.Builder
			b.WriteString(`{"api_key":`)
			b.WriteString(strconv.Quote(c.apiKey))
			b.WriteString(`,"batch":[`)
			b.WriteString(strings.Join(eventJSONs, ","))
			b.WriteString(`]}`)
			return b.String()
		}
		batch.Batch = append(batch.Batch, ev)
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		c.logger.Error("Failed to marshal capture batch", slog.Any("error", err))
		return ""
	}
	return string(payload)
}

func (c *Client) post(ctx context.Context, endpoint, payload string) Response {
	if c.baseURL == "" || payload == "" {
		return Response{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader([]byte(payload)))
	if err != nil {
		c.logger.Error("Failed to build request", slog.String("endpoint", endpoint), slog.Any("error", err))
		return Response{}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.TransportErrors.Inc()
		metrics.BatchesSent.WithLabelValues(endpoint, "error").Inc()
		c.logger.Error("HTTP request failed", slog.String("endpoint", endpoint), slog.Any("error", err))
		return Response{}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("Failed to read response body", slog.String("endpoint", endpoint), slog.Any("error", err))
		body = nil
	}

	result := Response{
		Success: resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:  resp.StatusCode,
		Body:    string(body),
	}
	outcome := "ok"
	if !result.Success {
		outcome = "rejected"
	}
	metrics.BatchesSent.WithLabelValues(endpoint, outcome).Inc()

	if !result.Success {
		c.logger.Error("Request rejected",
			slog.String("endpoint", endpoint),
			slog.Int("status", result.Status))
		if strings.Contains(result.Body, "error") || strings.Contains(result.Body, "Error") ||
			strings.Contains(result.Body, "failed") {
			c.logger.Error("Response body", slog.String("body", result.Body))
		}
	}
	return result
}
