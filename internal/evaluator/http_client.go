package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxErrorBodySize = 64 << 10

// HTTPClient talks to the evaluator over JSON HTTP with an SSE turn stream.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// HTTPClientConfig holds configuration for the HTTP and WebSocket clients.
type HTTPClientConfig struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
	// Transport overrides the HTTP round tripper, mainly for tests.
	Transport http.RoundTripper
}

// NewHTTPClient creates an HTTP evaluator client.
func NewHTTPClient(cfg HTTPClientConfig, logger *slog.Logger) (*HTTPClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse evaluator url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("evaluator url %q must use http or https", cfg.BaseURL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	logger.Info("Using evaluator", "transport", "http", "url", base.String())

	return &HTTPClient{
		baseURL: base.String(),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
		// Turn streams have no overall timeout; the session watchdog bounds silence.
		stream: &http.Client{Transport: transport},
		logger: logger,
	}, nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	c.stream.CloseIdleConnections()
	return nil
}

// Initialize looks up or opens a session.
func (c *HTTPClient) Initialize(ctx context.Context, req InitRequest) (*LookupResponse, error) {
	resp, err := c.post(ctx, c.client, "/api/assessment/sessions", req, "application/json")
	if err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	defer closeBody(c.logger, resp.Body)

	var out LookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("initialize failed: decode response: %w", err)
	}
	return &out, nil
}

// SendTurn posts the user's text and streams the reply as server-sent events.
func (c *HTTPClient) SendTurn(ctx context.Context, sessionID, text string) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		path := "/api/assessment/sessions/" + url.PathEscape(sessionID) + "/turns"
		resp, err := c.post(ctx, c.stream, path, map[string]string{"text": text}, "text/event-stream")
		if err != nil {
			yield(Chunk{}, fmt.Errorf("turn request failed: %w", err))
			return
		}
		defer closeBody(c.logger, resp.Body)

		for ev, err := range readSSE(resp.Body) {
			if err != nil {
				yield(Chunk{}, fmt.Errorf("turn stream error: %w", err))
				return
			}
			chunk, ok, err := chunkFromEvent(ev)
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Terminate ends the session early.
func (c *HTTPClient) Terminate(ctx context.Context, sessionID string) error {
	path := "/api/assessment/sessions/" + url.PathEscape(sessionID) + "/terminate"
	resp, err := c.post(ctx, c.client, path, struct{}{}, "application/json")
	if err != nil {
		return fmt.Errorf("terminate failed: %w", err)
	}
	defer closeBody(c.logger, resp.Body)

	var out struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("terminate failed: decode response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("terminate failed: evaluator returned ok=false")
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, client *http.Client, path string, body any, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer closeBody(c.logger, resp.Body)
		return nil, errorFromResponse(resp)
	}
	return resp, nil
}

// errorFromResponse maps an HTTP error status onto evaluator sentinels.
func errorFromResponse(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, body.Error)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, body.Error)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrSessionClosed, body.Error)
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, body.Error)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, body.Error)
	default:
		return fmt.Errorf("evaluator returned %d: %s", resp.StatusCode, body.Error)
	}
}

// chunkFromEvent converts an SSE event into a chunk. Events that carry no
// chunk (pings, connection notices) report ok=false.
func chunkFromEvent(ev sseEvent) (Chunk, bool, error) {
	var payload struct {
		Text     string `json:"text"`
		Finished bool   `json:"finished"`
		Error    string `json:"error"`
	}
	switch ChunkKind(ev.Event) {
	case ChunkFragment, ChunkComplete, ChunkError:
	default:
		return Chunk{}, false, nil
	}
	if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
		return Chunk{}, false, fmt.Errorf("%w: %s event: %v", ErrMalformedChunk, ev.Event, err)
	}

	switch ChunkKind(ev.Event) {
	case ChunkFragment:
		return Fragment(payload.Text), true, nil
	case ChunkComplete:
		return Complete(payload.Finished), true, nil
	default:
		return Failure(payload.Error), true, nil
	}
}

func closeBody(logger *slog.Logger, body io.Closer) {
	if err := body.Close(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("failed to close evaluator response body", "error", err)
	}
}
