package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"chatstream/internal/apperr"
)

const bodySnippetLimit = 500

// transport is the shared HTTP layer for all adapters. It gives every
// backend the same timeout, bounded retry, and status-to-error behavior so
// adapters only deal in wire formats.
type transport struct {
	baseURL    string
	maxRetries int
	headers    map[string]string

	// client enforces the full-request timeout for non-streaming calls.
	client *http.Client
	// streamClient has no overall timeout: a stream may legitimately outlive
	// it. Connect and response-header phases still use the configured timeout,
	// and each body read is bounded by the same value via stallReader.
	streamClient *http.Client
	timeout      time.Duration
}

func newTransport(baseURL string, timeout time.Duration, maxRetries int, headers map[string]string) *transport {
	dialer := &net.Dialer{Timeout: timeout}
	rt := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: timeout,
	}
	return &transport{
		baseURL:      strings.TrimRight(baseURL, "/"),
		maxRetries:   maxRetries,
		headers:      headers,
		timeout:      timeout,
		client:       &http.Client{Timeout: timeout, Transport: rt},
		streamClient: &http.Client{Transport: rt},
	}
}

// do executes a request with retries and returns the raw response. Only
// network-level failures are retried; the status code is left for the caller
// to map via checkStatus so the mapping is applied once per response.
func (t *transport) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	return t.execute(ctx, t.client, method, path, payload)
}

// stream opens a streaming request with the same retry semantics as do.
// Retries cover opening the stream only; a failure while reading the body is
// not retried. The body is wrapped so a single read stalling longer than the
// configured timeout aborts the stream instead of hanging it.
func (t *transport) stream(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	resp, err := t.execute(ctx, t.streamClient, method, path, payload)
	if err != nil {
		return nil, err
	}
	resp.Body = newStallReader(resp.Body, t.timeout)
	return resp, nil
}

func (t *transport) execute(ctx context.Context, client *http.Client, method, path string, payload any) (*http.Response, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, apperr.Internal("failed to encode provider request")
		}
	}

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, apperr.Internal("failed to build provider request")
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range t.headers {
			req.Header.Set(k, v)
		}
		if requestID := requestIDFrom(ctx); requestID != "" {
			req.Header.Set("X-Request-ID", requestID)
		}

		resp, err := client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// A canceled caller is not a provider failure; stop immediately.
		if ctx.Err() != nil {
			break
		}
		if attempt < t.maxRetries {
			select {
			case <-time.After(retryBackoff(attempt)):
			case <-ctx.Done():
			}
		}
	}
	return nil, apperr.ProviderUnavailable(map[string]any{"reason": lastErr.Error()})
}

// retryBackoff grows linearly and caps at one second.
func retryBackoff(attempt int) time.Duration {
	d := 100 * time.Millisecond * time.Duration(attempt+1)
	if d > time.Second {
		d = time.Second
	}
	return d
}

// checkStatus maps an HTTP status code to a stable application error. On
// error the body is drained for a short diagnostic snippet and closed.
func checkStatus(resp *http.Response) error {
	status := resp.StatusCode
	if status < 400 {
		return nil
	}

	details := map[string]any{
		"status": status,
		"body":   readSnippet(resp.Body),
		"url":    resp.Request.URL.String(),
	}
	resp.Body.Close()

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.ProviderAuth(status, details)
	case status == http.StatusNotFound:
		return apperr.ModelNotFound(details)
	case status == http.StatusTooManyRequests:
		return apperr.RateLimited(details)
	case status >= 500:
		return apperr.ProviderUnavailable(details)
	default:
		return apperr.ProviderErr(details)
	}
}

// decodeJSON parses the response body into v, closing the body. Malformed
// payloads surface as ProviderBadResponse carrying a truncated snippet, never
// the full body.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.ProviderBadResponse(map[string]any{"reason": "read body failed"})
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.ProviderBadResponse(map[string]any{"body": truncate(string(raw))})
	}
	return nil
}

func readSnippet(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, bodySnippetLimit))
	if err != nil {
		return ""
	}
	return string(raw)
}

func truncate(s string) string {
	if len(s) > bodySnippetLimit {
		return s[:bodySnippetLimit]
	}
	return s
}

// stallReader bounds each individual read of a streaming body. The watchdog
// timer is re-armed after every successful read; if an upstream wedges
// mid-stream the body is closed, which surfaces through the scanner as a
// read error and terminates the turn instead of idling behind heartbeats.
type stallReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
}

func newStallReader(rc io.ReadCloser, timeout time.Duration) io.ReadCloser {
	if timeout <= 0 {
		return rc
	}
	sr := &stallReader{rc: rc, timeout: timeout}
	sr.timer = time.AfterFunc(timeout, func() { rc.Close() })
	return sr
}

func (sr *stallReader) Read(p []byte) (int, error) {
	n, err := sr.rc.Read(p)
	if err == nil {
		sr.timer.Reset(sr.timeout)
	}
	return n, err
}

func (sr *stallReader) Close() error {
	sr.timer.Stop()
	return sr.rc.Close()
}

type ctxKey int

const requestIDKey ctxKey = 0

// WithRequestID attaches a correlation id that the transport forwards as
// X-Request-ID on every provider call.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}
