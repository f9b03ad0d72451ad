package provider

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatstream/internal/apperr"
)

func TestCheckStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   apperr.Code
	}{
		{"unauthorized", http.StatusUnauthorized, apperr.CodeProviderAuth},
		{"forbidden", http.StatusForbidden, apperr.CodeProviderAuth},
		{"not found", http.StatusNotFound, apperr.CodeModelNotFound},
		{"rate limited", http.StatusTooManyRequests, apperr.CodeRateLimited},
		{"server error", http.StatusInternalServerError, apperr.CodeProviderUnavailable},
		{"bad gateway", http.StatusBadGateway, apperr.CodeProviderUnavailable},
		{"other client error", http.StatusConflict, apperr.CodeProviderError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			tr := newTransport(srv.URL, 2*time.Second, 0, nil)
			resp, err := tr.do(context.Background(), http.MethodGet, "/x", nil)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			err = checkStatus(resp)
			ae, ok := apperr.As(err)
			if !ok {
				t.Fatalf("expected apperr.Error, got %v", err)
			}
			if ae.Code != tc.code {
				t.Errorf("code = %s, want %s", ae.Code, tc.code)
			}
			if ae.Details["status"] != tc.status {
				t.Errorf("details status = %v, want %d", ae.Details["status"], tc.status)
			}
		})
	}
}

func TestCheckStatusTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(strings.Repeat("x", 2000)))
	}))
	defer srv.Close()

	tr := newTransport(srv.URL, 2*time.Second, 0, nil)
	resp, err := tr.do(context.Background(), http.MethodGet, "/x", nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	ae, _ := apperr.As(checkStatus(resp))
	body, _ := ae.Details["body"].(string)
	if len(body) != bodySnippetLimit {
		t.Errorf("snippet length = %d, want %d", len(body), bodySnippetLimit)
	}
}

func TestHTTPErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := newTransport(srv.URL, 2*time.Second, 3, nil)
	resp, err := tr.do(context.Background(), http.MethodGet, "/x", nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	ae, _ := apperr.As(checkStatus(resp))
	if ae.Code != apperr.CodeRateLimited {
		t.Fatalf("code = %s, want %s", ae.Code, apperr.CodeRateLimited)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("upstream hits = %d, want 1 (no retry on HTTP status)", got)
	}
}

func TestNetworkErrorsAreRetried(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var accepts atomic.Int64
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepts.Add(1)
			conn.Close()
		}
	}()

	tr := newTransport("http://"+ln.Addr().String(), 2*time.Second, 2, nil)
	_, err = tr.do(context.Background(), http.MethodGet, "/x", nil)
	ae, ok := apperr.As(err)
	if !ok || ae.Code != apperr.CodeProviderUnavailable {
		t.Fatalf("expected %s, got %v", apperr.CodeProviderUnavailable, err)
	}
	// 1 initial attempt + 2 retries.
	if got := accepts.Load(); got < 3 {
		t.Errorf("connection attempts = %d, want >= 3", got)
	}
}

func TestCanceledContextStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := newTransport("http://127.0.0.1:1", 2*time.Second, 5, nil)
	start := time.Now()
	_, err := tr.do(ctx, http.MethodGet, "/x", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("retries ran despite canceled context (took %s)", elapsed)
	}
}

func TestRetryBackoffCapsAtOneSecond(t *testing.T) {
	if got := retryBackoff(0); got != 100*time.Millisecond {
		t.Errorf("backoff(0) = %s, want 100ms", got)
	}
	if got := retryBackoff(4); got != 500*time.Millisecond {
		t.Errorf("backoff(4) = %s, want 500ms", got)
	}
	if got := retryBackoff(50); got != time.Second {
		t.Errorf("backoff(50) = %s, want 1s", got)
	}
}

func TestRequestIDForwarded(t *testing.T) {
	var seen atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("X-Request-ID"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := newTransport(srv.URL, 2*time.Second, 0, nil)
	ctx := WithRequestID(context.Background(), "req-42")
	resp, err := tr.do(ctx, http.MethodGet, "/x", nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := seen.Load(); got != "req-42" {
		t.Errorf("X-Request-ID = %v, want req-42", got)
	}
}

func TestDecodeJSONBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	tr := newTransport(srv.URL, 2*time.Second, 0, nil)
	resp, err := tr.do(context.Background(), http.MethodGet, "/x", nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	var out map[string]any
	ae, ok := apperr.As(decodeJSON(resp, &out))
	if !ok || ae.Code != apperr.CodeProviderBadResponse {
		t.Fatalf("expected %s, got %v", apperr.CodeProviderBadResponse, ae)
	}
	if ae.Details["body"] != "not json at all" {
		t.Errorf("details body = %v", ae.Details["body"])
	}
}
