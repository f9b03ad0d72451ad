package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatstream/internal/apperr"
	"chatstream/test/testutil"
)

func TestOllamaStream(t *testing.T) {
	mock := testutil.NewMockOllama([]string{"Hi ", "there"}, "stop")
	defer mock.Close()

	p := NewOllama(mock.URL(), 5*time.Second, 0)
	defer p.Close()

	ch, err := p.ChatStream(context.Background(), chatReq("mock-llama"))
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	chunks := drainChunks(t, ch)

	var content, finishReason string
	for _, c := range chunks {
		if c.Err != nil {
			t.Fatalf("unexpected chunk error: %v", c.Err)
		}
		content += c.Content
		if c.FinishReason != "" {
			finishReason = c.FinishReason
		}
	}
	if content != "Hi there" {
		t.Errorf("content = %q, want %q", content, "Hi there")
	}
	if finishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", finishReason)
	}
}

func TestOllamaStreamUnblocksOnCancel(t *testing.T) {
	chunks := make([]string, 200)
	for i := range chunks {
		chunks[i] = "x"
	}
	mock := testutil.NewMockOllama(chunks, "stop")
	defer mock.Close()

	p := NewOllama(mock.URL(), 5*time.Second, 0)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := p.ChatStream(ctx, chatReq("m"))
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if _, ok := <-ch; !ok {
		t.Fatal("stream closed before the first chunk")
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("reader goroutine did not exit after cancellation")
		}
	}
}

func TestOllamaStreamMalformedLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte("{broken\n"))
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, 5*time.Second, 0)
	defer p.Close()

	ch, err := p.ChatStream(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	chunks := drainChunks(t, ch)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	ae, ok := apperr.As(chunks[0].Err)
	if !ok || ae.Code != apperr.CodeProviderBadResponse {
		t.Fatalf("expected %s, got %v", apperr.CodeProviderBadResponse, chunks[0].Err)
	}
}

func TestOllamaChatOnce(t *testing.T) {
	mock := testutil.NewMockOllama([]string{"short ", "answer"}, "stop")
	defer mock.Close()

	p := NewOllama(mock.URL(), 5*time.Second, 0)
	defer p.Close()

	resp, err := p.ChatOnce(context.Background(), chatReq("mock-llama"))
	if err != nil {
		t.Fatalf("ChatOnce: %v", err)
	}
	if resp.Content != "short answer" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.PromptTokens != 7 || resp.CompletionTokens != 5 {
		t.Errorf("tokens = %d/%d, want 7/5", resp.PromptTokens, resp.CompletionTokens)
	}
}

func TestOllamaListModels(t *testing.T) {
	mock := testutil.NewMockOllama(nil, "")
	defer mock.Close()

	p := NewOllama(mock.URL(), 5*time.Second, 0)
	defer p.Close()

	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0].ID != "mock-llama" {
		t.Fatalf("models = %+v", models)
	}
	if models[0].Provider != TypeOllama {
		t.Errorf("provider = %q", models[0].Provider)
	}
	if _, hasName := models[0].Metadata["name"]; hasName {
		t.Error("metadata should not duplicate the name")
	}
	if _, hasSize := models[0].Metadata["size"]; !hasSize {
		t.Error("metadata should carry the remaining fields")
	}
}

func TestOllamaHealthcheckVersionFallback(t *testing.T) {
	mock := testutil.NewMockOllama(nil, "")
	mock.VersionStatus = http.StatusNotFound
	defer mock.Close()

	p := NewOllama(mock.URL(), 5*time.Second, 0)
	defer p.Close()

	if !p.Healthcheck(context.Background()) {
		t.Error("healthcheck should fall back to the tags endpoint")
	}
}

func TestOllamaPayloadStripsNames(t *testing.T) {
	req := ChatRequest{
		Model: "m",
		Messages: []ChatMessage{
			{Role: "user", Content: "hi", Name: "alice"},
		},
		MaxTokens: 64,
	}
	payload := ollamaPayload(req, true)
	if payload.Messages[0].Name != "" {
		t.Error("message name should be stripped for the native API")
	}
	if payload.NumPredict != 64 {
		t.Errorf("num_predict = %d, want 64", payload.NumPredict)
	}
	if !payload.Stream {
		t.Error("stream flag not set")
	}
}
