// Package testutil provides mock LLM backends for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"
)

// MockOpenAI simulates an OpenAI-compatible backend (chat completions plus
// model listing). The zero behavior streams Chunks as SSE deltas and
// terminates with [DONE].
type MockOpenAI struct {
	Server *httptest.Server

	// Chunks are the content deltas emitted by a streaming completion. The
	// last chunk carries FinishReason.
	Chunks       []string
	FinishReason string
	Model        string

	// ChatStatus, when non-zero, makes the chat endpoint reply with this
	// status code and a small JSON error body instead of a completion.
	ChatStatus int

	// ChunkDelay is slept before each streamed chunk.
	ChunkDelay time.Duration

	// RawStreamLines, when set, is written verbatim instead of Chunks
	// (used to exercise malformed payload handling).
	RawStreamLines []string

	// Requests counts chat-completions calls.
	Requests atomic.Int64
}

// NewMockOpenAI creates and starts a mock backend streaming the given chunks.
func NewMockOpenAI(chunks []string, finishReason string) *MockOpenAI {
	m := &MockOpenAI{
		Chunks:       chunks,
		FinishReason: finishReason,
		Model:        "mock-model",
	}
	srv := http.NewServeMux()
	srv.HandleFunc("/v1/models", m.handleModels)
	srv.HandleFunc("/v1/chat/completions", m.handleChat)
	m.Server = httptest.NewServer(srv)
	return m
}

func (m *MockOpenAI) Close()      { m.Server.Close() }
func (m *MockOpenAI) URL() string { return m.Server.URL }

func (m *MockOpenAI) handleModels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": []map[string]any{{"id": m.Model}},
	})
}

func (m *MockOpenAI) handleChat(w http.ResponseWriter, r *http.Request) {
	m.Requests.Add(1)

	if m.ChatStatus != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(m.ChatStatus)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "mock failure"})
		return
	}

	var body struct {
		Stream bool `json:"stream"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if !body.Stream {
		m.writeBlocking(w)
		return
	}
	m.writeStreaming(w)
}

func (m *MockOpenAI) writeBlocking(w http.ResponseWriter) {
	var content string
	for _, c := range m.Chunks {
		content += c
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model": m.Model,
		"choices": []map[string]any{{
			"message":       map[string]any{"content": content},
			"finish_reason": m.FinishReason,
		}},
		"usage": map[string]any{"prompt_tokens": 7, "completion_tokens": 5, "total_tokens": 12},
	})
}

func (m *MockOpenAI) writeStreaming(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, hasFlusher := w.(http.Flusher)
	flush := func() {
		if hasFlusher {
			flusher.Flush()
		}
	}

	if m.RawStreamLines != nil {
		for _, line := range m.RawStreamLines {
			fmt.Fprintf(w, "%s\n", line)
			flush()
		}
		return
	}

	// A comment and a blank line first; conforming clients skip both.
	fmt.Fprint(w, ": keep-alive\n\n")
	flush()

	for i, chunk := range m.Chunks {
		if m.ChunkDelay > 0 {
			time.Sleep(m.ChunkDelay)
		}
		finish := any(nil)
		if i == len(m.Chunks)-1 && m.FinishReason != "" {
			finish = m.FinishReason
		}
		payload := map[string]any{
			"model": m.Model,
			"choices": []map[string]any{{
				"delta":         map[string]any{"content": chunk},
				"finish_reason": finish,
			}},
		}
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flush()
}

// MockOllama simulates Ollama's native API: /api/version, /api/tags, and a
// newline-delimited JSON /api/chat stream.
type MockOllama struct {
	Server *httptest.Server

	Chunks     []string
	DoneReason string
	Model      string

	// VersionStatus lets tests exercise the tags fallback (404 on version).
	VersionStatus int
}

func NewMockOllama(chunks []string, doneReason string) *MockOllama {
	m := &MockOllama{
		Chunks:     chunks,
		DoneReason: doneReason,
		Model:      "mock-llama",
	}
	srv := http.NewServeMux()
	srv.HandleFunc("/api/version", m.handleVersion)
	srv.HandleFunc("/api/tags", m.handleTags)
	srv.HandleFunc("/api/chat", m.handleChat)
	m.Server = httptest.NewServer(srv)
	return m
}

func (m *MockOllama) Close()      { m.Server.Close() }
func (m *MockOllama) URL() string { return m.Server.URL }

func (m *MockOllama) handleVersion(w http.ResponseWriter, _ *http.Request) {
	if m.VersionStatus != 0 {
		w.WriteHeader(m.VersionStatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"version": "0.0.0-mock"})
}

func (m *MockOllama) handleTags(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"models": []map[string]any{{"name": m.Model, "size": 1234}},
	})
}

func (m *MockOllama) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Stream bool `json:"stream"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	var content string
	for _, c := range m.Chunks {
		content += c
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	if !body.Stream {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             m.Model,
			"message":           map[string]any{"role": "assistant", "content": content},
			"done":              true,
			"done_reason":       m.DoneReason,
			"prompt_eval_count": 7,
			"eval_count":        5,
		})
		return
	}

	flusher, hasFlusher := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for _, chunk := range m.Chunks {
		_ = enc.Encode(map[string]any{
			"model":   m.Model,
			"message": map[string]any{"role": "assistant", "content": chunk},
			"done":    false,
		})
		if hasFlusher {
			flusher.Flush()
		}
	}
	// Ollama sends a contentless terminal object plus, occasionally, fully
	// empty progress objects; emit one of each.
	_ = enc.Encode(map[string]any{"model": m.Model, "message": map[string]any{"content": ""}, "done": false})
	_ = enc.Encode(map[string]any{
		"model":       m.Model,
		"message":     map[string]any{"role": "assistant", "content": ""},
		"done":        true,
		"done_reason": m.DoneReason,
	})
	if hasFlusher {
		flusher.Flush()
	}
}
