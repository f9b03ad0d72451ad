package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"chatstream/internal/apperr"
)

// Ollama adapts Ollama's native HTTP API. Unlike the OpenAI-compatible
// surface, its stream is newline-delimited JSON rather than SSE.
type Ollama struct {
	t *transport
}

func NewOllama(baseURL string, timeout time.Duration, maxRetries int) *Ollama {
	return &Ollama{t: newTransport(baseURL, timeout, maxRetries, nil)}
}

func (p *Ollama) ID() string   { return TypeOllama }
func (p *Ollama) Name() string { return "Ollama" }

func (p *Ollama) Close() error {
	p.t.client.CloseIdleConnections()
	p.t.streamClient.CloseIdleConnections()
	return nil
}

// Healthcheck prefers the version endpoint and falls back to the tags
// listing; older Ollama builds do not serve /api/version.
func (p *Ollama) Healthcheck(ctx context.Context) bool {
	resp, err := p.t.do(ctx, http.MethodGet, "/api/version", nil)
	if err == nil && resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		resp, err = p.t.do(ctx, http.MethodGet, "/api/tags", nil)
	}
	if err == nil {
		err = checkStatus(resp)
	}
	if err != nil {
		slog.Warn("healthcheck failed", "provider", TypeOllama, "error", err)
		return false
	}
	resp.Body.Close()
	return true
}

func (p *Ollama) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := p.t.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var payload struct {
		Models *[]map[string]any `json:"models"`
	}
	if err := decodeJSON(resp, &payload); err != nil {
		return nil, err
	}
	if payload.Models == nil {
		return nil, apperr.ProviderBadResponse(map[string]any{"reason": "missing models field"})
	}

	models := make([]ModelInfo, 0, len(*payload.Models))
	for _, item := range *payload.Models {
		name, _ := item["name"].(string)
		if name == "" {
			continue
		}
		metadata := make(map[string]any, len(item))
		for k, v := range item {
			if k != "name" {
				metadata[k] = v
			}
		}
		models = append(models, ModelInfo{
			ID:                name,
			Name:              name,
			Provider:          TypeOllama,
			SupportsStreaming: true,
			Metadata:          metadata,
		})
	}
	return models, nil
}

func (p *Ollama) Capabilities(_ context.Context, _ string) (Capabilities, error) {
	return Capabilities{Streaming: true}, nil
}

type ollamaChatPayload struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	Stop        []string      `json:"stop,omitempty"`
	NumPredict  int           `json:"num_predict,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
}

func ollamaPayload(req ChatRequest, stream bool) ollamaChatPayload {
	// Names are stripped: Ollama's message shape is role/content only.
	messages := make([]ChatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = ChatMessage{Role: m.Role, Content: m.Content}
	}
	return ollamaChatPayload{
		Model:       req.Model,
		Messages:    messages,
		Stream:      stream,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		NumPredict:  req.MaxTokens,
		TopP:        req.TopP,
	}
}

type ollamaChunk struct {
	Model   string `json:"model"`
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	FinishReason    string `json:"finish_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (p *Ollama) ChatOnce(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := p.t.do(ctx, http.MethodPost, "/api/chat", ollamaPayload(req, false))
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var payload ollamaChunk
	if err := decodeJSON(resp, &payload); err != nil {
		return nil, err
	}
	if payload.Message == nil {
		return nil, apperr.ProviderBadResponse(map[string]any{"reason": "missing message field"})
	}

	finishReason := payload.DoneReason
	if finishReason == "" && payload.Done {
		finishReason = "stop"
	}
	if finishReason == "" {
		finishReason = "stop"
	}
	model := payload.Model
	if model == "" {
		model = req.Model
	}
	return &ChatResponse{
		Content:          payload.Message.Content,
		Model:            model,
		FinishReason:     finishReason,
		PromptTokens:     payload.PromptEvalCount,
		CompletionTokens: payload.EvalCount,
	}, nil
}

// ChatStream reads newline-delimited JSON objects until the backend reports
// done=true. A chunk with neither content nor a finish signal is skipped;
// anything unparseable terminates the stream with ProviderBadResponse.
func (p *Ollama) ChatStream(ctx context.Context, req ChatRequest) (<-chan ChatChunk, error) {
	resp, err := p.t.stream(ctx, http.MethodPost, "/api/chat", ollamaPayload(req, true))
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	ch := make(chan ChatChunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}

			var chunk ollamaChunk
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				sendChunk(ctx, ch, ChatChunk{Err: apperr.ProviderBadResponse(map[string]any{"body": truncate(line)})})
				return
			}

			var content string
			if chunk.Message != nil {
				content = chunk.Message.Content
			}
			finishReason := chunk.FinishReason
			if chunk.Done {
				finishReason = chunk.DoneReason
			}
			if content == "" && finishReason == "" && !chunk.Done {
				continue
			}

			model := chunk.Model
			if model == "" {
				model = req.Model
			}
			if !sendChunk(ctx, ch, ChatChunk{Content: content, FinishReason: finishReason, Model: model}) {
				return
			}

			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			sendChunk(ctx, ch, ChatChunk{Err: apperr.ProviderUnavailable(map[string]any{"reason": err.Error()})})
		}
	}()
	return ch, nil
}
