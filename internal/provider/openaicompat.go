package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatstream/internal/apperr"
)

// OpenAICompat adapts any endpoint implementing the OpenAI Chat Completions
// API surface. LM Studio reuses it with a different id and no API key.
type OpenAICompat struct {
	id          string
	displayName string
	t           *transport
}

// NewOpenAICompat constructs an adapter for a generic OpenAI-compatible
// endpoint. apiKey may be empty for backends that do not require one.
func NewOpenAICompat(baseURL, apiKey string, timeout time.Duration, maxRetries int) *OpenAICompat {
	return newOpenAICompatAs(TypeOpenAICompat, "OpenAI Compatible", baseURL, apiKey, timeout, maxRetries)
}

func newOpenAICompatAs(id, displayName, baseURL, apiKey string, timeout time.Duration, maxRetries int) *OpenAICompat {
	headers := map[string]string{}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	return &OpenAICompat{
		id:          id,
		displayName: displayName,
		t:           newTransport(baseURL, timeout, maxRetries, headers),
	}
}

func (p *OpenAICompat) ID() string   { return p.id }
func (p *OpenAICompat) Name() string { return p.displayName }

func (p *OpenAICompat) Close() error {
	p.t.client.CloseIdleConnections()
	p.t.streamClient.CloseIdleConnections()
	return nil
}

// Healthcheck pings the models endpoint to confirm connectivity.
func (p *OpenAICompat) Healthcheck(ctx context.Context) bool {
	resp, err := p.t.do(ctx, http.MethodGet, "/v1/models", nil)
	if err == nil {
		err = checkStatus(resp)
	}
	if err != nil {
		slog.Warn("healthcheck failed", "provider", p.id, "error", err)
		return false
	}
	resp.Body.Close()
	return true
}

type oaModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (p *OpenAICompat) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := p.t.do(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var payload struct {
		Data *[]struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := decodeJSON(resp, &payload); err != nil {
		return nil, err
	}
	if payload.Data == nil {
		return nil, apperr.ProviderBadResponse(map[string]any{"reason": "missing data field"})
	}

	models := make([]ModelInfo, 0, len(*payload.Data))
	for _, item := range *payload.Data {
		if item.ID == "" {
			continue
		}
		models = append(models, ModelInfo{
			ID:                item.ID,
			Name:              item.ID,
			Provider:          p.id,
			SupportsStreaming: true,
		})
	}
	return models, nil
}

// Capabilities returns conservative defaults; the OpenAI-compatible surface
// has no capability discovery endpoint.
func (p *OpenAICompat) Capabilities(_ context.Context, _ string) (Capabilities, error) {
	return Capabilities{Streaming: true}, nil
}

type oaChatPayload struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

func oaPayload(req ChatRequest, stream bool) oaChatPayload {
	return oaChatPayload{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
}

func (p *OpenAICompat) ChatOnce(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := p.t.do(ctx, http.MethodPost, "/v1/chat/completions", oaPayload(req, false))
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var payload struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := decodeJSON(resp, &payload); err != nil {
		return nil, err
	}
	if len(payload.Choices) == 0 {
		return nil, apperr.ProviderBadResponse(map[string]any{"reason": "missing choices"})
	}

	choice := payload.Choices[0]
	finishReason := choice.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}
	model := payload.Model
	if model == "" {
		model = req.Model
	}
	return &ChatResponse{
		Content:          choice.Message.Content,
		Model:            model,
		FinishReason:     finishReason,
		PromptTokens:     payload.Usage.PromptTokens,
		CompletionTokens: payload.Usage.CompletionTokens,
		TotalTokens:      payload.Usage.TotalTokens,
	}, nil
}

type oaStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// ChatStream posts with stream=true and parses "data: "-prefixed SSE lines,
// terminating on the literal [DONE] sentinel.
func (p *OpenAICompat) ChatStream(ctx context.Context, req ChatRequest) (<-chan ChatChunk, error) {
	resp, err := p.t.stream(ctx, http.MethodPost, "/v1/chat/completions", oaPayload(req, true))
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
			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			data := line
			if rest, ok := strings.CutPrefix(line, "data:"); ok {
				data = strings.TrimSpace(rest)
			}
			if data == "[DONE]" {
				return
			}

			var chunk oaStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				sendChunk(ctx, ch, ChatChunk{Err: apperr.ProviderBadResponse(map[string]any{"body": truncate(data)})})
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			model := chunk.Model
			if model == "" {
				model = req.Model
			}
			if !sendChunk(ctx, ch, ChatChunk{
				Content:      chunk.Choices[0].Delta.Content,
				FinishReason: chunk.Choices[0].FinishReason,
				Model:        model,
			}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			sendChunk(ctx, ch, ChatChunk{Err: apperr.ProviderUnavailable(map[string]any{"reason": err.Error()})})
		}
	}()
	return ch, nil
}
