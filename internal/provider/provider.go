// Package provider implements a uniform chat interface over heterogeneous
// LLM backends: LM Studio, Ollama's native API, and any OpenAI-compatible
// endpoint. Adapters translate the shared request/chunk model to each
// backend's wire format; all of them share one resilient HTTP transport.
package provider

import "context"

// Known provider ids. The set of adapters is closed: a registry only ever
// constructs one of these three.
const (
	TypeLMStudio     = "lmstudio"
	TypeOllama       = "ollama"
	TypeOpenAICompat = "openai_compat"
)

// ChatMessage is a single turn in the conversation sent to a backend.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is the uniform chat completion request. It is immutable per
// call; adapters read it but never modify it.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
	TopP        float64
	Stop        []string
	Stream      bool
}

// ChatChunk is one element of a streamed response. A chunk with Err set is
// terminal: the channel is closed immediately after and no partial resume is
// possible.
type ChatChunk struct {
	Content      string
	FinishReason string
	Model        string
	Err          error
}

// sendChunk delivers a chunk unless ctx is done. A consumer that stops
// draining mid-stream would otherwise park the reader goroutine on a full
// channel and pin the response body open.
func sendChunk(ctx context.Context, ch chan<- ChatChunk, chunk ChatChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// ChatResponse is the complete result of a non-streaming call.
type ChatResponse struct {
	Content          string
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ModelInfo describes one model offered by a provider.
type ModelInfo struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Provider          string         `json:"provider"`
	ContextLength     int            `json:"context_length,omitempty"`
	SupportsStreaming bool           `json:"supports_streaming"`
	SupportsFunctions bool           `json:"supports_functions"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Capabilities describes what a provider can do. Adapters return conservative
// defaults when the backend offers no discovery endpoint.
type Capabilities struct {
	Streaming       bool `json:"streaming"`
	FunctionCalling bool `json:"function_calling"`
	Vision          bool `json:"vision"`
	Embeddings      bool `json:"embeddings"`
}

// Provider is the capability contract every backend adapter implements.
type Provider interface {
	// ID returns the stable provider id ("lmstudio", "ollama", "openai_compat").
	ID() string

	// Name returns the human-readable display name.
	Name() string

	// Healthcheck reports whether the backend is reachable. It never returns
	// an error; internal failures fold into false.
	Healthcheck(ctx context.Context) bool

	// ListModels returns the models the backend currently offers.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Capabilities reports what the provider supports, optionally per model.
	Capabilities(ctx context.Context, model string) (Capabilities, error)

	// ChatOnce sends a non-streaming chat request and waits for the full
	// response.
	ChatOnce(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream opens a streaming chat request. The returned channel yields
	// chunks as they arrive and is closed when the stream ends; a mid-stream
	// failure is delivered as a final chunk with Err set. The sequence is
	// finite and not restartable.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan ChatChunk, error)

	// Close releases the underlying HTTP client resources.
	Close() error
}
