package provider

import "time"

// NewLMStudio builds the LM Studio adapter. LM Studio speaks the
// OpenAI-compatible API and needs no API key; only the id, display name, and
// default base URL differ.
func NewLMStudio(baseURL string, timeout time.Duration, maxRetries int) *OpenAICompat {
	return newOpenAICompatAs(TypeLMStudio, "LM Studio", baseURL, "", timeout, maxRetries)
}
