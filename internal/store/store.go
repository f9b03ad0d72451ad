// Package store defines the persistence contract the chat orchestrator
// depends on, together with the entities it persists. Two implementations
// exist: an in-memory store for tests and development, and a gorm-backed
// SQLite store for real deployments.
package store

import (
	"context"
	"time"
)

// DateLayout is the canonical per-day key for usage counters (UTC).
const DateLayout = "2006-01-02"

// Today returns the current UTC day in DateLayout form.
func Today() string {
	return time.Now().UTC().Format(DateLayout)
}

type Conversation struct {
	ID           string    `json:"id" gorm:"primaryKey;size:36"`
	UserID       string    `json:"user_id" gorm:"index;size:36"`
	Title        string    `json:"title" gorm:"size:255"`
	Model        string    `json:"model,omitempty" gorm:"size:128"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Message struct {
	ID               string    `json:"id" gorm:"primaryKey;size:36"`
	ConversationID   string    `json:"conversation_id" gorm:"index;size:36"`
	Role             string    `json:"role" gorm:"size:16"`
	Content          string    `json:"content"`
	Provider         string    `json:"provider,omitempty" gorm:"size:64"`
	Model            string    `json:"model,omitempty" gorm:"size:128"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	TotalTokens      int       `json:"total_tokens,omitempty"`
	ProviderMeta     string    `json:"provider_meta,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Quota holds per-user daily limits. A nil limit means unlimited.
type Quota struct {
	UserID         string `json:"user_id" gorm:"primaryKey;size:36"`
	MessagesPerDay *int   `json:"messages_per_day,omitempty"`
	TokensPerDay   *int   `json:"tokens_per_day,omitempty"`
}

// UsageCounter accumulates per-user usage for one UTC day.
type UsageCounter struct {
	UserID       string `json:"user_id" gorm:"primaryKey;size:36"`
	Date         string `json:"date" gorm:"primaryKey;size:10"`
	MessagesUsed int    `json:"messages_used"`
	TokensUsed   int    `json:"tokens_used"`
}

// FinalizeParams describes the single atomic commit that ends a streamed
// turn: the assistant message content/metadata update, the conversation's
// last-used model, and (on success only) the usage increment.
type FinalizeParams struct {
	MessageID        string
	ConversationID   string
	UserID           string
	Content          string
	Provider         string
	Model            string
	ProviderMeta     string
	CompletionTokens int

	IncrementUsage bool
	UsageTokens    int
	Date           string
}

// Store is the persistence collaborator contract. Lookups that miss return
// (nil, nil); errors are reserved for storage failures.
type Store interface {
	CreateConversation(ctx context.Context, userID, title, model, systemPrompt string) (*Conversation, error)
	GetUserConversation(ctx context.Context, userID, conversationID string) (*Conversation, error)
	ListUserConversations(ctx context.Context, userID string) ([]Conversation, error)

	CreateMessage(ctx context.Context, msg *Message) error
	GetConversationMessages(ctx context.Context, conversationID string) ([]Message, error)
	GetLastUserMessage(ctx context.Context, conversationID string) (*Message, error)
	GetLastAssistantMessageAfter(ctx context.Context, conversationID string, after time.Time) (*Message, error)
	GetMessage(ctx context.Context, messageID string) (*Message, error)

	GetUserQuota(ctx context.Context, userID string) (*Quota, error)
	SetUserQuota(ctx context.Context, quota Quota) error
	GetUsageCounter(ctx context.Context, userID, date string) (*UsageCounter, error)
	// IncrementUsage must be atomic with respect to concurrent increments for
	// the same user/day.
	IncrementUsage(ctx context.Context, userID string, messages, tokens int, date string) error

	// FinalizeMessage performs the whole finalize write as one commit so
	// message content and its metadata never diverge.
	FinalizeMessage(ctx context.Context, params FinalizeParams) (*Message, error)

	Close() error
}
