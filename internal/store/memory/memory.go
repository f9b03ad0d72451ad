// Package memory provides an in-process Store used by tests and by dev mode
// when no database path is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatstream/internal/store"
)

type Store struct {
	mu            sync.Mutex
	conversations map[string]store.Conversation
	messages      map[string][]store.Message // conversation id -> ordered messages
	byMessageID   map[string]string          // message id -> conversation id
	quotas        map[string]store.Quota
	usage         map[string]store.UsageCounter // userID|date
}

func New() *Store {
	return &Store{
		conversations: make(map[string]store.Conversation),
		messages:      make(map[string][]store.Message),
		byMessageID:   make(map[string]string),
		quotas:        make(map[string]store.Quota),
		usage:         make(map[string]store.UsageCounter),
	}
}

func usageKey(userID, date string) string { return userID + "|" + date }

func (s *Store) CreateConversation(_ context.Context, userID, title, model, systemPrompt string) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if title == "" {
		title = "New Chat"
	}
	now := time.Now().UTC()
	conv := store.Conversation{
		ID:           uuid.NewString(),
		UserID:       userID,
		Title:        title,
		Model:        model,
		SystemPrompt: systemPrompt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.conversations[conv.ID] = conv
	return &conv, nil
}

func (s *Store) GetUserConversation(_ context.Context, userID, conversationID string) (*store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return nil, nil
	}
	c := conv
	return &c, nil
}

func (s *Store) ListUserConversations(_ context.Context, userID string) ([]store.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Conversation
	for _, conv := range s.conversations {
		if conv.UserID == userID {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) CreateMessage(_ context.Context, msg *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	s.byMessageID[msg.ID] = msg.ConversationID
	return nil
}

func (s *Store) GetConversationMessages(_ context.Context, conversationID string) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Store) GetLastUserMessage(_ context.Context, conversationID string) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			m := msgs[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (s *Store) GetLastAssistantMessageAfter(_ context.Context, conversationID string, after time.Time) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" && !msgs[i].CreatedAt.Before(after) {
			m := msgs[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (s *Store) GetMessage(_ context.Context, messageID string) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, ok := s.byMessageID[messageID]
	if !ok {
		return nil, nil
	}
	for _, m := range s.messages[convID] {
		if m.ID == messageID {
			msg := m
			return &msg, nil
		}
	}
	return nil, nil
}

func (s *Store) GetUserQuota(_ context.Context, userID string) (*store.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotas[userID]
	if !ok {
		return nil, nil
	}
	quota := q
	return &quota, nil
}

func (s *Store) SetUserQuota(_ context.Context, quota store.Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[quota.UserID] = quota
	return nil
}

func (s *Store) GetUsageCounter(_ context.Context, userID, date string) (*store.UsageCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.usage[usageKey(userID, date)]
	if !ok {
		return nil, nil
	}
	counter := c
	return &counter, nil
}

func (s *Store) IncrementUsage(_ context.Context, userID string, messages, tokens int, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrementLocked(userID, messages, tokens, date)
	return nil
}

func (s *Store) incrementLocked(userID string, messages, tokens int, date string) {
	key := usageKey(userID, date)
	counter, ok := s.usage[key]
	if !ok {
		counter = store.UsageCounter{UserID: userID, Date: date}
	}
	counter.MessagesUsed += messages
	counter.TokensUsed += tokens
	s.usage[key] = counter
}

func (s *Store) FinalizeMessage(_ context.Context, params store.FinalizeParams) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[params.ConversationID]
	idx := -1
	for i := range msgs {
		if msgs[i].ID == params.MessageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("message %s not found", params.MessageID)
	}

	msgs[idx].Content = params.Content
	msgs[idx].Provider = params.Provider
	msgs[idx].Model = params.Model
	msgs[idx].ProviderMeta = params.ProviderMeta
	msgs[idx].CompletionTokens = params.CompletionTokens

	if conv, ok := s.conversations[params.ConversationID]; ok {
		conv.Model = params.Model
		conv.UpdatedAt = time.Now().UTC()
		s.conversations[params.ConversationID] = conv
	}

	if params.IncrementUsage {
		s.incrementLocked(params.UserID, 1, params.UsageTokens, params.Date)
	}

	msg := msgs[idx]
	return &msg, nil
}

func (s *Store) Close() error { return nil }
