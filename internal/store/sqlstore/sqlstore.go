// Package sqlstore implements the Store contract on SQLite via gorm.
package sqlstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"chatstream/internal/store"
)

type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&store.Conversation{},
		&store.Message{},
		&store.Quota{},
		&store.UsageCounter{},
	); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) CreateConversation(ctx context.Context, userID, title, model, systemPrompt string) (*store.Conversation, error) {
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
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Store) GetUserConversation(ctx context.Context, userID, conversationID string) (*store.Conversation, error) {
	var conv store.Conversation
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", conversationID, userID).
		First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Store) ListUserConversations(ctx context.Context, userID string) ([]store.Conversation, error) {
	var convs []store.Conversation
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *Store) CreateMessage(ctx context.Context, msg *store.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(msg).Error
}

func (s *Store) GetConversationMessages(ctx context.Context, conversationID string) ([]store.Message, error) {
	var msgs []store.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) GetLastUserMessage(ctx context.Context, conversationID string) (*store.Message, error) {
	var msg store.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND role = ?", conversationID, "user").
		Order("created_at DESC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) GetLastAssistantMessageAfter(ctx context.Context, conversationID string, after time.Time) (*store.Message, error) {
	var msg store.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND role = ? AND created_at >= ?", conversationID, "assistant", after).
		Order("created_at DESC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*store.Message, error) {
	var msg store.Message
	err := s.db.WithContext(ctx).Where("id = ?", messageID).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) GetUserQuota(ctx context.Context, userID string) (*store.Quota, error) {
	var quota store.Quota
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&quota).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &quota, nil
}

func (s *Store) SetUserQuota(ctx context.Context, quota store.Quota) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&quota).Error
}

func (s *Store) GetUsageCounter(ctx context.Context, userID, date string) (*store.UsageCounter, error) {
	var counter store.UsageCounter
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", userID, date).
		First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &counter, nil
}

func (s *Store) IncrementUsage(ctx context.Context, userID string, messages, tokens int, date string) error {
	return incrementUsage(s.db.WithContext(ctx), userID, messages, tokens, date)
}

// incrementUsage upserts the per-user/day counter in a single statement so
// concurrent increments for the same key are serialized by the database.
func incrementUsage(db *gorm.DB, userID string, messages, tokens int, date string) error {
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
		DoUpdates: clause.Assignments(map[string]any{
			"messages_used": gorm.Expr("messages_used + ?", messages),
			"tokens_used":   gorm.Expr("tokens_used + ?", tokens),
		}),
	}).Create(&store.UsageCounter{
		UserID:       userID,
		Date:         date,
		MessagesUsed: messages,
		TokensUsed:   tokens,
	}).Error
}

func (s *Store) FinalizeMessage(ctx context.Context, params store.FinalizeParams) (*store.Message, error) {
	var msg store.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"content":           params.Content,
			"provider":          params.Provider,
			"model":             params.Model,
			"provider_meta":     params.ProviderMeta,
			"completion_tokens": params.CompletionTokens,
		}
		if err := tx.Model(&store.Message{}).Where("id = ?", params.MessageID).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Model(&store.Conversation{}).
			Where("id = ?", params.ConversationID).
			Updates(map[string]any{"model": params.Model, "updated_at": time.Now().UTC()}).Error; err != nil {
			return err
		}
		if params.IncrementUsage {
			if err := incrementUsage(tx, params.UserID, 1, params.UsageTokens, params.Date); err != nil {
				return err
			}
		}
		return tx.Where("id = ?", params.MessageID).First(&msg).Error
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
