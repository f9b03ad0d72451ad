// Package chat implements the chat-turn streaming orchestrator: admission
// control, durable turn bookkeeping, provider streaming with keep-alive
// heartbeats, cooperative cancellation, and finalize-exactly-once semantics.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chatstream/internal/apperr"
	"chatstream/internal/metrics"
	"chatstream/internal/provider"
	"chatstream/internal/store"
)

// outcome is the three-valued result of the streaming loop. Exactly one
// finalize runs per stream, keyed off this value.
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeCanceled
	outcomeErrored
)

// Service drives a chat turn end to end: quota gate, persistence, provider
// stream, finalize.
type Service struct {
	registry *provider.Registry
	store    store.Store
	manager  *Manager
	metrics  *metrics.Registry

	// pingInterval bounds how long a client connection sits idle before a
	// keep-alive comment is emitted. Zero disables heartbeats.
	pingInterval time.Duration
}

func NewService(registry *provider.Registry, st store.Store, reg *metrics.Registry, pingInterval time.Duration) *Service {
	return &Service{
		registry:     registry,
		store:        st,
		manager:      NewManager(reg),
		metrics:      reg,
		pingInterval: pingInterval,
	}
}

// StreamParams identifies one requested chat turn.
type StreamParams struct {
	UserID         string
	ConversationID string
	ProviderID     string
	Model          string
	Input          string
	Settings       map[string]any
	RequestID      string
}

// StreamChat runs the full turn state machine and returns a channel of wire
// frames. Errors detected before streaming begins (NotFound, QuotaExceeded)
// are returned directly with no side effects beyond the persisted rows the
// state machine has already committed; once the channel is returned, all
// failures travel in-band as an error frame. The caller must drain the
// channel until it closes, even if it can no longer write frames out.
func (s *Service) StreamChat(ctx context.Context, p StreamParams) (<-chan string, error) {
	conv, err := s.store.GetUserConversation(ctx, p.UserID, p.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperr.NotFound("Conversation not found")
	}

	if err := s.enforceQuota(ctx, p.UserID); err != nil {
		return nil, err
	}

	history, err := s.store.GetConversationMessages(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}

	settings := p.Settings
	if settings == nil {
		settings = map[string]any{}
	}

	userMsg := &store.Message{
		ConversationID: p.ConversationID,
		Role:           "user",
		Content:        p.Input,
	}
	if err := s.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	// The placeholder row exists before any chunk is emitted so the stream is
	// correlatable even if it fails before the first token.
	baseMeta := map[string]any{
		"provider_id": p.ProviderID,
		"model":       p.Model,
		"settings":    settings,
	}
	baseMetaJSON, _ := json.Marshal(baseMeta)
	assistantMsg := &store.Message{
		ConversationID: p.ConversationID,
		Role:           "assistant",
		Content:        "",
		Provider:       p.ProviderID,
		Model:          p.Model,
		ProviderMeta:   string(baseMetaJSON),
	}
	if err := s.store.CreateMessage(ctx, assistantMsg); err != nil {
		return nil, err
	}

	prov, err := s.registry.Get(p.ProviderID)
	if err != nil {
		return nil, err
	}

	chatlog := make([]provider.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		chatlog = append(chatlog, provider.ChatMessage{Role: m.Role, Content: m.Content})
	}
	chatlog = append(chatlog, provider.ChatMessage{Role: "user", Content: p.Input})

	req := provider.ChatRequest{
		Model:       p.Model,
		Messages:    chatlog,
		Temperature: floatSetting(settings, "temperature", 0.7),
		MaxTokens:   intSetting(settings, "max_tokens"),
		TopP:        floatSetting(settings, "top_p", 0),
		Stop:        stringsSetting(settings, "stop"),
		Stream:      true,
	}

	// Fresh server-generated correlation id, distinct from the caller's
	// request id.
	streamID := uuid.NewString()

	frames := make(chan string, 16)
	go s.run(ctx, p, prov, req, streamID, assistantMsg.ID, baseMeta, frames)
	return frames, nil
}

// run is the driving task for one stream. Every exit path unregisters the
// stream and closes the frame channel.
func (s *Service) run(
	ctx context.Context,
	p StreamParams,
	prov provider.Provider,
	req provider.ChatRequest,
	streamID string,
	assistantID string,
	baseMeta map[string]any,
	frames chan<- string,
) {
	defer close(frames)

	streamCtx, cancelTask := context.WithCancel(provider.WithRequestID(ctx, p.RequestID))
	defer cancelTask()

	active := s.manager.Register(streamID, p.UserID, p.ConversationID, cancelTask)
	defer func() {
		s.manager.Unregister(streamID)
		elapsed := time.Since(active.StartedAt).Seconds()
		s.metrics.Observe("stream_duration_seconds", elapsed)
	}()

	// Consumers must see meta before any delta.
	frames <- formatEvent(EventMeta, map[string]any{
		"stream_id":       streamID,
		"conversation_id": p.ConversationID,
		"provider_id":     p.ProviderID,
		"model":           p.Model,
		"request_id":      p.RequestID,
	})

	turn := turnState{model: p.Model}
	result := outcomeCompleted
	var streamErr *apperr.Error

	chunks, err := prov.ChatStream(streamCtx, req)
	if err != nil {
		result = outcomeErrored
		streamErr = apperr.From(err)
	} else {
		result, streamErr = s.consume(active, chunks, frames, &turn)
	}

	// Persistence must survive a dropped client connection, so finalize runs
	// on a context detached from cancellation.
	finalizeCtx := context.WithoutCancel(ctx)

	switch result {
	case outcomeCanceled:
		slog.Info("chat stream cancelled", "stream_id", streamID, "user_id", p.UserID)
	case outcomeErrored:
		slog.Warn("provider error during chat stream", "stream_id", streamID, "code", streamErr.Code)
	}

	meta, finalMsg, err := s.finalize(finalizeCtx, finalizeParams{
		streamParams: p,
		assistantID:  assistantID,
		baseMeta:     baseMeta,
		streamID:     streamID,
		content:      turn.content,
		model:        turn.model,
		finishReason: turn.finishReason,
		result:       result,
		streamErr:    streamErr,
	})
	if err != nil {
		slog.Error("failed to finalize chat turn", "stream_id", streamID, "error", err)
		frames <- formatEvent(EventError, map[string]any{
			"code":       apperr.CodeInternal,
			"message":    "An unexpected error occurred",
			"request_id": p.RequestID,
		})
		return
	}

	if result == outcomeErrored {
		frames <- formatEvent(EventError, map[string]any{
			"code":       streamErr.Code,
			"message":    streamErr.Message,
			"request_id": p.RequestID,
		})
		return
	}

	payload := map[string]any{
		"message_id":    assistantID,
		"provider_meta": meta,
	}
	if usage := tokenUsage(finalMsg); len(usage) > 0 {
		payload["token_usage"] = usage
	}
	frames <- formatEvent(EventFinal, payload)
}

// turnState accumulates what the streaming loop has observed so far.
type turnState struct {
	content      string
	finishReason string
	model        string
}

// consume pulls chunks from the provider sequence, racing each pull against
// the heartbeat interval. The provider channel is never abandoned for a
// heartbeat; a timer firing only emits a comment and loops back to the same
// still-live sequence.
func (s *Service) consume(
	active *ActiveStream,
	chunks <-chan provider.ChatChunk,
	frames chan<- string,
	turn *turnState,
) (outcome, *apperr.Error) {
	var timer *time.Timer
	if s.pingInterval > 0 {
		timer = time.NewTimer(s.pingInterval)
		defer timer.Stop()
	}

	for {
		if active.isCancelled() {
			return outcomeCanceled, nil
		}

		var (
			chunk provider.ChatChunk
			ok    bool
		)
		if timer != nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.pingInterval)
			select {
			case chunk, ok = <-chunks:
			case <-timer.C:
				s.metrics.Increment("sse_pings_sent", 1)
				frames <- formatComment("ping")
				continue
			case <-active.Cancelled():
				return outcomeCanceled, nil
			}
		} else {
			select {
			case chunk, ok = <-chunks:
			case <-active.Cancelled():
				return outcomeCanceled, nil
			}
		}

		if !ok {
			return outcomeCompleted, nil
		}
		if chunk.Err != nil {
			return outcomeErrored, apperr.From(chunk.Err)
		}

		if chunk.Model != "" {
			turn.model = chunk.Model
		}
		if chunk.Content != "" {
			turn.content += chunk.Content
			frames <- formatEvent(EventDelta, map[string]any{"text": chunk.Content})
		}
		if chunk.FinishReason != "" {
			turn.finishReason = chunk.FinishReason
		}

		if active.isCancelled() {
			return outcomeCanceled, nil
		}
	}
}

type finalizeParams struct {
	streamParams StreamParams
	assistantID  string
	baseMeta     map[string]any
	streamID     string
	content      string
	model        string
	finishReason string
	result       outcome
	streamErr    *apperr.Error
}

// finalize builds the provider_meta document and performs exactly one store
// commit. Usage is incremented only for completed streams.
func (s *Service) finalize(ctx context.Context, fp finalizeParams) (map[string]any, *store.Message, error) {
	meta := make(map[string]any, len(fp.baseMeta)+6)
	for k, v := range fp.baseMeta {
		meta[k] = v
	}
	meta["model"] = fp.model
	meta["stream_id"] = fp.streamID
	meta["request_id"] = fp.streamParams.RequestID
	meta["canceled"] = fp.result == outcomeCanceled
	meta["completed"] = fp.result == outcomeCompleted
	if fp.finishReason != "" {
		meta["finish_reason"] = fp.finishReason
	}
	if fp.streamErr != nil {
		meta["error"] = map[string]any{
			"code":    fp.streamErr.Code,
			"message": fp.streamErr.Message,
		}
		if len(fp.streamErr.Details) > 0 {
			meta["error_details"] = fp.streamErr.Details
		}
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, err
	}

	msg, err := s.store.FinalizeMessage(ctx, store.FinalizeParams{
		MessageID:      fp.assistantID,
		ConversationID: fp.streamParams.ConversationID,
		UserID:         fp.streamParams.UserID,
		Content:        fp.content,
		Provider:       fp.streamParams.ProviderID,
		Model:          fp.model,
		ProviderMeta:   string(metaJSON),
		IncrementUsage: fp.result == outcomeCompleted,
		UsageTokens:    0,
		Date:           store.Today(),
	})
	if err != nil {
		return nil, nil, err
	}
	return meta, msg, nil
}

// RetryLastTurn re-runs the last user turn with the provider, model, and
// settings recovered from the previous assistant message's metadata. The
// retried turn gets a fresh stream id and a fresh pair of persisted rows; it
// never resumes the original stream.
func (s *Service) RetryLastTurn(ctx context.Context, userID, conversationID, requestID string) (<-chan string, error) {
	conv, err := s.store.GetUserConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, apperr.NotFound("Conversation not found")
	}

	lastUser, err := s.store.GetLastUserMessage(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if lastUser == nil {
		return nil, apperr.Validation("No user message to retry")
	}

	lastAssistant, err := s.store.GetLastAssistantMessageAfter(ctx, conversationID, lastUser.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastAssistant == nil || lastAssistant.ProviderMeta == "" {
		return nil, apperr.Validation("Cannot retry without previous assistant metadata")
	}

	var meta map[string]any
	if err := json.Unmarshal([]byte(lastAssistant.ProviderMeta), &meta); err != nil {
		return nil, apperr.Validation("Invalid provider metadata for retry")
	}

	providerID, _ := meta["provider_id"].(string)
	model, _ := meta["model"].(string)
	settings, _ := meta["settings"].(map[string]any)
	if providerID == "" || model == "" {
		return nil, apperr.Validation("Provider metadata missing model or provider")
	}

	return s.StreamChat(ctx, StreamParams{
		UserID:         userID,
		ConversationID: conversationID,
		ProviderID:     providerID,
		Model:          model,
		Input:          lastUser.Content,
		Settings:       settings,
		RequestID:      requestID,
	})
}

// CancelStream delegates to the active-stream manager. The ownership check
// lives there.
func (s *Service) CancelStream(streamID, userID string) bool {
	return s.manager.Cancel(streamID, userID)
}

// enforceQuota rejects the turn before any persistence when either daily
// limit is already met.
func (s *Service) enforceQuota(ctx context.Context, userID string) error {
	quota, err := s.store.GetUserQuota(ctx, userID)
	if err != nil {
		return err
	}
	if quota == nil {
		return nil
	}

	counter, err := s.store.GetUsageCounter(ctx, userID, store.Today())
	if err != nil {
		return err
	}
	var messagesUsed, tokensUsed int
	if counter != nil {
		messagesUsed = counter.MessagesUsed
		tokensUsed = counter.TokensUsed
	}

	if quota.MessagesPerDay != nil && messagesUsed >= *quota.MessagesPerDay {
		s.metrics.Increment("quota_blocks_total", 1)
		return apperr.QuotaExceeded("Daily message quota exceeded", map[string]any{
			"user_id": userID, "limit": *quota.MessagesPerDay,
		})
	}
	if quota.TokensPerDay != nil && tokensUsed >= *quota.TokensPerDay {
		s.metrics.Increment("quota_blocks_total", 1)
		return apperr.QuotaExceeded("Daily token quota exceeded", map[string]any{
			"user_id": userID, "limit": *quota.TokensPerDay,
		})
	}
	return nil
}

func tokenUsage(msg *store.Message) map[string]int {
	usage := map[string]int{}
	if msg == nil {
		return usage
	}
	if msg.PromptTokens > 0 {
		usage["prompt_tokens"] = msg.PromptTokens
	}
	if msg.CompletionTokens > 0 {
		usage["completion_tokens"] = msg.CompletionTokens
	}
	if msg.TotalTokens > 0 {
		usage["total_tokens"] = msg.TotalTokens
	}
	return usage
}

func floatSetting(settings map[string]any, key string, fallback float64) float64 {
	switch v := settings[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

func intSetting(settings map[string]any, key string) int {
	switch v := settings[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func stringsSetting(settings map[string]any, key string) []string {
	raw, ok := settings[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
