// Package server wires the chat orchestrator, provider registry, and store
// behind an HTTP API. Authentication is an external collaborator: the user
// identity arrives as the X-User-ID header set by the fronting auth layer.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"chatstream/internal/apperr"
	"chatstream/internal/chat"
	"chatstream/internal/config"
	"chatstream/internal/metrics"
	"chatstream/internal/provider"
	"chatstream/internal/store"
)

// Server is the HTTP front of the service.
type Server struct {
	httpServer *http.Server

	service  *chat.Service
	registry *provider.Registry
	store    store.Store
	metrics  *metrics.Registry
}

// New constructs a Server from its collaborators.
func New(cfg *config.Config, service *chat.Service, registry *provider.Registry, st store.Store, reg *metrics.Registry) *Server {
	s := &Server{
		service:  service,
		registry: registry,
		store:    st,
		metrics:  reg,
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/chat/stream", s.handleChatStream).Methods(http.MethodPost)
	api.HandleFunc("/chat/retry", s.handleChatRetry).Methods(http.MethodPost)
	api.HandleFunc("/chat/cancel", s.handleChatCancel).Methods(http.MethodPost)

	api.HandleFunc("/providers", s.handleListProviders).Methods(http.MethodGet)
	api.HandleFunc("/providers/{id}/models", s.handleListModels).Methods(http.MethodGet)
	api.HandleFunc("/providers/{id}/health", s.handleProviderHealth).Methods(http.MethodGet)
	api.HandleFunc("/providers/{id}/capabilities", s.handleProviderCapabilities).Methods(http.MethodGet)

	api.HandleFunc("/conversations", s.handleCreateConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.handleListMessages).Methods(http.MethodGet)

	api.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	var handler http.Handler = r
	handler = loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = recoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE responses are long-lived by design.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start begins listening and blocks until the server is stopped.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Handler returns the underlying http.Handler (for use in tests with
// httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type chatStreamRequest struct {
	ConversationID string         `json:"conversation_id"`
	ProviderID     string         `json:"provider_id"`
	Model          string         `json:"model"`
	Input          string         `json:"input"`
	Settings       map[string]any `json:"settings"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		apperr.WriteJSON(w, apperr.Validation("Missing X-User-ID header"), RequestID(r))
		return
	}

	var req chatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSON(w, apperr.Validation("Malformed request body"), RequestID(r))
		return
	}
	if req.ConversationID == "" || req.ProviderID == "" || req.Model == "" || req.Input == "" {
		apperr.WriteJSON(w, apperr.Validation("conversation_id, provider_id, model, and input are required"), RequestID(r))
		return
	}

	frames, err := s.service.StreamChat(r.Context(), chat.StreamParams{
		UserID:         user,
		ConversationID: req.ConversationID,
		ProviderID:     req.ProviderID,
		Model:          req.Model,
		Input:          req.Input,
		Settings:       req.Settings,
		RequestID:      RequestID(r),
	})
	if err != nil {
		apperr.WriteJSON(w, err, RequestID(r))
		return
	}
	s.writeFrames(w, frames)
}

type chatRetryRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleChatRetry(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		apperr.WriteJSON(w, apperr.Validation("Missing X-User-ID header"), RequestID(r))
		return
	}

	var req chatRetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		apperr.WriteJSON(w, apperr.Validation("conversation_id is required"), RequestID(r))
		return
	}

	frames, err := s.service.RetryLastTurn(r.Context(), user, req.ConversationID, RequestID(r))
	if err != nil {
		apperr.WriteJSON(w, err, RequestID(r))
		return
	}
	s.writeFrames(w, frames)
}

// writeFrames relays wire frames to the client, flushing after each one. The
// channel is drained to the end even if the client connection breaks, so the
// orchestrator always finishes its bookkeeping.
func (s *Server) writeFrames(w http.ResponseWriter, frames <-chan string) {
	setSSEHeaders(w)
	fw := newFlushWriter(w)

	writable := true
	for frame := range frames {
		if !writable {
			continue
		}
		if _, err := fw.Write([]byte(frame)); err != nil {
			writable = false
			continue
		}
		fw.Flush()
	}
}

type chatCancelRequest struct {
	StreamID string `json:"stream_id"`
}

func (s *Server) handleChatCancel(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		apperr.WriteJSON(w, apperr.Validation("Missing X-User-ID header"), RequestID(r))
		return
	}

	var req chatCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StreamID == "" {
		apperr.WriteJSON(w, apperr.Validation("stream_id is required"), RequestID(r))
		return
	}

	if !s.service.CancelStream(req.StreamID, user) {
		apperr.WriteJSON(w, apperr.NotFound("Stream not found"), RequestID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"canceled": true})
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.registry.ListProviders(r.Context()),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	models, err := s.registry.ListModels(r.Context(), id)
	if err != nil {
		apperr.WriteJSON(w, err, RequestID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		apperr.WriteJSON(w, err, RequestID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": p.Healthcheck(r.Context())})
}

func (s *Server) handleProviderCapabilities(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.Get(mux.Vars(r)["id"])
	if err != nil {
		apperr.WriteJSON(w, err, RequestID(r))
		return
	}
	caps, err := p.Capabilities(r.Context(), r.URL.Query().Get("model"))
	if err != nil {
		apperr.WriteJSON(w, err, RequestID(r))
		return
	}
	writeJSON(w, http.StatusOK, caps)
}

type createConversationRequest struct {
	Title        string `json:"title"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		apperr.WriteJSON(w, apperr.Validation("Missing X-User-ID header"), RequestID(r))
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSON(w, apperr.Validation("Malformed request body"), RequestID(r))
		return
	}

	conv, err := s.store.CreateConversation(r.Context(), user, req.Title, req.Model, req.SystemPrompt)
	if err != nil {
		apperr.WriteJSON(w, err, RequestID(r))
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		apperr.WriteJSON(w, apperr.Validation("Missing X-User-ID header"), RequestID(r))
		return
	}

	convs, err := s.store.ListUserConversations(r.Context(), user)
	if err != nil {
		apperr.WriteJSON(w, err, RequestID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		apperr.WriteJSON(w, apperr.Validation("Missing X-User-ID header"), RequestID(r))
		return
	}

	conversationID := mux.Vars(r)["id"]
	conv, err := s.store.GetUserConversation(r.Context(), user, conversationID)
	if err != nil {
		apperr.WriteJSON(w, err, RequestID(r))
		return
	}
	if conv == nil {
		apperr.WriteJSON(w, apperr.NotFound("Conversation not found"), RequestID(r))
		return
	}

	msgs, err := s.store.GetConversationMessages(r.Context(), conversationID)
	if err != nil {
		apperr.WriteJSON(w, err, RequestID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
