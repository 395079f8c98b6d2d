// Package server exposes the chat API: conversation CRUD, streaming
// generation, resume, and per-user live updates.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"rechat/internal/ratelimit"
	"rechat/internal/stream"
	"rechat/internal/usertoken"
	"rechat/internal/util"
	"rechat/pkg/ai"
	"rechat/pkg/domain"
	"rechat/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store     store.Store
	Sessions  store.SessionResolver
	Verifier  *usertoken.Verifier
	Bus       *stream.Bus
	Writer    *stream.Manager
	Resumer   *stream.Coordinator
	Providers *ai.Registry
	Limiter   *ratelimit.FixedWindowLimiter
	Trusted   *util.TrustedProxies
	Logger    *slog.Logger

	SystemPrompt string
	HistoryLimit int
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	store     store.Store
	sessions  store.SessionResolver
	verifier  *usertoken.Verifier
	bus       *stream.Bus
	writer    *stream.Manager
	resumer   *stream.Coordinator
	providers *ai.Registry
	limiter   *ratelimit.FixedWindowLimiter
	trusted   *util.TrustedProxies
	logger    *slog.Logger

	systemPrompt string
	historyLimit int

	mux *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:        cfg.Store,
		sessions:     cfg.Sessions,
		verifier:     cfg.Verifier,
		bus:          cfg.Bus,
		writer:       cfg.Writer,
		resumer:      cfg.Resumer,
		providers:    cfg.Providers,
		limiter:      cfg.Limiter,
		trusted:      cfg.Trusted,
		logger:       logger,
		systemPrompt: cfg.SystemPrompt,
		historyLimit: cfg.HistoryLimit,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler with shared middleware applied.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithRequestLog(s.trusted, h)
	h = util.WithRequestID(h)
	h = util.WithCORS(h)
	h = util.WithSecurityHeaders(h)
	return h
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /events", s.withUser(s.handleEvents))

	s.mux.Handle("GET /conversations", s.withUser(s.handleListConversations))
	s.mux.Handle("POST /conversations", s.withUser(s.handleCreateConversation))
	s.mux.Handle("PATCH /conversations/{id}", s.withUser(s.handleRenameConversation))
	s.mux.Handle("DELETE /conversations/{id}", s.withUser(s.handleDeleteConversation))

	s.mux.Handle("GET /conversations/{id}/messages", s.withUser(s.handleListMessages))
	s.mux.Handle("POST /conversations/{id}/messages", s.withUser(s.handleSendMessage))
	s.mux.Handle("POST /conversations/{id}/stop", s.withUser(s.handleStop))
	s.mux.Handle("GET /conversations/{id}/interrupted", s.withUser(s.handleInterruptedProbe))
	s.mux.Handle("POST /conversations/{id}/resume", s.withUser(s.handleResume))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

// withUser resolves the bearer token to a user ID. Identity issuance is
// external; this service only verifies JWTs or looks up shared sessions.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := s.resolveUser(r, token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("token resolution failed", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) resolveUser(r *http.Request, token string) (string, error) {
	if s.verifier != nil {
		return s.verifier.VerifySubject(token)
	}
	if s.sessions != nil {
		userID, ok, err := s.sessions.UserIDByToken(r.Context(), token)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", nil
		}
		return userID, nil
	}
	return "", errors.New("no session resolver configured")
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New conversation"
	}
	now := time.Now().UTC()
	conv := domain.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(r.Context(), conv); err != nil {
		util.LoggerFromContext(r.Context()).Error("create conversation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "create conversation failed")
		return
	}
	s.bus.Publish(userID, domain.Event{
		Type:           domain.EventConversationCreated,
		ConversationID: conv.ID,
		Conversation:   &conv,
	})
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, userID string) {
	convs, err := s.store.ListConversations(r.Context(), userID)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list conversations failed", "err", err)
		writeError(w, http.StatusInternalServerError, "list conversations failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

type renameConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	var req renameConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := s.store.RenameConversation(r.Context(), id, userID, title); err != nil {
		writeStoreError(w, r, err, "rename conversation failed")
		return
	}
	conv, err := s.store.GetConversation(r.Context(), id, userID)
	if err != nil {
		writeStoreError(w, r, err, "rename conversation failed")
		return
	}
	s.bus.Publish(userID, domain.Event{
		Type:           domain.EventConversationUpdated,
		ConversationID: conv.ID,
		Conversation:   &conv,
	})
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	// An in-flight generation for the conversation dies with it.
	s.writer.Stop(id, userID)
	if err := s.store.DeleteConversation(r.Context(), id, userID); err != nil {
		writeStoreError(w, r, err, "delete conversation failed")
		return
	}
	s.bus.Publish(userID, domain.Event{
		Type:           domain.EventConversationDeleted,
		ConversationID: id,
	})
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if _, err := s.store.GetConversation(r.Context(), id, userID); err != nil {
		writeStoreError(w, r, err, "list messages failed")
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("list messages failed", "err", err)
		writeError(w, http.StatusInternalServerError, "list messages failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	util.LoggerFromContext(r.Context()).Error(msg, "err", err)
	writeError(w, http.StatusInternalServerError, msg)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
