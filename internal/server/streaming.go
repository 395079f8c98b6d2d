package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"rechat/internal/stream"
	"rechat/internal/util"
	"rechat/pkg/domain"
	"rechat/pkg/store"
)

type sendMessageRequest struct {
	Content  string `json:"content"`
	Provider string `json:"provider"`
}

type resumeRequest struct {
	StreamID string `json:"streamId"`
	Provider string `json:"provider"`
}

// streamChunk is one line of the ndjson generation response body.
type streamChunk struct {
	Type      string `json:"type"` // start | delta | done | error
	MessageID string `json:"messageId,omitempty"`
	StreamID  string `json:"streamId,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if !s.allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	convID := r.PathValue("id")
	conv, err := s.store.GetConversation(r.Context(), convID, userID)
	if err != nil {
		writeStoreError(w, r, err, "load conversation failed")
		return
	}

	producer, err := s.providers.Producer(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	history, err := s.store.ListMessages(r.Context(), convID)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("load history failed", "err", err)
		writeError(w, http.StatusInternalServerError, "load history failed")
		return
	}

	now := time.Now().UTC()
	userMsg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		UserID:         userID,
		Role:           domain.RoleUser,
		Content:        content,
		State:          domain.StateComplete,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateMessage(r.Context(), userMsg); err != nil {
		util.LoggerFromContext(r.Context()).Error("save user message failed", "err", err)
		writeError(w, http.StatusInternalServerError, "save message failed")
		return
	}

	history = append(history, userMsg)
	run, err := s.writer.Start(r.Context(), conv, s.trimHistory(history), s.systemPrompt, producer)
	if err != nil {
		if errors.Is(err, stream.ErrGenerationActive) {
			writeError(w, http.StatusConflict, "a generation is already running for this conversation")
			return
		}
		util.LoggerFromContext(r.Context()).Error("start generation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "start generation failed")
		return
	}

	s.streamRun(w, r, run)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, userID string) {
	convID := r.PathValue("id")
	if !s.writer.Stop(convID, userID) {
		writeError(w, http.StatusNotFound, "no active generation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

type interruptedMessage struct {
	ID             string      `json:"id"`
	StreamID       string      `json:"streamId"`
	PartialContent string      `json:"partialContent"`
	Role           domain.Role `json:"role"`
}

func (s *Server) handleInterruptedProbe(w http.ResponseWriter, r *http.Request, userID string) {
	convID := r.PathValue("id")
	if _, err := s.store.GetConversation(r.Context(), convID, userID); err != nil {
		writeStoreError(w, r, err, "probe failed")
		return
	}
	msg, found, err := s.resumer.FindInterrupted(r.Context(), convID, userID)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("interrupted probe failed", "err", err)
		writeError(w, http.StatusInternalServerError, "probe failed")
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"interruptedMessage": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interruptedMessage": interruptedMessage{
		ID:             msg.ID,
		StreamID:       msg.StreamID,
		PartialContent: msg.PartialContent,
		Role:           msg.Role,
	}})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, userID string) {
	var req resumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.StreamID == "" {
		writeError(w, http.StatusBadRequest, "streamId is required")
		return
	}
	if !s.allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	convID := r.PathValue("id")
	producer, err := s.providers.Producer(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.resumer.Resume(r.Context(), req.StreamID, convID, userID, s.systemPrompt, producer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no interrupted generation matches")
			return
		}
		if errors.Is(err, stream.ErrGenerationActive) {
			writeError(w, http.StatusConflict, "a generation is already running for this conversation")
			return
		}
		util.LoggerFromContext(r.Context()).Error("resume failed", "err", err)
		writeError(w, http.StatusInternalServerError, "resume failed")
		return
	}

	s.streamRun(w, r, run)
}

// streamRun writes the generation as line-delimited JSON chunks. The
// first delta replays everything accumulated so far, so primary
// requests and resumed ones share the same framing. A client that goes
// away mid-body only detaches its listener; the run keeps going
// server-side.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, run *stream.Run) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	_ = enc.Encode(streamChunk{
		Type:      "start",
		MessageID: run.Message.ID,
		StreamID:  run.Message.StreamID,
	})
	flusher.Flush()

	snapshot, deltas := run.Attach()
	if snapshot != "" {
		_ = enc.Encode(streamChunk{Type: "delta", Content: snapshot})
		flusher.Flush()
	}

	for {
		select {
		case delta, open := <-deltas:
			if !open {
				s.writeTerminalChunk(enc, run)
				flusher.Flush()
				return
			}
			_ = enc.Encode(streamChunk{Type: "delta", Content: delta})
			flusher.Flush()
		case <-r.Context().Done():
			run.Detach(deltas)
			return
		}
	}
}

func (s *Server) writeTerminalChunk(enc *json.Encoder, run *stream.Run) {
	if err := run.Err(); err != nil {
		_ = enc.Encode(streamChunk{
			Type:      "error",
			MessageID: run.Message.ID,
			StreamID:  run.Message.StreamID,
			Error:     err.Error(),
		})
		return
	}
	_ = enc.Encode(streamChunk{
		Type:      "done",
		MessageID: run.Message.ID,
		StreamID:  run.Message.StreamID,
	})
}

// handleEvents is the long-lived live-update channel: one JSON payload
// per SSE data line, per-channel FIFO. Closure is detected lazily when
// a later publish finds the subscriber's buffer full.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe(userID)
	defer s.bus.Unsubscribe(userID, sub)

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) allow(userID string) bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow(userID)
}

func (s *Server) trimHistory(history []domain.Message) []domain.Message {
	if s.historyLimit <= 0 || len(history) <= s.historyLimit {
		return history
	}
	return history[len(history)-s.historyLimit:]
}
