package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MLTQ/ponderer-backend/internal/storage"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.ListConversations(r.Context(), queryLimit(r, 50))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, conversations)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	_ = decodeJSON(r, &body)

	conv := &models.Conversation{
		ID:           uuid.NewString(),
		Title:        body.Title,
		RuntimeState: models.RuntimeIdle,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateConversation(r.Context(), conv); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonStatus(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.notFoundOrError(w, err)
		return
	}
	jsonResponse(w, conv)
}

func (s *Server) handleConversationSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	summary, err := s.store.GetSummary(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			jsonResponse(w, nil)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, summary)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	messages, err := s.store.ListMessages(r.Context(), id, queryLimit(r, 50))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, messages)
}

// handlePostMessage appends an operator message and marks it queued; the
// reply is immediate ({status, message_id}) and actual turn processing
// happens on the scheduler's next engaged tick, woken early by the Wake
// signal below.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Content == "" {
		jsonError(w, "content is required", http.StatusBadRequest)
		return
	}

	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		s.notFoundOrError(w, err)
		return
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: id,
		Role:           models.MessageRoleOperator,
		Content:        body.Content,
		Processed:      false,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.AppendMessage(r.Context(), msg); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.scheduler != nil {
		s.scheduler.Wake()
	}
	if s.onActivity != nil {
		s.onActivity()
	}

	jsonStatus(w, http.StatusAccepted, map[string]string{
		"status":     "queued",
		"message_id": msg.ID,
	})
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turns, err := s.store.ListTurns(r.Context(), id, queryLimit(r, 50))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, turns)
}

func (s *Server) handleTurnToolCalls(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := s.store.ListToolCalls(r.Context(), id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, records)
}

func (s *Server) handleTurnPrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turn, err := s.store.GetTurn(r.Context(), id)
	if err != nil {
		s.notFoundOrError(w, err)
		return
	}
	jsonResponse(w, map[string]string{
		"prompt_text":        turn.PromptText,
		"system_prompt_text": turn.SystemPromptText,
	})
}

func (s *Server) notFoundOrError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		jsonError(w, "not found", http.StatusNotFound)
		return
	}
	jsonError(w, err.Error(), http.StatusInternalServerError)
}
