package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// handleAgentStatus reports the scheduler's pause state and the latest
// orientation snapshot's disposition as visual_state.
func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"visual_state": "idle",
		"paused":       false,
	}
	if s.scheduler != nil {
		status["paused"] = s.scheduler.Paused()
	}
	if s.store != nil {
		if snapshot, err := s.store.LatestOrientation(r.Context()); err == nil && snapshot != nil {
			status["visual_state"] = string(snapshot.Disposition)
			status["user_state_estimate"] = snapshot.UserStateEstimate
		}
	}
	jsonResponse(w, status)
}

func (s *Server) handleAgentPause(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Paused bool `json:"paused"`
	}
	if err := decodeJSON(r, &body); err != nil {
		jsonError(w, "invalid body", http.StatusBadRequest)
		return
	}
	if s.scheduler != nil {
		if body.Paused {
			s.scheduler.Pause()
		} else {
			s.scheduler.Resume()
		}
	}
	jsonResponse(w, map[string]bool{"paused": body.Paused})
}

func (s *Server) handleAgentTogglePause(w http.ResponseWriter, r *http.Request) {
	paused := false
	if s.scheduler != nil {
		paused = !s.scheduler.Paused()
		if paused {
			s.scheduler.Pause()
		} else {
			s.scheduler.Resume()
		}
	}
	jsonResponse(w, map[string]bool{"paused": paused})
}

// handleAgentStop broadcasts the chat-turn manager's cancel signal,
// aborting any in-flight turn iteration.
func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	if s.chat != nil {
		s.chat.Stop()
	}
	jsonResponse(w, map[string]bool{"stopped": true})
}

// handleApproveTool session-grants toolName and re-drives the conversations
// currently suspended awaiting approval (see resumeAwaitingApproval; the
// suspended tool is not matched against toolName).
func (s *Server) handleApproveTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.chat == nil {
		jsonError(w, "chat manager unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := s.chat.Approvals().Grant(r.Context(), name); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.scheduler != nil {
		s.scheduler.Wake()
	}
	go s.resumeAwaitingApproval(name)

	jsonResponse(w, map[string]string{"tool": name, "status": "approved"})
}

// resumeAwaitingApproval re-drives every conversation currently suspended
// in RuntimeAwaitingApproval among the 50 most recently updated ones
// (ListConversations' default page). It runs detached from the request (the
// turn's continuation may itself take several LLM round trips), on a
// background context rather than the request's, which is cancelled the
// moment the handler returns.
func (s *Server) resumeAwaitingApproval(toolName string) {
	if s.store == nil || s.chat == nil {
		return
	}
	ctx := context.Background()
	conversations, err := s.store.ListConversations(ctx, 0)
	if err != nil {
		return
	}
	for _, c := range conversations {
		if c.RuntimeState != models.RuntimeAwaitingApproval {
			continue
		}
		_, _ = s.chat.ResumeConversation(ctx, c.ID)
	}
}
