package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/discussroom/internal/session"
)

// handleCreateSession fetches the room once and binds a new live session to it.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	live, info, err := s.sessions.Create(room)
	if err != nil {
		s.logger.Error().Err(err).Str("room_id", room.ID).Msg("create session")
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       info.ID,
		RoomID:          info.RoomID,
		Status:          info.Status,
		StartedAt:       info.StartedAt,
		LastActivityAt:  info.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
		Conversation:    live.Conversation.Snapshot(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	live, info, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, session.View{Info: info, Conversation: live.Conversation.Snapshot()})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	live, _, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	info, err := s.sessions.End(id)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("end session")
	}
	respondJSON(w, http.StatusOK, session.View{Info: info, Conversation: live.Conversation.Snapshot()})
}
