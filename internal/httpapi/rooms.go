package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/discussroom/internal/rooms"
)

type createRoomRequest struct {
	Topic          string `json:"topic"`
	CoachingOption string `json:"coaching_option"`
	ExpertName     string `json:"expert_name"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	room := rooms.Room{
		Topic:          strings.TrimSpace(req.Topic),
		CoachingOption: strings.TrimSpace(req.CoachingOption),
		ExpertName:     strings.TrimSpace(req.ExpertName),
	}
	if err := room.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_room", err.Error())
		return
	}
	created, err := s.rooms.CreateRoom(r.Context(), room)
	if err != nil {
		s.logger.Error().Err(err).Msg("create room")
		respondError(w, http.StatusInternalServerError, "room_store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, room)
}

func (s *Server) handleRoomTranscript(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := s.rooms.Transcript(r.Context(), room.ID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "room_store_error", err.Error())
		return
	}
	if records == nil {
		records = []rooms.TranscriptRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"room_id": room.ID,
		"entries": records,
	})
}

func (s *Server) lookupRoom(w http.ResponseWriter, r *http.Request) (rooms.Room, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_room_id", "missing room id")
		return rooms.Room{}, false
	}
	room, err := s.rooms.GetRoom(r.Context(), id)
	switch {
	case errors.Is(err, rooms.ErrNotFound):
		respondError(w, http.StatusNotFound, "room_not_found", err.Error())
		return rooms.Room{}, false
	case err != nil:
		respondError(w, http.StatusInternalServerError, "room_store_error", err.Error())
		return rooms.Room{}, false
	}
	return room, true
}
