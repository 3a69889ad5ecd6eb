package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/peterje/sampleterm/internal/bridge"
	"github.com/peterje/sampleterm/internal/hub"
	"github.com/peterje/sampleterm/internal/models"
	"github.com/peterje/sampleterm/internal/process"
)

// History is the read side of the session history store.
type History interface {
	List(ctx context.Context, limit int) ([]models.Session, error)
}

type SessionsHandler struct {
	hub     *hub.Hub
	history History
}

// NewSessionsHandler serves live sessions from h and stored ones from
// history, which may be nil when history is disabled.
func NewSessionsHandler(h *hub.Hub, history History) *SessionsHandler {
	return &SessionsHandler{hub: h, history: history}
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.hub.List())
}

func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.hub.Get(r.PathValue("id"))
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

func (h *SessionsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		WriteJSON(w, http.StatusOK, []models.Session{})
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	sessions, err := h.history.List(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list session history")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, sessions)
}

func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.hub.Stop(id); err != nil {
		if errors.Is(err, hub.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("session_id", id).Msg("Session stop requested")
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleResize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rows uint16 `json:"rows"`
		Cols uint16 `json:"cols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Rows == 0 || body.Cols == 0 {
		WriteError(w, http.StatusBadRequest, "rows and cols are required")
		return
	}

	err := h.hub.Resize(r.PathValue("id"), body.Rows, body.Cols)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, hub.ErrNotFound):
		WriteError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, process.ErrNotPTY), errors.Is(err, bridge.ErrNotOpen):
		WriteError(w, http.StatusConflict, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
