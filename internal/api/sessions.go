package api

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/constants"
	"github.com/schulte-trainer/internal/game"
	"github.com/schulte-trainer/internal/storage"
)

type sessionDetail struct {
	*game.Session
	Summary game.TapSummary `json:"tap_summary"`
}

type paginationMeta struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type sessionPage struct {
	Data []*game.Session `json:"data"`
	Meta paginationMeta  `json:"meta"`
}

type syncRequest struct {
	Sessions []game.SessionInput `json:"sessions"`
}

type syncResponse struct {
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
}

// withoutTaps returns a shallow copy for list and create responses
func withoutTaps(s *game.Session) *game.Session {
	c := *s
	c.TapEvents = nil
	return &c
}

// CreateSession stores one training session. Replays of a client session id
// return the stored session unchanged.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var in game.SessionInput
	if err := decodeJSON(w, r, &in); err != nil {
		respondError(w, r, err)
		return
	}

	sess, created, err := h.sessions.CreateSession(r.Context(), userID, &in)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if !created {
		zerolog.Ctx(r.Context()).Debug().Str("session_id", sess.ID.String()).Msg("session replayed")
	}
	respondJSON(w, http.StatusCreated, withoutTaps(sess))
}

// ListSessions returns the caller's sessions, newest first
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var filter storage.SessionFilter
	if filter.Page, err = intQuery(r, "page", 1); err != nil {
		respondError(w, r, err)
		return
	}
	if filter.PerPage, err = intQuery(r, "per_page", constants.DefaultPerPage); err != nil {
		respondError(w, r, err)
		return
	}
	if filter.GridSize, err = optionalInt(r, "grid_size"); err != nil {
		respondError(w, r, err)
		return
	}
	if v := r.URL.Query().Get("order_mode"); v != "" {
		mode := game.OrderMode(v)
		filter.OrderMode = &mode
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := game.Status(v)
		filter.Status = &status
	}

	page, err := h.sessions.ListSessions(r.Context(), userID, filter)
	if err != nil {
		respondError(w, r, err)
		return
	}

	data := make([]*game.Session, len(page.Sessions))
	for i, s := range page.Sessions {
		data[i] = withoutTaps(s)
	}

	respondJSON(w, http.StatusOK, sessionPage{
		Data: data,
		Meta: paginationMeta{
			Page:       page.Page,
			PerPage:    page.PerPage,
			Total:      page.Total,
			TotalPages: page.TotalPages,
		},
	})
}

// GetSession returns one of the caller's sessions with its tap events
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		respondError(w, r, err)
		return
	}

	sess, err := h.sessions.GetSession(r.Context(), id, userID)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, sessionDetail{
		Session: sess,
		Summary: game.Summarize(sess.Config(), sess.TapEvents),
	})
}

// DeleteSession removes one of the caller's sessions
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		respondError(w, r, err)
		return
	}

	deleted, err := h.sessions.DeleteSession(r.Context(), id, userID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !deleted {
		respondError(w, r, storage.ErrNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SyncSessions stores a batch of sessions recorded offline
func (h *Handlers) SyncSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var req syncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	inputs := make([]*game.SessionInput, len(req.Sessions))
	for i := range req.Sessions {
		inputs[i] = &req.Sessions[i]
	}

	synced, skipped, err := h.sessions.BulkSync(r.Context(), userID, inputs)
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, syncResponse{Synced: synced, Skipped: skipped})
}
