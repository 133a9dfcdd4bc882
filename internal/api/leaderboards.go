package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/schulte-trainer/internal/auth"
	"github.com/schulte-trainer/internal/game"
	"github.com/schulte-trainer/internal/leaderboard"
)

// boardQuery reads the query parameters shared by every board
func boardQuery(r *http.Request) (leaderboard.Query, error) {
	var q leaderboard.Query
	var err error

	if q.GridSize, err = intQuery(r, "grid_size", 0); err != nil {
		return q, err
	}
	q.OrderMode = game.OrderMode(r.URL.Query().Get("order_mode"))
	if q.Limit, err = intQuery(r, "limit", 0); err != nil {
		return q, err
	}
	if q.Offset, err = intQuery(r, "offset", 0); err != nil {
		return q, err
	}
	if id, ok := auth.UserID(r.Context()); ok {
		q.Caller = &id
	}
	// zero means "use the default"; an explicit zero is still out of range
	if r.URL.Query().Get("grid_size") != "" && q.GridSize == 0 {
		return q, game.ValidateGridSize(0)
	}
	if r.URL.Query().Get("limit") != "" && q.Limit == 0 {
		return q, &game.ValidationError{Field: "limit", Message: "must be between 1 and 100"}
	}
	return q, nil
}

// GetDailyLeaderboard returns the board for today or for the {date} path value
func (h *Handlers) GetDailyLeaderboard(w http.ResponseWriter, r *http.Request) {
	q, err := boardQuery(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	q.Date = h.now()
	if v := chi.URLParam(r, "date"); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			respondError(w, r, &game.ValidationError{Field: "date", Message: "must be YYYY-MM-DD"})
			return
		}
		q.Date = d
	}

	board, err := h.board.Daily(r.Context(), q)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, board)
}

// GetAllTimeLeaderboard returns each user's best time ever for a config
func (h *Handlers) GetAllTimeLeaderboard(w http.ResponseWriter, r *http.Request) {
	q, err := boardQuery(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	board, err := h.board.AllTime(r.Context(), q)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, board)
}
