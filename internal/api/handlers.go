package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/auth"
	"github.com/schulte-trainer/internal/constants"
	"github.com/schulte-trainer/internal/game"
	"github.com/schulte-trainer/internal/kafka"
	"github.com/schulte-trainer/internal/leaderboard"
	"github.com/schulte-trainer/internal/sessions"
	"github.com/schulte-trainer/internal/storage"
	"github.com/schulte-trainer/internal/users"
)

// Pinger reports whether the backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds API handler dependencies
type Handlers struct {
	sessions *sessions.Service
	board    *leaderboard.Engine
	users    *users.Service
	producer *kafka.Producer
	consumer *kafka.Consumer
	db       Pinger
	dbMode   string
	now      func() time.Time
}

// NewHandlers creates a new API handlers instance. consumer may be nil when
// analytics consumption is disabled.
func NewHandlers(sessionSvc *sessions.Service, board *leaderboard.Engine, userSvc *users.Service, producer *kafka.Producer, consumer *kafka.Consumer, db Pinger, dbMode string) *Handlers {
	return &Handlers{
		sessions: sessionSvc,
		board:    board,
		users:    userSvc,
		producer: producer,
		consumer: consumer,
		db:       db,
		dbMode:   dbMode,
		now:      time.Now,
	}
}

// SetClock replaces the clock used for "today"
func (h *Handlers) SetClock(now func() time.Time) {
	h.now = now
}

// RegisterRoutes registers the /api/v1 routes
func (h *Handlers) RegisterRoutes(r chi.Router, authn *auth.Middleware) {
	r.Group(func(r chi.Router) {
		r.Use(authn.RequireUser)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Get("/", h.ListSessions)
			r.Post("/sync", h.SyncSessions)
			r.Get("/{id}", h.GetSession)
			r.Delete("/{id}", h.DeleteSession)
		})

		r.Get("/users/me", h.GetMe)
		r.Patch("/users/me", h.UpdateMe)
		r.Patch("/users/me/preferences", h.UpdatePreferences)
	})

	r.Group(func(r chi.Router) {
		r.Use(authn.OptionalUser)

		r.Get("/leaderboards/daily", h.GetDailyLeaderboard)
		r.Get("/leaderboards/daily/{date}", h.GetDailyLeaderboard)
		r.Get("/leaderboards/all-time", h.GetAllTimeLeaderboard)
	})

	r.Get("/users/{id}", h.GetPublicProfile)
	r.Get("/grid", h.GetGrid)
	r.Get("/analytics", h.GetAnalytics)
}

// GetGrid returns a freshly shuffled grid layout
func (h *Handlers) GetGrid(w http.ResponseWriter, r *http.Request) {
	size, err := intQuery(r, "size", constants.DefaultGridSize)
	if err != nil {
		respondError(w, r, err)
		return
	}
	mode := game.OrderMode(r.URL.Query().Get("order_mode"))
	if mode == "" {
		mode = game.OrderAscending
	}
	if !mode.Valid() {
		respondError(w, r, &game.ValidationError{Field: "order_mode", Message: "must be ASC or DESC"})
		return
	}

	board, err := game.NewBoard(size, mode, rand.New(rand.NewSource(time.Now().UnixNano())))
	if err != nil {
		respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"board":         board,
		"startingValue": game.StartingTarget(size, mode),
	})
}

// GetAnalytics returns event-stream aggregates
func (h *Handlers) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"kafkaEnabled": h.producer.IsEnabled(),
	}

	if h.consumer != nil {
		response["kafka"] = map[string]interface{}{
			"avgCompletionMs":  h.consumer.GetAverageCompletionTime(),
			"mostPlayedConfig": h.consumer.GetMostPlayedConfig(),
			"sessionsPerHour":  h.consumer.GetSessionsPerHour(h.now()),
			"metrics":          h.consumer.GetMetrics(),
		}
	}

	respondJSON(w, http.StatusOK, response)
}

// Health reports whether the store is reachable
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("health check failed")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "unhealthy",
			"database": err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"database":     h.dbMode,
		"kafkaEnabled": h.producer.IsEnabled(),
	})
}

type errorResponse struct {
	Detail string `json:"detail"`
	Field  string `json:"field,omitempty"`
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError maps service errors onto status codes
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *game.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: verr.Error(), Field: verr.Field})
	case errors.Is(err, storage.ErrNotFound):
		respondJSON(w, http.StatusNotFound, errorResponse{Detail: "not found"})
	case errors.Is(err, auth.ErrUnauthenticated):
		respondJSON(w, http.StatusUnauthorized, errorResponse{Detail: "not authenticated"})
	case errors.Is(err, errBodyTooLarge):
		respondJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Detail: err.Error()})
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondJSON(w, http.StatusInternalServerError, errorResponse{Detail: "internal server error"})
	}
}

var errBodyTooLarge = errors.New("request body too large")

// decodeJSON reads a size-limited request body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errBodyTooLarge
		}
		return &game.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

// intQuery parses an optional integer query parameter
func intQuery(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &game.ValidationError{Field: name, Message: "must be an integer"}
	}
	return n, nil
}

// optionalInt parses an integer query parameter that may be absent
func optionalInt(r *http.Request, name string) (*int, error) {
	if r.URL.Query().Get(name) == "" {
		return nil, nil
	}
	n, err := intQuery(r, name, 0)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// currentUser returns the authenticated user; RequireUser guarantees it
func currentUser(r *http.Request) (uuid.UUID, error) {
	id, ok := auth.UserID(r.Context())
	if !ok {
		return uuid.Nil, auth.ErrUnauthenticated
	}
	return id, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, &game.ValidationError{Field: name, Message: "must be a UUID"}
	}
	return id, nil
}
