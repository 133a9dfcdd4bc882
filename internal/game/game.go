package game

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents how a training session ended
type Status string

const (
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusAbandoned Status = "abandoned"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusCompleted, StatusTimeout, StatusAbandoned:
		return true
	}
	return false
}

// OrderMode represents the direction numbers must be tapped in
type OrderMode string

const (
	OrderAscending  OrderMode = "ASC"
	OrderDescending OrderMode = "DESC"
)

// Valid reports whether m is one of the known order modes
func (m OrderMode) Valid() bool {
	return m == OrderAscending || m == OrderDescending
}

// Config identifies one leaderboard/statistics bucket
type Config struct {
	GridSize  int       `json:"gridSize"`
	OrderMode OrderMode `json:"orderMode"`
}

// Key returns the configuration key, e.g. "5-ASC"
func (c Config) Key() string {
	return fmt.Sprintf("%d-%s", c.GridSize, c.OrderMode)
}

// TapEvent represents a single tap on the grid
type TapEvent struct {
	CellIndex     int   `json:"cellIndex"`
	ExpectedValue int   `json:"expectedValue"`
	TappedValue   int   `json:"tappedValue"`
	Correct       bool  `json:"correct"`
	TimestampMs   int64 `json:"timestampMs"`
}

// Session represents a recorded training attempt
type Session struct {
	ID               uuid.UUID  `json:"id"`
	UserID           uuid.UUID  `json:"user_id"`
	ClientSessionID  string     `json:"client_session_id"`
	GridSize         int        `json:"grid_size"`
	MaxTime          int        `json:"max_time"`
	OrderMode        OrderMode  `json:"order_mode"`
	Status           Status     `json:"status"`
	CompletionTimeMs *int64     `json:"completion_time_ms"`
	Mistakes         int        `json:"mistakes"`
	Accuracy         float64    `json:"accuracy"`
	TapEvents        []TapEvent `json:"tap_events,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Config returns the session's grid configuration
func (s *Session) Config() Config {
	return Config{GridSize: s.GridSize, OrderMode: s.OrderMode}
}

// IsCompleted reports whether the session finished the grid with a time
func (s *Session) IsCompleted() bool {
	return s.Status == StatusCompleted && s.CompletionTimeMs != nil
}

// SessionInput is the client payload for a new session
type SessionInput struct {
	ClientSessionID  string     `json:"client_session_id"`
	GridSize         int        `json:"grid_size"`
	MaxTime          int        `json:"max_time"`
	OrderMode        OrderMode  `json:"order_mode"`
	Status           Status     `json:"status"`
	CompletionTimeMs *int64     `json:"completion_time_ms"`
	Mistakes         int        `json:"mistakes"`
	Accuracy         float64    `json:"accuracy"`
	TapEvents        []TapEvent `json:"tap_events"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
}

// NewSession builds a session for userID from a validated input
func NewSession(userID uuid.UUID, in *SessionInput, now time.Time) *Session {
	taps := in.TapEvents
	if taps == nil {
		taps = []TapEvent{}
	}

	s := &Session{
		ID:              uuid.New(),
		UserID:          userID,
		ClientSessionID: in.ClientSessionID,
		GridSize:        in.GridSize,
		MaxTime:         in.MaxTime,
		OrderMode:       in.OrderMode,
		Status:          in.Status,
		Mistakes:        in.Mistakes,
		Accuracy:        in.Accuracy,
		TapEvents:       taps,
		StartedAt:       in.StartedAt,
		CompletedAt:     in.CompletedAt,
		CreatedAt:       now,
	}

	// Only completed sessions carry a time
	if in.Status == StatusCompleted && in.CompletionTimeMs != nil {
		t := *in.CompletionTimeMs
		s.CompletionTimeMs = &t
	}

	return s
}

// Day truncates t to its UTC calendar date
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of calendar days from a to b (UTC)
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}
