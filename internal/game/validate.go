package game

import (
	"strings"
)

const (
	MinGridSize = 4
	MaxGridSize = 10

	MinMaxTime = 30
	MaxMaxTime = 600

	MaxClientSessionIDLength = 255
	MaxSyncBatch             = 100

	// MaxTapsPerCell bounds tap_events at this many taps per grid cell
	MaxTapsPerCell = 10
)

// ValidationError reports malformed or out-of-range input
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// ValidateGridSize checks the grid size bounds
func ValidateGridSize(size int) error {
	if size < MinGridSize || size > MaxGridSize {
		return invalid("grid_size", "must be between 4 and 10")
	}
	return nil
}

// ValidateMaxTime checks the time limit bounds in seconds
func ValidateMaxTime(seconds int) error {
	if seconds < MinMaxTime || seconds > MaxMaxTime {
		return invalid("max_time", "must be between 30 and 600")
	}
	return nil
}

// Validate checks the payload before any side effect happens
func (in *SessionInput) Validate() error {
	id := strings.TrimSpace(in.ClientSessionID)
	if id == "" {
		return invalid("client_session_id", "is required")
	}
	if len(in.ClientSessionID) > MaxClientSessionIDLength {
		return invalid("client_session_id", "must be at most 255 characters")
	}
	if err := ValidateGridSize(in.GridSize); err != nil {
		return err
	}
	if err := ValidateMaxTime(in.MaxTime); err != nil {
		return err
	}
	if !in.OrderMode.Valid() {
		return invalid("order_mode", "must be ASC or DESC")
	}
	if !in.Status.Valid() {
		return invalid("status", "must be completed, timeout or abandoned")
	}
	if in.Status == StatusCompleted {
		if in.CompletionTimeMs == nil {
			return invalid("completion_time_ms", "is required for completed sessions")
		}
		if *in.CompletionTimeMs < 0 {
			return invalid("completion_time_ms", "must be >= 0")
		}
	}
	if in.Mistakes < 0 {
		return invalid("mistakes", "must be >= 0")
	}
	if in.Accuracy < 0 || in.Accuracy > 100 {
		return invalid("accuracy", "must be between 0 and 100")
	}
	if in.StartedAt.IsZero() {
		return invalid("started_at", "is required")
	}
	if in.CompletedAt != nil && in.CompletedAt.Before(in.StartedAt) {
		return invalid("completed_at", "must not be before started_at")
	}

	cells := in.GridSize * in.GridSize
	if len(in.TapEvents) > cells*MaxTapsPerCell {
		return invalid("tap_events", "too many taps for the grid")
	}
	for _, tap := range in.TapEvents {
		if err := tap.validate(cells); err != nil {
			return err
		}
	}

	return nil
}

func (t TapEvent) validate(cells int) error {
	if t.CellIndex < 0 || t.CellIndex >= cells {
		return invalid("tap_events.cellIndex", "outside the grid")
	}
	if t.ExpectedValue < 1 || t.ExpectedValue > cells {
		return invalid("tap_events.expectedValue", "outside the grid range")
	}
	if t.TappedValue < 1 || t.TappedValue > cells {
		return invalid("tap_events.tappedValue", "outside the grid range")
	}
	if t.TimestampMs < 0 {
		return invalid("tap_events.timestampMs", "must be >= 0")
	}
	return nil
}
