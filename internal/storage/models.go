package storage

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/schulte-trainer/internal/game"
)

// User represents an account federated from the identity provider
type User struct {
	ID          uuid.UUID   `json:"id"`
	Subject     string      `json:"-"`
	Email       *string     `json:"email"`
	DisplayName *string     `json:"display_name"`
	AvatarURL   *string     `json:"avatar_url"`
	Preferences Preferences `json:"preferences"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   *time.Time  `json:"updated_at,omitempty"`
}

// Preferences holds the client settings stored for a user
type Preferences struct {
	Theme           string `json:"theme"`
	HapticFeedback  bool   `json:"hapticFeedback"`
	SoundEffects    bool   `json:"soundEffects"`
	ShowHints       bool   `json:"showHints"`
	ShowFixationDot bool   `json:"showFixationDot"`
	DefaultGridSize int    `json:"defaultGridSize"`
	DefaultMaxTime  int    `json:"defaultMaxTime"`
}

// DefaultPreferences returns the settings a new user starts with
func DefaultPreferences() Preferences {
	return Preferences{
		Theme:           "system",
		HapticFeedback:  true,
		SoundEffects:    false,
		ShowHints:       false,
		ShowFixationDot: true,
		DefaultGridSize: 5,
		DefaultMaxTime:  120,
	}
}

// UserStats is the per-user aggregate derived from session history
type UserStats struct {
	UserID            uuid.UUID        `json:"-"`
	TotalSessions     int              `json:"totalSessions"`
	CompletedSessions int              `json:"completedSessions"`
	CurrentStreak     int              `json:"currentStreak"`
	LongestStreak     int              `json:"longestStreak"`
	LastPlayedAt      *time.Time       `json:"lastPlayedAt"`
	BestTimes         map[string]int64 `json:"bestTimes"`
	AvgTimes          map[string]int64 `json:"avgTimes"`
	UpdatedAt         time.Time        `json:"-"`
}

// NewUserStats returns the empty stats a new user starts with
func NewUserStats(userID uuid.UUID) *UserStats {
	return &UserStats{
		UserID:    userID,
		BestTimes: make(map[string]int64),
		AvgTimes:  make(map[string]int64),
	}
}

// Clone returns a deep copy of the stats
func (s *UserStats) Clone() *UserStats {
	c := *s
	c.BestTimes = make(map[string]int64, len(s.BestTimes))
	for k, v := range s.BestTimes {
		c.BestTimes[k] = v
	}
	c.AvgTimes = make(map[string]int64, len(s.AvgTimes))
	for k, v := range s.AvgTimes {
		c.AvgTimes[k] = v
	}
	if s.LastPlayedAt != nil {
		t := *s.LastPlayedAt
		c.LastPlayedAt = &t
	}
	return &c
}

// DailyEntry is a user's best time for one configuration on one date
type DailyEntry struct {
	ID         uuid.UUID      `json:"id"`
	UserID     uuid.UUID      `json:"user_id"`
	SessionID  uuid.UUID      `json:"session_id"`
	GridSize   int            `json:"grid_size"`
	OrderMode  game.OrderMode `json:"order_mode"`
	BestTimeMs int64          `json:"best_time_ms"`
	Date       time.Time      `json:"date"`
	CreatedAt  time.Time      `json:"-"`
	UpdatedAt  time.Time      `json:"-"`
}

// RankedEntry represents one row of a leaderboard page
type RankedEntry struct {
	Rank        int       `json:"rank"`
	UserID      uuid.UUID `json:"user_id"`
	DisplayName *string   `json:"display_name"`
	BestTimeMs  int64     `json:"best_time_ms"`
	Date        time.Time `json:"date"`
}

// SessionFilter narrows a session listing
type SessionFilter struct {
	GridSize  *int
	OrderMode *game.OrderMode
	Status    *game.Status
	Page      int
	PerPage   int
}

// Offset returns the row offset of the filter's page
func (f SessionFilter) Offset() int {
	if f.Page < 1 || f.PerPage < 1 {
		return 0
	}
	if f.Page-1 > math.MaxInt/f.PerPage {
		return math.MaxInt
	}
	return (f.Page - 1) * f.PerPage
}

func (f SessionFilter) matches(s *game.Session) bool {
	if f.GridSize != nil && s.GridSize != *f.GridSize {
		return false
	}
	if f.OrderMode != nil && s.OrderMode != *f.OrderMode {
		return false
	}
	if f.Status != nil && s.Status != *f.Status {
		return false
	}
	return true
}
