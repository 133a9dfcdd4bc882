package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/schulte-trainer/internal/game"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a write violates a unique constraint
	ErrDuplicate = errors.New("duplicate")
)

// SessionReader looks sessions up by identity
type SessionReader interface {
	GetSession(ctx context.Context, id uuid.UUID) (*game.Session, error)
	GetSessionByClientID(ctx context.Context, userID uuid.UUID, clientSessionID string) (*game.Session, error)
}

// Tx is the set of reads and writes that run inside one user transaction
type Tx interface {
	SessionReader

	InsertSession(ctx context.Context, s *game.Session) error
	DeleteSession(ctx context.Context, id uuid.UUID) error

	// CompletedTimes returns every stored completion time for a config
	CompletedTimes(ctx context.Context, userID uuid.UUID, cfg game.Config) ([]int64, error)
	// CompletedConfigs returns the distinct configs with completed sessions
	CompletedConfigs(ctx context.Context, userID uuid.UUID) ([]game.Config, error)
	CountSessions(ctx context.Context, userID uuid.UUID) (total, completed int, err error)
	// LastCompletedStart returns the start of the newest completed session, or nil
	LastCompletedStart(ctx context.Context, userID uuid.UUID) (*time.Time, error)

	Stats(ctx context.Context, userID uuid.UUID) (*UserStats, error)
	SaveStats(ctx context.Context, stats *UserStats) error

	DailyEntry(ctx context.Context, userID uuid.UUID, cfg game.Config, date time.Time) (*DailyEntry, error)
	InsertDailyEntry(ctx context.Context, e *DailyEntry) error
	UpdateDailyEntry(ctx context.Context, e *DailyEntry) error
	DeleteDailyEntryForSession(ctx context.Context, sessionID uuid.UUID) (bool, error)
}

// Reader serves queries outside of write transactions
type Reader interface {
	SessionReader

	ListSessions(ctx context.Context, userID uuid.UUID, filter SessionFilter) ([]*game.Session, int, error)

	GetDailyEntry(ctx context.Context, userID uuid.UUID, cfg game.Config, date time.Time) (*DailyEntry, error)
	DailyRankings(ctx context.Context, cfg game.Config, date time.Time, limit, offset int) ([]RankedEntry, int, error)
	AllTimeRankings(ctx context.Context, cfg game.Config, limit, offset int) ([]RankedEntry, int, error)
	// CountFasterDaily counts entries of a config/date with a strictly smaller time
	CountFasterDaily(ctx context.Context, cfg game.Config, date time.Time, timeMs int64) (int, error)
	// AllTimeBest returns a user's minimum daily best for a config
	AllTimeBest(ctx context.Context, userID uuid.UUID, cfg game.Config) (int64, error)
	// CountFasterAllTime counts users whose all-time best is strictly smaller
	CountFasterAllTime(ctx context.Context, cfg game.Config, timeMs int64) (int, error)

	GetStats(ctx context.Context, userID uuid.UUID) (*UserStats, error)
}

// UserStore persists accounts
type UserStore interface {
	UserByID(ctx context.Context, id uuid.UUID) (*User, error)
	UserBySubject(ctx context.Context, subject string) (*User, error)
	// CreateUser inserts the user together with an empty stats row
	CreateUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, u *User) error
}

// Store is the relational store behind the engines
type Store interface {
	Reader
	UserStore

	// WithinUserTx runs fn in one transaction that serializes writers of userID.
	// Nothing fn wrote is kept when it returns an error.
	WithinUserTx(ctx context.Context, userID uuid.UUID, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close()
}
