package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/constants"
	"github.com/schulte-trainer/internal/game"
	"github.com/schulte-trainer/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Engine maintains the daily best-of-day entries and serves rankings
type Engine struct {
	store  storage.Reader
	logger zerolog.Logger
}

// NewEngine creates a leaderboard engine reading rankings from store
func NewEngine(store storage.Reader, logger zerolog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// UpsertDaily records timeMs as the user's best of date for a config. An
// existing entry is only replaced by a strictly smaller time. changed
// reports whether anything was written.
func (e *Engine) UpsertDaily(ctx context.Context, tx storage.Tx, userID, sessionID uuid.UUID, gridSize int, mode game.OrderMode, timeMs int64, date time.Time) (*storage.DailyEntry, bool, error) {
	cfg := game.Config{GridSize: gridSize, OrderMode: mode}

	existing, err := tx.DailyEntry(ctx, userID, cfg, date)
	if errors.Is(err, storage.ErrNotFound) {
		entry := &storage.DailyEntry{
			ID:         uuid.New(),
			UserID:     userID,
			SessionID:  sessionID,
			GridSize:   gridSize,
			OrderMode:  mode,
			BestTimeMs: timeMs,
			Date:       game.Day(date),
		}
		if err := tx.InsertDailyEntry(ctx, entry); err != nil {
			return nil, false, fmt.Errorf("insert daily entry: %w", err)
		}
		return entry, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load daily entry: %w", err)
	}

	if timeMs >= existing.BestTimeMs {
		return existing, false, nil
	}

	existing.BestTimeMs = timeMs
	existing.SessionID = sessionID
	if err := tx.UpdateDailyEntry(ctx, existing); err != nil {
		return nil, false, fmt.Errorf("update daily entry: %w", err)
	}
	return existing, true, nil
}

// RemoveForSession deletes the daily entry that points at sessionID, if any.
// The entry is not rebuilt from the user's remaining sessions of that day.
func (e *Engine) RemoveForSession(ctx context.Context, tx storage.Tx, sessionID uuid.UUID) (bool, error) {
	removed, err := tx.DeleteDailyEntryForSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete daily entry: %w", err)
	}
	return removed, nil
}

// Rankings returns one page of a daily board, fastest first
func (e *Engine) Rankings(ctx context.Context, gridSize int, mode game.OrderMode, date time.Time, limit, offset int) ([]storage.RankedEntry, int, error) {
	cfg := game.Config{GridSize: gridSize, OrderMode: mode}
	return e.store.DailyRankings(ctx, cfg, game.Day(date), limit, offset)
}

// AllTimeRankings ranks each user's best daily time ever for a config
func (e *Engine) AllTimeRankings(ctx context.Context, gridSize int, mode game.OrderMode, limit, offset int) ([]storage.RankedEntry, int, error) {
	cfg := game.Config{GridSize: gridSize, OrderMode: mode}
	return e.store.AllTimeRankings(ctx, cfg, limit, offset)
}

// UserRank returns 1 + the number of strictly faster entries on the user's
// daily board. ok is false when the user has no entry.
func (e *Engine) UserRank(ctx context.Context, userID uuid.UUID, gridSize int, mode game.OrderMode, date time.Time) (rank int, timeMs int64, ok bool, err error) {
	cfg := game.Config{GridSize: gridSize, OrderMode: mode}

	entry, err := e.store.GetDailyEntry(ctx, userID, cfg, date)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}

	faster, err := e.store.CountFasterDaily(ctx, cfg, date, entry.BestTimeMs)
	if err != nil {
		return 0, 0, false, err
	}
	return faster + 1, entry.BestTimeMs, true, nil
}

// AllTimeUserRank is UserRank over the all-time board
func (e *Engine) AllTimeUserRank(ctx context.Context, userID uuid.UUID, gridSize int, mode game.OrderMode) (rank int, timeMs int64, ok bool, err error) {
	cfg := game.Config{GridSize: gridSize, OrderMode: mode}

	best, err := e.store.AllTimeBest(ctx, userID, cfg)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}

	faster, err := e.store.CountFasterAllTime(ctx, cfg, best)
	if err != nil {
		return 0, 0, false, err
	}
	return faster + 1, best, true, nil
}

// Query selects one board page
type Query struct {
	GridSize  int
	OrderMode game.OrderMode
	Date      time.Time
	Limit     int
	Offset    int
	// Caller, when set, adds the caller's own rank to the board
	Caller *uuid.UUID
}

// Normalize fills defaults and rejects out-of-range values
func (q *Query) Normalize() error {
	if q.GridSize == 0 {
		q.GridSize = constants.DefaultGridSize
	}
	if err := game.ValidateGridSize(q.GridSize); err != nil {
		return err
	}
	if q.OrderMode == "" {
		q.OrderMode = game.OrderAscending
	}
	if !q.OrderMode.Valid() {
		return &game.ValidationError{Field: "order_mode", Message: "must be ASC or DESC"}
	}
	if q.Limit == 0 {
		q.Limit = constants.DefaultLeaderboardLimit
	}
	if q.Limit < 1 || q.Limit > constants.MaxLeaderboardLimit {
		return &game.ValidationError{Field: "limit", Message: "must be between 1 and 100"}
	}
	if q.Offset < 0 {
		return &game.ValidationError{Field: "offset", Message: "must be >= 0"}
	}
	return nil
}

// Meta describes the board a page belongs to
type Meta struct {
	GridSize     int            `json:"grid_size"`
	OrderMode    game.OrderMode `json:"order_mode"`
	Date         *time.Time     `json:"date,omitempty"`
	TotalEntries int            `json:"total_entries"`
}

// CallerRank is the requesting user's position on a board
type CallerRank struct {
	Rank       int   `json:"rank"`
	BestTimeMs int64 `json:"best_time_ms"`
}

// Board is one page of rankings with its metadata
type Board struct {
	Data        []storage.RankedEntry `json:"data"`
	Meta        Meta                  `json:"meta"`
	CurrentUser *CallerRank           `json:"current_user"`
}

// Daily builds a page of the daily board for q.Date
func (e *Engine) Daily(ctx context.Context, q Query) (*Board, error) {
	if err := q.Normalize(); err != nil {
		return nil, err
	}
	day := game.Day(q.Date)

	board := &Board{
		Meta: Meta{GridSize: q.GridSize, OrderMode: q.OrderMode, Date: &day},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entries, total, err := e.Rankings(ctx, q.GridSize, q.OrderMode, day, q.Limit, q.Offset)
		if err != nil {
			return fmt.Errorf("daily rankings: %w", err)
		}
		board.Data = entries
		board.Meta.TotalEntries = total
		return nil
	})
	if q.Caller != nil {
		g.Go(func() error {
			rank, timeMs, ok, err := e.UserRank(ctx, *q.Caller, q.GridSize, q.OrderMode, day)
			if err != nil {
				return fmt.Errorf("daily user rank: %w", err)
			}
			if ok {
				board.CurrentUser = &CallerRank{Rank: rank, BestTimeMs: timeMs}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if board.Data == nil {
		board.Data = []storage.RankedEntry{}
	}
	return board, nil
}

// AllTime builds a page of the all-time board
func (e *Engine) AllTime(ctx context.Context, q Query) (*Board, error) {
	if err := q.Normalize(); err != nil {
		return nil, err
	}

	board := &Board{
		Meta: Meta{GridSize: q.GridSize, OrderMode: q.OrderMode},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entries, total, err := e.AllTimeRankings(ctx, q.GridSize, q.OrderMode, q.Limit, q.Offset)
		if err != nil {
			return fmt.Errorf("all-time rankings: %w", err)
		}
		board.Data = entries
		board.Meta.TotalEntries = total
		return nil
	})
	if q.Caller != nil {
		g.Go(func() error {
			rank, timeMs, ok, err := e.AllTimeUserRank(ctx, *q.Caller, q.GridSize, q.OrderMode)
			if err != nil {
				return fmt.Errorf("all-time user rank: %w", err)
			}
			if ok {
				board.CurrentUser = &CallerRank{Rank: rank, BestTimeMs: timeMs}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if board.Data == nil {
		board.Data = []storage.RankedEntry{}
	}
	return board, nil
}
