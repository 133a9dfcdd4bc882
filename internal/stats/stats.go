package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/game"
	"github.com/schulte-trainer/internal/storage"
)

// Engine maintains the per-user statistics cache
type Engine struct {
	now    func() time.Time
	logger zerolog.Logger
}

// NewEngine creates a statistics engine using the wall clock
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{now: time.Now, logger: logger}
}

// SetClock replaces the clock used for streaks and last-played timestamps
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Summarize returns the best and rounded mean of times. ok is false when
// times is empty.
func Summarize(times []int64) (best, avg int64, ok bool) {
	if len(times) == 0 {
		return 0, 0, false
	}

	best = times[0]
	var sum int64
	for _, t := range times {
		if t < best {
			best = t
		}
		sum += t
	}

	// half-way means round to even
	avg = int64(math.RoundToEven(float64(sum) / float64(len(times))))
	return best, avg, true
}

// NextStreak advances a streak for a completed session played at now
func NextStreak(lastPlayed *time.Time, current int, now time.Time) int {
	if lastPlayed == nil {
		return 1
	}

	switch days := game.DaysBetween(*lastPlayed, now); {
	case days <= 0:
		return max(current, 1)
	case days == 1:
		return current + 1
	default:
		return 1
	}
}

func loadStats(ctx context.Context, tx storage.Tx, userID uuid.UUID) (*storage.UserStats, error) {
	st, err := tx.Stats(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.NewUserStats(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	return st, nil
}

// IncrementalUpdate folds one newly stored session into the user's stats.
// The session must already be visible through tx.
func (e *Engine) IncrementalUpdate(ctx context.Context, tx storage.Tx, userID uuid.UUID, gridSize int, mode game.OrderMode, status game.Status, timeMs *int64) (*storage.UserStats, error) {
	st, err := loadStats(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	st.TotalSessions++

	if status == game.StatusCompleted && timeMs != nil {
		st.CompletedSessions++

		cfg := game.Config{GridSize: gridSize, OrderMode: mode}
		key := cfg.Key()

		if best, ok := st.BestTimes[key]; !ok || *timeMs < best {
			st.BestTimes[key] = *timeMs
		}

		times, err := tx.CompletedTimes(ctx, userID, cfg)
		if err != nil {
			return nil, fmt.Errorf("load completed times: %w", err)
		}
		if _, avg, ok := Summarize(times); ok {
			st.AvgTimes[key] = avg
		}

		now := e.now().UTC()
		st.CurrentStreak = NextStreak(st.LastPlayedAt, st.CurrentStreak, now)
		if st.CurrentStreak > st.LongestStreak {
			st.LongestStreak = st.CurrentStreak
		}
		st.LastPlayedAt = &now
	}

	if err := tx.SaveStats(ctx, st); err != nil {
		return nil, fmt.Errorf("save stats: %w", err)
	}
	return st, nil
}

// FullRecalculate rebuilds counts and per-config times from the stored
// sessions. The current streak is only checked against the most recent
// completed session and the longest streak is left as it is.
func (e *Engine) FullRecalculate(ctx context.Context, tx storage.Tx, userID uuid.UUID) (*storage.UserStats, error) {
	st, err := loadStats(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	total, completed, err := tx.CountSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	st.TotalSessions = total
	st.CompletedSessions = completed

	cfgs, err := tx.CompletedConfigs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load completed configs: %w", err)
	}

	st.BestTimes = make(map[string]int64, len(cfgs))
	st.AvgTimes = make(map[string]int64, len(cfgs))
	for _, cfg := range cfgs {
		times, err := tx.CompletedTimes(ctx, userID, cfg)
		if err != nil {
			return nil, fmt.Errorf("load completed times: %w", err)
		}
		if best, avg, ok := Summarize(times); ok {
			st.BestTimes[cfg.Key()] = best
			st.AvgTimes[cfg.Key()] = avg
		}
	}

	last, err := tx.LastCompletedStart(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load last completed session: %w", err)
	}
	if last == nil {
		st.LastPlayedAt = nil
		st.CurrentStreak = 0
	} else {
		played := last.UTC()
		st.LastPlayedAt = &played
		if game.DaysBetween(played, e.now()) <= 1 {
			st.CurrentStreak = max(st.CurrentStreak, 1)
		} else {
			st.CurrentStreak = 0
		}
	}

	if err := tx.SaveStats(ctx, st); err != nil {
		return nil, fmt.Errorf("save stats: %w", err)
	}

	e.logger.Debug().
		Str("user_id", userID.String()).
		Int("total_sessions", st.TotalSessions).
		Int("configs", len(cfgs)).
		Msg("stats recalculated")

	return st, nil
}
