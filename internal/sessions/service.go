package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/constants"
	"github.com/schulte-trainer/internal/game"
	"github.com/schulte-trainer/internal/leaderboard"
	"github.com/schulte-trainer/internal/partition"
	"github.com/schulte-trainer/internal/stats"
	"github.com/schulte-trainer/internal/storage"
)

// Service records training sessions and keeps the derived statistics and
// leaderboards in step with them
type Service struct {
	store  storage.Store
	stats  *stats.Engine
	board  *leaderboard.Engine
	locks  *partition.Locker
	now    func() time.Time
	logger zerolog.Logger

	// Callbacks, run after commit
	onSessionCreated    func(s *game.Session)
	onSessionDeleted    func(s *game.Session)
	onDailyBestImproved func(e *storage.DailyEntry)
}

// NewService creates a new session service
func NewService(store storage.Store, statsEngine *stats.Engine, board *leaderboard.Engine, locks *partition.Locker, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		stats:  statsEngine,
		board:  board,
		locks:  locks,
		now:    time.Now,
		logger: logger,
	}
}

// SetClock replaces the clock used for leaderboard dates and streaks
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.stats.SetClock(now)
}

// SetOnSessionCreated sets the callback for newly stored sessions
func (s *Service) SetOnSessionCreated(callback func(sess *game.Session)) {
	s.onSessionCreated = callback
}

// SetOnSessionDeleted sets the callback for deleted sessions
func (s *Service) SetOnSessionDeleted(callback func(sess *game.Session)) {
	s.onSessionDeleted = callback
}

// SetOnDailyBestImproved sets the callback for new or faster daily entries
func (s *Service) SetOnDailyBestImproved(callback func(e *storage.DailyEntry)) {
	s.onDailyBestImproved = callback
}

// CreateSession stores a session once per (user, client session id).
// Replays return the stored session with created=false and change nothing.
func (s *Service) CreateSession(ctx context.Context, userID uuid.UUID, in *game.SessionInput) (*game.Session, bool, error) {
	if err := in.Validate(); err != nil {
		return nil, false, err
	}
	return s.create(ctx, userID, in)
}

// create stores the session under the user's lock and runs the callbacks
// once the lock is released
func (s *Service) create(ctx context.Context, userID uuid.UUID, in *game.SessionInput) (*game.Session, bool, error) {
	result, created, improved, err := s.persist(ctx, userID, in)
	if err != nil || !created {
		return result, created, err
	}

	s.logger.Info().
		Str("user_id", userID.String()).
		Str("session_id", result.ID.String()).
		Int("grid_size", result.GridSize).
		Str("status", string(result.Status)).
		Msg("session created")

	if s.onSessionCreated != nil {
		s.onSessionCreated(result)
	}
	if improved != nil && s.onDailyBestImproved != nil {
		s.onDailyBestImproved(improved)
	}
	return result, true, nil
}

func (s *Service) persist(ctx context.Context, userID uuid.UUID, in *game.SessionInput) (result *game.Session, created bool, improved *storage.DailyEntry, err error) {
	release, err := s.locks.Acquire(ctx, userID)
	if err != nil {
		return nil, false, nil, err
	}
	defer release()

	err = s.store.WithinUserTx(ctx, userID, func(tx storage.Tx) error {
		existing, err := tx.GetSessionByClientID(ctx, userID, in.ClientSessionID)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("lookup session: %w", err)
		}

		now := s.now()
		sess := game.NewSession(userID, in, now)
		if err := tx.InsertSession(ctx, sess); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		if _, err := s.stats.IncrementalUpdate(ctx, tx, userID, sess.GridSize, sess.OrderMode, sess.Status, sess.CompletionTimeMs); err != nil {
			return err
		}

		if sess.IsCompleted() {
			entry, changed, err := s.board.UpsertDaily(ctx, tx, userID, sess.ID, sess.GridSize, sess.OrderMode, *sess.CompletionTimeMs, now)
			if err != nil {
				return err
			}
			if changed {
				improved = entry
			}
		}

		result = sess
		created = true
		return nil
	})

	if errors.Is(err, storage.ErrDuplicate) {
		// A concurrent writer stored the same client session first
		existing, getErr := s.store.GetSessionByClientID(ctx, userID, in.ClientSessionID)
		if getErr != nil {
			return nil, false, nil, fmt.Errorf("create session: %w", err)
		}
		return existing, false, nil, nil
	}
	if err != nil {
		return nil, false, nil, err
	}
	return result, created, improved, nil
}

// BulkSync stores a batch of offline sessions in order. The whole batch is
// validated before anything is written; replays count as skipped.
func (s *Service) BulkSync(ctx context.Context, userID uuid.UUID, inputs []*game.SessionInput) (synced, skipped int, err error) {
	if len(inputs) > game.MaxSyncBatch {
		return 0, 0, &game.ValidationError{Field: "sessions", Message: "at most 100 sessions per sync"}
	}
	for i, in := range inputs {
		if err := in.Validate(); err != nil {
			var verr *game.ValidationError
			if errors.As(err, &verr) {
				return 0, 0, &game.ValidationError{Field: fmt.Sprintf("sessions[%d].%s", i, verr.Field), Message: verr.Message}
			}
			return 0, 0, err
		}
	}

	for _, in := range inputs {
		_, created, err := s.create(ctx, userID, in)
		if err != nil {
			return synced, skipped, err
		}
		if created {
			synced++
		} else {
			skipped++
		}
	}

	s.logger.Info().
		Str("user_id", userID.String()).
		Int("synced", synced).
		Int("skipped", skipped).
		Msg("bulk sync complete")

	return synced, skipped, nil
}

// DeleteSession removes a session owned by userID and rebuilds the user's
// statistics. It reports false when the session is absent or owned by
// someone else.
func (s *Service) DeleteSession(ctx context.Context, sessionID, userID uuid.UUID) (bool, error) {
	deleted, err := s.remove(ctx, sessionID, userID)
	if err != nil || deleted == nil {
		return false, err
	}

	s.logger.Info().
		Str("user_id", userID.String()).
		Str("session_id", sessionID.String()).
		Msg("session deleted")

	if s.onSessionDeleted != nil {
		s.onSessionDeleted(deleted)
	}
	return true, nil
}

func (s *Service) remove(ctx context.Context, sessionID, userID uuid.UUID) (*game.Session, error) {
	release, err := s.locks.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	var deleted *game.Session
	err = s.store.WithinUserTx(ctx, userID, func(tx storage.Tx) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup session: %w", err)
		}
		if sess.UserID != userID {
			return nil
		}

		if _, err := s.board.RemoveForSession(ctx, tx, sessionID); err != nil {
			return err
		}
		if err := tx.DeleteSession(ctx, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if _, err := s.stats.FullRecalculate(ctx, tx, userID); err != nil {
			return err
		}

		deleted = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// GetSession returns a session owned by userID, or storage.ErrNotFound
func (s *Service) GetSession(ctx context.Context, sessionID, userID uuid.UUID) (*game.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, storage.ErrNotFound
	}
	return sess, nil
}

// Page is one page of a user's sessions
type Page struct {
	Sessions   []*game.Session
	Page       int
	PerPage    int
	Total      int
	TotalPages int
}

// ListSessions returns a page of the user's sessions, newest first
func (s *Service) ListSessions(ctx context.Context, userID uuid.UUID, filter storage.SessionFilter) (*Page, error) {
	if filter.Page == 0 {
		filter.Page = 1
	}
	if filter.PerPage == 0 {
		filter.PerPage = constants.DefaultPerPage
	}
	if filter.Page < 1 {
		return nil, &game.ValidationError{Field: "page", Message: "must be >= 1"}
	}
	if filter.PerPage < 1 || filter.PerPage > constants.MaxPerPage {
		return nil, &game.ValidationError{Field: "per_page", Message: "must be between 1 and 100"}
	}
	if filter.GridSize != nil {
		if err := game.ValidateGridSize(*filter.GridSize); err != nil {
			return nil, err
		}
	}
	if filter.OrderMode != nil && !filter.OrderMode.Valid() {
		return nil, &game.ValidationError{Field: "order_mode", Message: "must be ASC or DESC"}
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, &game.ValidationError{Field: "status", Message: "must be completed, timeout or abandoned"}
	}

	list, total, err := s.store.ListSessions(ctx, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if list == nil {
		list = []*game.Session{}
	}

	return &Page{
		Sessions:   list,
		Page:       filter.Page,
		PerPage:    filter.PerPage,
		Total:      total,
		TotalPages: (total + filter.PerPage - 1) / filter.PerPage,
	}, nil
}
