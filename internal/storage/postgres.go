package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/constants"
	"github.com/schulte-trainer/internal/game"
)

const uniqueViolation = "23505"

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore handles database operations
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects to PostgreSQL and applies pending migrations
func NewPostgresStore(ctx context.Context, dbURL string, logger zerolog.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing database URL: %w", err)
	}

	config.MaxConns = constants.DBMaxConns
	config.MinConns = constants.DBMinConns

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, constants.DBPingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error pinging database: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error migrating schema: %w", err)
	}

	logger.Info().Msg("connected to PostgreSQL database")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying pool for maintenance commands
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// WithinUserTx opens a read-committed transaction and locks the user's
// stats row before running fn, so writers of one user run one at a time.
func (s *PostgresStore) WithinUserTx(ctx context.Context, userID uuid.UUID, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO user_stats (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return fmt.Errorf("ensure stats row: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT 1 FROM user_stats WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return fmt.Errorf("lock stats row: %w", err)
	}

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping checks that the database answers
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the database connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const sessionColumns = `
	id, user_id, client_session_id, grid_size, max_time, order_mode, status,
	completion_time_ms, mistakes, accuracy, tap_events, started_at, completed_at, created_at`

func scanSession(row pgx.Row) (*game.Session, error) {
	var sess game.Session
	var taps []byte
	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.ClientSessionID,
		&sess.GridSize,
		&sess.MaxTime,
		&sess.OrderMode,
		&sess.Status,
		&sess.CompletionTimeMs,
		&sess.Mistakes,
		&sess.Accuracy,
		&taps,
		&sess.StartedAt,
		&sess.CompletedAt,
		&sess.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	sess.TapEvents = []game.TapEvent{}
	if len(taps) > 0 {
		if err := json.Unmarshal(taps, &sess.TapEvents); err != nil {
			return nil, fmt.Errorf("decode tap events: %w", err)
		}
	}
	return &sess, nil
}

func getSession(ctx context.Context, q querier, id uuid.UUID) (*game.Session, error) {
	return scanSession(q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM training_sessions WHERE id = $1`, id))
}

func getSessionByClientID(ctx context.Context, q querier, userID uuid.UUID, clientID string) (*game.Session, error) {
	return scanSession(q.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM training_sessions
		WHERE user_id = $1 AND client_session_id = $2
	`, userID, clientID))
}

func getStats(ctx context.Context, q querier, userID uuid.UUID) (*UserStats, error) {
	st := NewUserStats(userID)
	var best, avg []byte
	err := q.QueryRow(ctx, `
		SELECT total_sessions, completed_sessions, current_streak, longest_streak,
		       last_played_at, best_times, avg_times, updated_at
		FROM user_stats WHERE user_id = $1
	`, userID).Scan(
		&st.TotalSessions,
		&st.CompletedSessions,
		&st.CurrentStreak,
		&st.LongestStreak,
		&st.LastPlayedAt,
		&best,
		&avg,
		&st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(best, &st.BestTimes); err != nil {
		return nil, fmt.Errorf("decode best times: %w", err)
	}
	if err := json.Unmarshal(avg, &st.AvgTimes); err != nil {
		return nil, fmt.Errorf("decode avg times: %w", err)
	}
	return st, nil
}

func getDailyEntry(ctx context.Context, q querier, userID uuid.UUID, cfg game.Config, date time.Time) (*DailyEntry, error) {
	var e DailyEntry
	err := q.QueryRow(ctx, `
		SELECT id, user_id, session_id, grid_size, order_mode, best_time_ms, date, created_at, updated_at
		FROM daily_leaderboards
		WHERE user_id = $1 AND grid_size = $2 AND order_mode = $3 AND date = $4
	`, userID, cfg.GridSize, cfg.OrderMode, game.Day(date)).Scan(
		&e.ID,
		&e.UserID,
		&e.SessionID,
		&e.GridSize,
		&e.OrderMode,
		&e.BestTimeMs,
		&e.Date,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*game.Session, error) {
	return getSession(ctx, s.pool, id)
}

func (s *PostgresStore) GetSessionByClientID(ctx context.Context, userID uuid.UUID, clientSessionID string) (*game.Session, error) {
	return getSessionByClientID(ctx, s.pool, userID, clientSessionID)
}

// ListSessions returns one page of a user's sessions, newest first
func (s *PostgresStore) ListSessions(ctx context.Context, userID uuid.UUID, filter SessionFilter) ([]*game.Session, int, error) {
	where := `WHERE user_id = $1
		AND ($2::int IS NULL OR grid_size = $2)
		AND ($3::text IS NULL OR order_mode = $3)
		AND ($4::text IS NULL OR status = $4)`
	args := []any{userID, filter.GridSize, filter.OrderMode, filter.Status}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM training_sessions `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM training_sessions `+where+`
		ORDER BY started_at DESC, created_at DESC
		LIMIT $5 OFFSET $6
	`, append(args, filter.PerPage, filter.Offset())...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []*game.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

func (s *PostgresStore) GetDailyEntry(ctx context.Context, userID uuid.UUID, cfg game.Config, date time.Time) (*DailyEntry, error) {
	return getDailyEntry(ctx, s.pool, userID, cfg, date)
}

// DailyRankings returns one page of a daily board, fastest first
func (s *PostgresStore) DailyRankings(ctx context.Context, cfg game.Config, date time.Time, limit, offset int) ([]RankedEntry, int, error) {
	day := game.Day(date)

	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM daily_leaderboards
		WHERE grid_size = $1 AND order_mode = $2 AND date = $3
	`, cfg.GridSize, cfg.OrderMode, day).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT d.user_id, u.display_name, d.best_time_ms, d.date
		FROM daily_leaderboards d
		JOIN users u ON u.id = d.user_id
		WHERE d.grid_size = $1 AND d.order_mode = $2 AND d.date = $3
		ORDER BY d.best_time_ms ASC, d.updated_at ASC, d.id ASC
		LIMIT $4 OFFSET $5
	`, cfg.GridSize, cfg.OrderMode, day, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries, err := scanRanked(rows, offset)
	return entries, total, err
}

// AllTimeRankings ranks each user's best daily time for a config
func (s *PostgresStore) AllTimeRankings(ctx context.Context, cfg game.Config, limit, offset int) ([]RankedEntry, int, error) {
	const best = `
		WITH best AS (
			SELECT DISTINCT ON (user_id) id, user_id, best_time_ms, date, updated_at
			FROM daily_leaderboards
			WHERE grid_size = $1 AND order_mode = $2
			ORDER BY user_id, best_time_ms ASC, updated_at ASC, id ASC
		)`

	var total int
	if err := s.pool.QueryRow(ctx, best+` SELECT COUNT(*) FROM best`, cfg.GridSize, cfg.OrderMode).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, best+`
		SELECT b.user_id, u.display_name, b.best_time_ms, b.date
		FROM best b
		JOIN users u ON u.id = b.user_id
		ORDER BY b.best_time_ms ASC, b.updated_at ASC, b.id ASC
		LIMIT $3 OFFSET $4
	`, cfg.GridSize, cfg.OrderMode, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries, err := scanRanked(rows, offset)
	return entries, total, err
}

func scanRanked(rows pgx.Rows, offset int) ([]RankedEntry, error) {
	var entries []RankedEntry
	rank := offset + 1
	for rows.Next() {
		var entry RankedEntry
		if err := rows.Scan(&entry.UserID, &entry.DisplayName, &entry.BestTimeMs, &entry.Date); err != nil {
			return nil, err
		}
		entry.Rank = rank
		entries = append(entries, entry)
		rank++
	}
	return entries, rows.Err()
}

func (s *PostgresStore) CountFasterDaily(ctx context.Context, cfg game.Config, date time.Time, timeMs int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM daily_leaderboards
		WHERE grid_size = $1 AND order_mode = $2 AND date = $3 AND best_time_ms < $4
	`, cfg.GridSize, cfg.OrderMode, game.Day(date), timeMs).Scan(&n)
	return n, err
}

func (s *PostgresStore) AllTimeBest(ctx context.Context, userID uuid.UUID, cfg game.Config) (int64, error) {
	var best *int64
	err := s.pool.QueryRow(ctx, `
		SELECT MIN(best_time_ms) FROM daily_leaderboards
		WHERE user_id = $1 AND grid_size = $2 AND order_mode = $3
	`, userID, cfg.GridSize, cfg.OrderMode).Scan(&best)
	if err != nil {
		return 0, err
	}
	if best == nil {
		return 0, ErrNotFound
	}
	return *best, nil
}

func (s *PostgresStore) CountFasterAllTime(ctx context.Context, cfg game.Config, timeMs int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM (
			SELECT user_id FROM daily_leaderboards
			WHERE grid_size = $1 AND order_mode = $2
			GROUP BY user_id
			HAVING MIN(best_time_ms) < $3
		) faster
	`, cfg.GridSize, cfg.OrderMode, timeMs).Scan(&n)
	return n, err
}

func (s *PostgresStore) GetStats(ctx context.Context, userID uuid.UUID) (*UserStats, error) {
	return getStats(ctx, s.pool, userID)
}

const userColumns = `id, subject, email, display_name, avatar_url, preferences, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var prefs []byte
	err := row.Scan(&u.ID, &u.Subject, &u.Email, &u.DisplayName, &u.AvatarURL, &prefs, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	u.Preferences = DefaultPreferences()
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &u.Preferences); err != nil {
			return nil, fmt.Errorf("decode preferences: %w", err)
		}
	}
	return &u, nil
}

func (s *PostgresStore) UserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) UserBySubject(ctx context.Context, subject string) (*User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE subject = $1`, subject))
}

// CreateUser inserts the user and an empty stats row in one transaction
func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	prefs, err := json.Marshal(u.Preferences)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO users (id, subject, email, display_name, avatar_url, preferences)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, u.ID, u.Subject, u.Email, u.DisplayName, u.AvatarURL, prefs).Scan(&u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}

	if _, err := tx.Exec(ctx, `INSERT INTO user_stats (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, u.ID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u *User) error {
	prefs, err := json.Marshal(u.Preferences)
	if err != nil {
		return err
	}

	err = s.pool.QueryRow(ctx, `
		UPDATE users
		SET display_name = $2, avatar_url = $3, preferences = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, u.ID, u.DisplayName, u.AvatarURL, prefs).Scan(&u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// pgTx implements Tx on an open transaction
type pgTx struct {
	q querier
}

func (t *pgTx) GetSession(ctx context.Context, id uuid.UUID) (*game.Session, error) {
	return getSession(ctx, t.q, id)
}

func (t *pgTx) GetSessionByClientID(ctx context.Context, userID uuid.UUID, clientSessionID string) (*game.Session, error) {
	return getSessionByClientID(ctx, t.q, userID, clientSessionID)
}

func (t *pgTx) InsertSession(ctx context.Context, sess *game.Session) error {
	taps, err := json.Marshal(sess.TapEvents)
	if err != nil {
		taps = []byte("[]")
	}

	err = t.q.QueryRow(ctx, `
		INSERT INTO training_sessions (id, user_id, client_session_id, grid_size, max_time, order_mode,
		                               status, completion_time_ms, mistakes, accuracy, tap_events,
		                               started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`,
		sess.ID,
		sess.UserID,
		sess.ClientSessionID,
		sess.GridSize,
		sess.MaxTime,
		sess.OrderMode,
		sess.Status,
		sess.CompletionTimeMs,
		sess.Mistakes,
		sess.Accuracy,
		taps,
		sess.StartedAt,
		sess.CompletedAt,
	).Scan(&sess.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM training_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CompletedTimes(ctx context.Context, userID uuid.UUID, cfg game.Config) ([]int64, error) {
	rows, err := t.q.Query(ctx, `
		SELECT completion_time_ms FROM training_sessions
		WHERE user_id = $1 AND grid_size = $2 AND order_mode = $3
		  AND status = 'completed' AND completion_time_ms IS NOT NULL
	`, userID, cfg.GridSize, cfg.OrderMode)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (t *pgTx) CompletedConfigs(ctx context.Context, userID uuid.UUID) ([]game.Config, error) {
	rows, err := t.q.Query(ctx, `
		SELECT DISTINCT grid_size, order_mode FROM training_sessions
		WHERE user_id = $1 AND status = 'completed' AND completion_time_ms IS NOT NULL
		ORDER BY grid_size, order_mode
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cfgs []game.Config
	for rows.Next() {
		var cfg game.Config
		if err := rows.Scan(&cfg.GridSize, &cfg.OrderMode); err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, rows.Err()
}

func (t *pgTx) CountSessions(ctx context.Context, userID uuid.UUID) (int, int, error) {
	var total, completed int
	err := t.q.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'completed' AND completion_time_ms IS NOT NULL)
		FROM training_sessions WHERE user_id = $1
	`, userID).Scan(&total, &completed)
	return total, completed, err
}

func (t *pgTx) LastCompletedStart(ctx context.Context, userID uuid.UUID) (*time.Time, error) {
	var last *time.Time
	err := t.q.QueryRow(ctx, `
		SELECT MAX(started_at) FROM training_sessions
		WHERE user_id = $1 AND status = 'completed' AND completion_time_ms IS NOT NULL
	`, userID).Scan(&last)
	return last, err
}

func (t *pgTx) Stats(ctx context.Context, userID uuid.UUID) (*UserStats, error) {
	return getStats(ctx, t.q, userID)
}

func (t *pgTx) SaveStats(ctx context.Context, st *UserStats) error {
	best, err := json.Marshal(st.BestTimes)
	if err != nil {
		return err
	}
	avg, err := json.Marshal(st.AvgTimes)
	if err != nil {
		return err
	}

	return t.q.QueryRow(ctx, `
		INSERT INTO user_stats (user_id, total_sessions, completed_sessions, current_streak,
		                        longest_streak, last_played_at, best_times, avg_times, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (user_id) DO UPDATE SET
			total_sessions = EXCLUDED.total_sessions,
			completed_sessions = EXCLUDED.completed_sessions,
			current_streak = EXCLUDED.current_streak,
			longest_streak = EXCLUDED.longest_streak,
			last_played_at = EXCLUDED.last_played_at,
			best_times = EXCLUDED.best_times,
			avg_times = EXCLUDED.avg_times,
			updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`,
		st.UserID,
		st.TotalSessions,
		st.CompletedSessions,
		st.CurrentStreak,
		st.LongestStreak,
		st.LastPlayedAt,
		best,
		avg,
	).Scan(&st.UpdatedAt)
}

func (t *pgTx) DailyEntry(ctx context.Context, userID uuid.UUID, cfg game.Config, date time.Time) (*DailyEntry, error) {
	return getDailyEntry(ctx, t.q, userID, cfg, date)
}

func (t *pgTx) InsertDailyEntry(ctx context.Context, e *DailyEntry) error {
	e.Date = game.Day(e.Date)
	err := t.q.QueryRow(ctx, `
		INSERT INTO daily_leaderboards (id, user_id, session_id, grid_size, order_mode, best_time_ms, date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, e.ID, e.UserID, e.SessionID, e.GridSize, e.OrderMode, e.BestTimeMs, e.Date).Scan(&e.CreatedAt, &e.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) UpdateDailyEntry(ctx context.Context, e *DailyEntry) error {
	err := t.q.QueryRow(ctx, `
		UPDATE daily_leaderboards
		SET best_time_ms = $2, session_id = $3, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, e.ID, e.BestTimeMs, e.SessionID).Scan(&e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (t *pgTx) DeleteDailyEntryForSession(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	tag, err := t.q.Exec(ctx, `DELETE FROM daily_leaderboards WHERE session_id = $1`, sessionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
