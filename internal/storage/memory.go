package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schulte-trainer/internal/game"
)

type clientKey struct {
	userID   uuid.UUID
	clientID string
}

type entryKey struct {
	userID uuid.UUID
	cfg    game.Config
	date   time.Time
}

// memState holds every table of the memory store. Sessions are immutable
// once inserted; stats and entries are copied on the way in and out.
type memState struct {
	users     map[uuid.UUID]*User
	subjects  map[string]uuid.UUID
	sessions  map[uuid.UUID]*game.Session
	clientIDs map[clientKey]uuid.UUID
	stats     map[uuid.UUID]*UserStats
	entries   map[uuid.UUID]*DailyEntry
	entryKeys map[entryKey]uuid.UUID
	// entrySeq orders entries by when their current time was achieved
	entrySeq map[uuid.UUID]int64
	seq      int64
}

func newMemState() *memState {
	return &memState{
		users:     make(map[uuid.UUID]*User),
		subjects:  make(map[string]uuid.UUID),
		sessions:  make(map[uuid.UUID]*game.Session),
		clientIDs: make(map[clientKey]uuid.UUID),
		stats:     make(map[uuid.UUID]*UserStats),
		entries:   make(map[uuid.UUID]*DailyEntry),
		entryKeys: make(map[entryKey]uuid.UUID),
		entrySeq:  make(map[uuid.UUID]int64),
	}
}

func (m *memState) clone() *memState {
	c := &memState{
		users:     make(map[uuid.UUID]*User, len(m.users)),
		subjects:  make(map[string]uuid.UUID, len(m.subjects)),
		sessions:  make(map[uuid.UUID]*game.Session, len(m.sessions)),
		clientIDs: make(map[clientKey]uuid.UUID, len(m.clientIDs)),
		stats:     make(map[uuid.UUID]*UserStats, len(m.stats)),
		entries:   make(map[uuid.UUID]*DailyEntry, len(m.entries)),
		entryKeys: make(map[entryKey]uuid.UUID, len(m.entryKeys)),
		entrySeq:  make(map[uuid.UUID]int64, len(m.entrySeq)),
		seq:       m.seq,
	}
	for k, v := range m.users {
		c.users[k] = v
	}
	for k, v := range m.subjects {
		c.subjects[k] = v
	}
	for k, v := range m.sessions {
		c.sessions[k] = v
	}
	for k, v := range m.clientIDs {
		c.clientIDs[k] = v
	}
	for k, v := range m.stats {
		c.stats[k] = v
	}
	for k, v := range m.entries {
		c.entries[k] = v
	}
	for k, v := range m.entryKeys {
		c.entryKeys[k] = v
	}
	for k, v := range m.entrySeq {
		c.entrySeq[k] = v
	}
	return c
}

// MemoryStore keeps everything in process memory. It backs the memory-only
// server mode and the tests. Every write transaction copies the whole state
// under one store-wide lock, so write cost grows with the total row count.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState(), now: time.Now}
}

// WithinUserTx runs fn against a private copy of the state and swaps it in
// when fn succeeds. Transactions are serialized store-wide.
func (s *MemoryStore) WithinUserTx(ctx context.Context, userID uuid.UUID, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{state: s.state.clone(), now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op
func (s *MemoryStore) Close() {}

// GetSession retrieves a session by ID
func (s *MemoryStore) GetSession(ctx context.Context, id uuid.UUID) (*game.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.session(id)
}

// GetSessionByClientID retrieves a user's session by its client session id
func (s *MemoryStore) GetSessionByClientID(ctx context.Context, userID uuid.UUID, clientSessionID string) (*game.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.sessionByClientID(userID, clientSessionID)
}

// ListSessions returns one page of a user's sessions, newest first
func (s *MemoryStore) ListSessions(ctx context.Context, userID uuid.UUID, filter SessionFilter) ([]*game.Session, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*game.Session
	for _, sess := range s.state.sessions {
		if sess.UserID == userID && filter.matches(sess) {
			matched = append(matched, sess)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	return page(matched, filter.PerPage, filter.Offset()), total, nil
}

// GetDailyEntry retrieves a user's entry for a config and day
func (s *MemoryStore) GetDailyEntry(ctx context.Context, userID uuid.UUID, cfg game.Config, date time.Time) (*DailyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.dailyEntry(userID, cfg, date)
}

// DailyRankings returns one page of a daily board, fastest first
func (s *MemoryStore) DailyRankings(ctx context.Context, cfg game.Config, date time.Time, limit, offset int) ([]RankedEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := game.Day(date)
	var matched []*DailyEntry
	for _, e := range s.state.entries {
		if e.GridSize == cfg.GridSize && e.OrderMode == cfg.OrderMode && e.Date.Equal(day) {
			matched = append(matched, e)
		}
	}
	s.state.sortEntries(matched)

	return s.state.rank(page(matched, limit, offset), offset), len(matched), nil
}

// AllTimeRankings ranks each user's best daily time for a config
func (s *MemoryStore) AllTimeRankings(ctx context.Context, cfg game.Config, limit, offset int) ([]RankedEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	best := make(map[uuid.UUID]*DailyEntry)
	for _, e := range s.state.entries {
		if e.GridSize != cfg.GridSize || e.OrderMode != cfg.OrderMode {
			continue
		}
		cur, ok := best[e.UserID]
		if !ok || s.state.before(e, cur) {
			best[e.UserID] = e
		}
	}

	matched := make([]*DailyEntry, 0, len(best))
	for _, e := range best {
		matched = append(matched, e)
	}
	s.state.sortEntries(matched)

	return s.state.rank(page(matched, limit, offset), offset), len(matched), nil
}

// CountFasterDaily counts entries of the day that beat timeMs
func (s *MemoryStore) CountFasterDaily(ctx context.Context, cfg game.Config, date time.Time, timeMs int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := game.Day(date)
	n := 0
	for _, e := range s.state.entries {
		if e.GridSize == cfg.GridSize && e.OrderMode == cfg.OrderMode && e.Date.Equal(day) && e.BestTimeMs < timeMs {
			n++
		}
	}
	return n, nil
}

// AllTimeBest returns the user's minimum daily best for a config
func (s *MemoryStore) AllTimeBest(ctx context.Context, userID uuid.UUID, cfg game.Config) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	best, ok := s.state.allTimeBests(cfg)[userID]
	if !ok {
		return 0, ErrNotFound
	}
	return best, nil
}

// CountFasterAllTime counts users whose all-time best beats timeMs
func (s *MemoryStore) CountFasterAllTime(ctx context.Context, cfg game.Config, timeMs int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, best := range s.state.allTimeBests(cfg) {
		if best < timeMs {
			n++
		}
	}
	return n, nil
}

// GetStats retrieves a user's statistics
func (s *MemoryStore) GetStats(ctx context.Context, userID uuid.UUID) (*UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.userStats(userID)
}

// UserByID retrieves a user by ID
func (s *MemoryStore) UserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.state.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

// UserBySubject retrieves a user by identity provider subject
func (s *MemoryStore) UserBySubject(ctx context.Context, subject string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.state.subjects[subject]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s.state.users[id]
	return &c, nil
}

// CreateUser stores a new user with an empty stats row
func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.users[u.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.state.subjects[u.Subject]; ok {
		return ErrDuplicate
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}

	c := *u
	s.state.users[u.ID] = &c
	s.state.subjects[u.Subject] = u.ID
	if _, ok := s.state.stats[u.ID]; !ok {
		st := NewUserStats(u.ID)
		st.UpdatedAt = u.CreatedAt
		s.state.stats[u.ID] = st
	}
	return nil
}

// UpdateUser saves a user's profile and preferences
func (s *MemoryStore) UpdateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.users[u.ID]; !ok {
		return ErrNotFound
	}
	now := s.now()
	u.UpdatedAt = &now

	c := *u
	s.state.users[u.ID] = &c
	return nil
}

// memTx operates on a private copy of the state
type memTx struct {
	state *memState
	now   func() time.Time
}

func (t *memTx) GetSession(ctx context.Context, id uuid.UUID) (*game.Session, error) {
	return t.state.session(id)
}

func (t *memTx) GetSessionByClientID(ctx context.Context, userID uuid.UUID, clientSessionID string) (*game.Session, error) {
	return t.state.sessionByClientID(userID, clientSessionID)
}

func (t *memTx) InsertSession(ctx context.Context, sess *game.Session) error {
	key := clientKey{userID: sess.UserID, clientID: sess.ClientSessionID}
	if _, ok := t.state.clientIDs[key]; ok {
		return ErrDuplicate
	}
	if _, ok := t.state.sessions[sess.ID]; ok {
		return ErrDuplicate
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = t.now()
	}

	c := *sess
	t.state.sessions[sess.ID] = &c
	t.state.clientIDs[key] = sess.ID
	return nil
}

func (t *memTx) DeleteSession(ctx context.Context, id uuid.UUID) error {
	sess, ok := t.state.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(t.state.sessions, id)
	delete(t.state.clientIDs, clientKey{userID: sess.UserID, clientID: sess.ClientSessionID})

	// entries reference the session
	for entryID, e := range t.state.entries {
		if e.SessionID == id {
			t.state.removeEntry(entryID)
		}
	}
	return nil
}

func (t *memTx) CompletedTimes(ctx context.Context, userID uuid.UUID, cfg game.Config) ([]int64, error) {
	var times []int64
	for _, sess := range t.state.sessions {
		if sess.UserID == userID && sess.IsCompleted() && sess.Config() == cfg {
			times = append(times, *sess.CompletionTimeMs)
		}
	}
	return times, nil
}

func (t *memTx) CompletedConfigs(ctx context.Context, userID uuid.UUID) ([]game.Config, error) {
	seen := make(map[game.Config]bool)
	var cfgs []game.Config
	for _, sess := range t.state.sessions {
		if sess.UserID != userID || !sess.IsCompleted() {
			continue
		}
		cfg := sess.Config()
		if !seen[cfg] {
			seen[cfg] = true
			cfgs = append(cfgs, cfg)
		}
	}
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].Key() < cfgs[j].Key() })
	return cfgs, nil
}

func (t *memTx) CountSessions(ctx context.Context, userID uuid.UUID) (int, int, error) {
	total, completed := 0, 0
	for _, sess := range t.state.sessions {
		if sess.UserID != userID {
			continue
		}
		total++
		if sess.IsCompleted() {
			completed++
		}
	}
	return total, completed, nil
}

func (t *memTx) LastCompletedStart(ctx context.Context, userID uuid.UUID) (*time.Time, error) {
	var last *time.Time
	for _, sess := range t.state.sessions {
		if sess.UserID != userID || !sess.IsCompleted() {
			continue
		}
		if last == nil || sess.StartedAt.After(*last) {
			started := sess.StartedAt
			last = &started
		}
	}
	return last, nil
}

func (t *memTx) Stats(ctx context.Context, userID uuid.UUID) (*UserStats, error) {
	return t.state.userStats(userID)
}

func (t *memTx) SaveStats(ctx context.Context, stats *UserStats) error {
	stats.UpdatedAt = t.now()
	t.state.stats[stats.UserID] = stats.Clone()
	return nil
}

func (t *memTx) DailyEntry(ctx context.Context, userID uuid.UUID, cfg game.Config, date time.Time) (*DailyEntry, error) {
	return t.state.dailyEntry(userID, cfg, date)
}

func (t *memTx) InsertDailyEntry(ctx context.Context, e *DailyEntry) error {
	e.Date = game.Day(e.Date)
	key := entryKey{userID: e.UserID, cfg: game.Config{GridSize: e.GridSize, OrderMode: e.OrderMode}, date: e.Date}
	if _, ok := t.state.entryKeys[key]; ok {
		return ErrDuplicate
	}
	now := t.now()
	e.CreatedAt = now
	e.UpdatedAt = now

	c := *e
	t.state.entries[e.ID] = &c
	t.state.entryKeys[key] = e.ID
	t.state.seq++
	t.state.entrySeq[e.ID] = t.state.seq
	return nil
}

func (t *memTx) UpdateDailyEntry(ctx context.Context, e *DailyEntry) error {
	if _, ok := t.state.entries[e.ID]; !ok {
		return ErrNotFound
	}
	e.UpdatedAt = t.now()

	c := *e
	t.state.entries[e.ID] = &c
	t.state.seq++
	t.state.entrySeq[e.ID] = t.state.seq
	return nil
}

func (t *memTx) DeleteDailyEntryForSession(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	removed := false
	for id, e := range t.state.entries {
		if e.SessionID == sessionID {
			t.state.removeEntry(id)
			removed = true
		}
	}
	return removed, nil
}

func (m *memState) session(id uuid.UUID) (*game.Session, error) {
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (m *memState) sessionByClientID(userID uuid.UUID, clientID string) (*game.Session, error) {
	id, ok := m.clientIDs[clientKey{userID: userID, clientID: clientID}]
	if !ok {
		return nil, ErrNotFound
	}
	return m.sessions[id], nil
}

func (m *memState) userStats(userID uuid.UUID) (*UserStats, error) {
	st, ok := m.stats[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (m *memState) dailyEntry(userID uuid.UUID, cfg game.Config, date time.Time) (*DailyEntry, error) {
	id, ok := m.entryKeys[entryKey{userID: userID, cfg: cfg, date: game.Day(date)}]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m.entries[id]
	return &c, nil
}

func (m *memState) allTimeBests(cfg game.Config) map[uuid.UUID]int64 {
	bests := make(map[uuid.UUID]int64)
	for _, e := range m.entries {
		if e.GridSize != cfg.GridSize || e.OrderMode != cfg.OrderMode {
			continue
		}
		if cur, ok := bests[e.UserID]; !ok || e.BestTimeMs < cur {
			bests[e.UserID] = e.BestTimeMs
		}
	}
	return bests
}

func (m *memState) removeEntry(id uuid.UUID) {
	e := m.entries[id]
	delete(m.entryKeys, entryKey{userID: e.UserID, cfg: game.Config{GridSize: e.GridSize, OrderMode: e.OrderMode}, date: e.Date})
	delete(m.entries, id)
	delete(m.entrySeq, id)
}

// before orders by time, then by when the time was achieved
func (m *memState) before(a, b *DailyEntry) bool {
	if a.BestTimeMs != b.BestTimeMs {
		return a.BestTimeMs < b.BestTimeMs
	}
	return m.entrySeq[a.ID] < m.entrySeq[b.ID]
}

func (m *memState) sortEntries(entries []*DailyEntry) {
	sort.Slice(entries, func(i, j int) bool { return m.before(entries[i], entries[j]) })
}

func (m *memState) rank(entries []*DailyEntry, offset int) []RankedEntry {
	ranked := make([]RankedEntry, 0, len(entries))
	for i, e := range entries {
		r := RankedEntry{
			Rank:       offset + i + 1,
			UserID:     e.UserID,
			BestTimeMs: e.BestTimeMs,
			Date:       e.Date,
		}
		if u, ok := m.users[e.UserID]; ok {
			r.DisplayName = u.DisplayName
		}
		ranked = append(ranked, r)
	}
	return ranked
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 || offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
