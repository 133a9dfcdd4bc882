package storage

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/schulte-trainer/internal/game"
	"golang.org/x/sync/errgroup"
)

var cfg5 = game.Config{GridSize: 5, OrderMode: game.OrderAscending}

// runStoreContract runs the behaviour every Store must share. newStore
// returns an empty store for each case.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"CreateUserAddsEmptyStats", testCreateUserAddsEmptyStats},
		{"TxRollsBackOnError", testTxRollsBackOnError},
		{"InsertSessionDuplicateClientID", testInsertSessionDuplicateClientID},
		{"DailyRankingsTieBreakByArrival", testDailyRankingsTieBreakByArrival},
		{"AllTimeRankingsUsesMinimumPerUser", testAllTimeRankingsUsesMinimumPerUser},
		{"DeleteSessionRemovesReferencingEntry", testDeleteSessionRemovesReferencingEntry},
		{"ListSessionsFilterAndPage", testListSessionsFilterAndPage},
		{"ListSessionsPastLastPage", testListSessionsPastLastPage},
		{"UserTxSerializesWriters", testUserTxSerializesWriters},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func newUser(t *testing.T, s Store, name string) uuid.UUID {
	t.Helper()

	u := &User{ID: uuid.New(), Subject: "sub-" + name, DisplayName: &name, Preferences: DefaultPreferences()}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u.ID
}

func testSession(userID uuid.UUID, clientID string, timeMs int64) *game.Session {
	return &game.Session{
		ID:               uuid.New(),
		UserID:           userID,
		ClientSessionID:  clientID,
		GridSize:         5,
		MaxTime:          120,
		OrderMode:        game.OrderAscending,
		Status:           game.StatusCompleted,
		CompletionTimeMs: &timeMs,
		StartedAt:        time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}

func testCreateUserAddsEmptyStats(t *testing.T, s Store) {
	id := newUser(t, s, "ada")

	st, err := s.GetStats(context.Background(), id)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if st.TotalSessions != 0 || len(st.BestTimes) != 0 {
		t.Fatalf("expected empty stats, got %+v", st)
	}

	dup := &User{ID: uuid.New(), Subject: "sub-ada"}
	if err := s.CreateUser(context.Background(), dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for a reused subject, got %v", err)
	}
}

func testTxRollsBackOnError(t *testing.T, s Store) {
	user := newUser(t, s, "ada")
	boom := errors.New("boom")

	err := s.WithinUserTx(context.Background(), user, func(tx Tx) error {
		if err := tx.InsertSession(context.Background(), testSession(user, "c1", 1000)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := s.GetSessionByClientID(context.Background(), user, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session survived a failed transaction: %v", err)
	}
}

func testInsertSessionDuplicateClientID(t *testing.T, s Store) {
	user := newUser(t, s, "ada")

	err := s.WithinUserTx(context.Background(), user, func(tx Tx) error {
		if err := tx.InsertSession(context.Background(), testSession(user, "c1", 1000)); err != nil {
			return err
		}
		return tx.InsertSession(context.Background(), testSession(user, "c1", 900))
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// other users may reuse the client id
	other := newUser(t, s, "bob")
	err = s.WithinUserTx(context.Background(), other, func(tx Tx) error {
		return tx.InsertSession(context.Background(), testSession(other, "c1", 1000))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func insertEntry(t *testing.T, s Store, user uuid.UUID, date time.Time, timeMs int64) {
	t.Helper()

	err := s.WithinUserTx(context.Background(), user, func(tx Tx) error {
		sess := testSession(user, uuid.NewString(), timeMs)
		if err := tx.InsertSession(context.Background(), sess); err != nil {
			return err
		}
		return tx.InsertDailyEntry(context.Background(), &DailyEntry{
			ID:         uuid.New(),
			UserID:     user,
			SessionID:  sess.ID,
			GridSize:   cfg5.GridSize,
			OrderMode:  cfg5.OrderMode,
			BestTimeMs: timeMs,
			Date:       date,
		})
	})
	if err != nil {
		t.Fatalf("insert entry: %v", err)
	}
}

func testDailyRankingsTieBreakByArrival(t *testing.T, s Store) {
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	first := newUser(t, s, "first")
	second := newUser(t, s, "second")
	fastest := newUser(t, s, "fastest")

	insertEntry(t, s, first, day, 30000)
	insertEntry(t, s, second, day, 30000)
	insertEntry(t, s, fastest, day.Add(5*time.Hour), 20000)

	ranked, total, err := s.DailyRankings(context.Background(), cfg5, day, 10, 0)
	if err != nil {
		t.Fatalf("rankings: %v", err)
	}
	if total != 3 || len(ranked) != 3 {
		t.Fatalf("total=%d len=%d, want 3", total, len(ranked))
	}

	want := []uuid.UUID{fastest, first, second}
	for i, id := range want {
		if ranked[i].UserID != id || ranked[i].Rank != i+1 {
			t.Fatalf("position %d = %v rank %d, want %v rank %d", i, ranked[i].UserID, ranked[i].Rank, id, i+1)
		}
	}
	if ranked[0].DisplayName == nil || *ranked[0].DisplayName != "fastest" {
		t.Fatalf("expected display name to be joined")
	}

	page, _, err := s.DailyRankings(context.Background(), cfg5, day, 1, 2)
	if err != nil {
		t.Fatalf("rankings: %v", err)
	}
	if len(page) != 1 || page[0].Rank != 3 {
		t.Fatalf("offset page = %+v", page)
	}
}

func testAllTimeRankingsUsesMinimumPerUser(t *testing.T, s Store) {
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	ada := newUser(t, s, "ada")
	bob := newUser(t, s, "bob")

	insertEntry(t, s, ada, day, 31000)
	insertEntry(t, s, ada, day.AddDate(0, 0, 1), 26000)
	insertEntry(t, s, bob, day, 28000)

	ranked, total, err := s.AllTimeRankings(context.Background(), cfg5, 10, 0)
	if err != nil {
		t.Fatalf("rankings: %v", err)
	}
	if total != 2 {
		t.Fatalf("total = %d, want one row per user", total)
	}
	if ranked[0].UserID != ada || ranked[0].BestTimeMs != 26000 {
		t.Fatalf("first = %+v", ranked[0])
	}

	best, err := s.AllTimeBest(context.Background(), bob, cfg5)
	if err != nil || best != 28000 {
		t.Fatalf("AllTimeBest = %d, %v", best, err)
	}
	n, err := s.CountFasterAllTime(context.Background(), cfg5, best)
	if err != nil || n != 1 {
		t.Fatalf("CountFasterAllTime = %d, %v", n, err)
	}
}

func testDeleteSessionRemovesReferencingEntry(t *testing.T, s Store) {
	user := newUser(t, s, "ada")
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	insertEntry(t, s, user, day, 30000)
	entry, err := s.GetDailyEntry(context.Background(), user, cfg5, day)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}

	err = s.WithinUserTx(context.Background(), user, func(tx Tx) error {
		return tx.DeleteSession(context.Background(), entry.SessionID)
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.GetDailyEntry(context.Background(), user, cfg5, day); !errors.Is(err, ErrNotFound) {
		t.Fatalf("entry survived its session: %v", err)
	}
}

func testListSessionsFilterAndPage(t *testing.T, s Store) {
	user := newUser(t, s, "ada")

	err := s.WithinUserTx(context.Background(), user, func(tx Tx) error {
		for i, id := range []string{"a", "b", "c"} {
			sess := testSession(user, id, 1000)
			sess.StartedAt = sess.StartedAt.Add(time.Duration(i) * time.Hour)
			if id == "b" {
				sess.Status = game.StatusTimeout
				sess.CompletionTimeMs = nil
			}
			if err := tx.InsertSession(context.Background(), sess); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	all, total, err := s.ListSessions(context.Background(), user, SessionFilter{Page: 1, PerPage: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(all) != 2 || all[0].ClientSessionID != "c" {
		t.Fatalf("total=%d len=%d first=%s", total, len(all), all[0].ClientSessionID)
	}

	status := game.StatusCompleted
	done, total, err := s.ListSessions(context.Background(), user, SessionFilter{Status: &status, Page: 1, PerPage: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(done) != 2 {
		t.Fatalf("completed total=%d len=%d, want 2", total, len(done))
	}
}

func testListSessionsPastLastPage(t *testing.T, s Store) {
	user := newUser(t, s, "ada")

	err := s.WithinUserTx(context.Background(), user, func(tx Tx) error {
		return tx.InsertSession(context.Background(), testSession(user, "a", 1000))
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	for _, p := range []int{2, math.MaxInt/50 + 1, math.MaxInt} {
		list, total, err := s.ListSessions(context.Background(), user, SessionFilter{Page: p, PerPage: 100})
		if err != nil {
			t.Fatalf("page %d: %v", p, err)
		}
		if total != 1 || len(list) != 0 {
			t.Fatalf("page %d: total=%d len=%d, want 1 and 0", p, total, len(list))
		}
	}
}

func testUserTxSerializesWriters(t *testing.T, s Store) {
	user := newUser(t, s, "ada")
	const writers = 8

	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			return s.WithinUserTx(context.Background(), user, func(tx Tx) error {
				st, err := tx.Stats(context.Background(), user)
				if err != nil {
					return err
				}
				st.TotalSessions++
				return tx.SaveStats(context.Background(), st)
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("write: %v", err)
	}

	st, err := s.GetStats(context.Background(), user)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if st.TotalSessions != writers {
		t.Fatalf("total sessions = %d, want %d", st.TotalSessions, writers)
	}
}
