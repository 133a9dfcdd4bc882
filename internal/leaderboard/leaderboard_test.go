package leaderboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/game"
	"github.com/schulte-trainer/internal/storage"
)

var today = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*storage.MemoryStore, *Engine) {
	t.Helper()
	store := storage.NewMemoryStore()
	return store, NewEngine(store, zerolog.Nop())
}

func newUser(t *testing.T, store *storage.MemoryStore) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := store.CreateUser(context.Background(), &storage.User{ID: id, Subject: id.String()}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return id
}

// submit stores a completed session and upserts the daily entry for it
func submit(t *testing.T, store *storage.MemoryStore, e *Engine, userID uuid.UUID, timeMs int64, date time.Time) (*storage.DailyEntry, bool) {
	t.Helper()

	var entry *storage.DailyEntry
	var changed bool
	err := store.WithinUserTx(context.Background(), userID, func(tx storage.Tx) error {
		sess := &game.Session{
			ID:               uuid.New(),
			UserID:           userID,
			ClientSessionID:  uuid.NewString(),
			GridSize:         5,
			MaxTime:          120,
			OrderMode:        game.OrderAscending,
			Status:           game.StatusCompleted,
			CompletionTimeMs: &timeMs,
			StartedAt:        date,
		}
		if err := tx.InsertSession(context.Background(), sess); err != nil {
			return err
		}
		var err error
		entry, changed, err = e.UpsertDaily(context.Background(), tx, userID, sess.ID, 5, game.OrderAscending, timeMs, date)
		return err
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return entry, changed
}

func TestUpsertDailyKeepsBestOfDay(t *testing.T) {
	store, e := setup(t)
	user := newUser(t, store)

	first, changed := submit(t, store, e, user, 30000, today)
	if !changed || first.BestTimeMs != 30000 {
		t.Fatalf("first submit: changed=%v best=%d", changed, first.BestTimeMs)
	}

	_, changed = submit(t, store, e, user, 32000, today.Add(3*time.Hour))
	if changed {
		t.Fatalf("slower time must not change the entry")
	}

	_, changed = submit(t, store, e, user, 30000, today.Add(4*time.Hour))
	if changed {
		t.Fatalf("equal time must not change the entry")
	}

	better, changed := submit(t, store, e, user, 27000, today.Add(5*time.Hour))
	if !changed || better.BestTimeMs != 27000 {
		t.Fatalf("faster submit: changed=%v best=%d", changed, better.BestTimeMs)
	}
	if better.ID != first.ID {
		t.Fatalf("expected the same entry to be updated")
	}
	if better.SessionID == first.SessionID {
		t.Fatalf("expected the entry to point at the faster session")
	}

	entries, total, err := e.Rankings(context.Background(), 5, game.OrderAscending, today, 50, 0)
	if err != nil {
		t.Fatalf("rankings: %v", err)
	}
	if total != 1 || entries[0].BestTimeMs != 27000 {
		t.Fatalf("expected one entry of 27000, got total=%d %+v", total, entries)
	}
}

func TestUpsertDailyNewDayNewEntry(t *testing.T) {
	store, e := setup(t)
	user := newUser(t, store)

	submit(t, store, e, user, 30000, today)
	submit(t, store, e, user, 35000, today.AddDate(0, 0, 1))

	_, total, err := e.Rankings(context.Background(), 5, game.OrderAscending, today.AddDate(0, 0, 1), 50, 0)
	if err != nil {
		t.Fatalf("rankings: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected a separate entry for the next day, total=%d", total)
	}
}

func TestUserRank(t *testing.T) {
	store, e := setup(t)

	a, b, c := newUser(t, store), newUser(t, store), newUser(t, store)
	submit(t, store, e, a, 25000, today)
	submit(t, store, e, b, 28500, today)
	submit(t, store, e, c, 35000, today)

	rank, timeMs, ok, err := e.UserRank(context.Background(), b, 5, game.OrderAscending, today)
	if err != nil {
		t.Fatalf("user rank: %v", err)
	}
	if !ok || rank != 2 || timeMs != 28500 {
		t.Fatalf("rank=%d time=%d ok=%v, want 2 28500 true", rank, timeMs, ok)
	}

	_, _, ok, err = e.UserRank(context.Background(), newUser(t, store), 5, game.OrderAscending, today)
	if err != nil || ok {
		t.Fatalf("expected no rank for a user without entry, ok=%v err=%v", ok, err)
	}
}

func TestRemoveForSession(t *testing.T) {
	store, e := setup(t)
	user := newUser(t, store)

	entry, _ := submit(t, store, e, user, 30000, today)

	err := store.WithinUserTx(context.Background(), user, func(tx storage.Tx) error {
		removed, err := e.RemoveForSession(context.Background(), tx, entry.SessionID)
		if err != nil {
			return err
		}
		if !removed {
			t.Errorf("expected the entry to be removed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	if _, _, ok, _ := e.UserRank(context.Background(), user, 5, game.OrderAscending, today); ok {
		t.Fatalf("entry still ranked after removal")
	}
}

func TestDailyBoard(t *testing.T) {
	store, e := setup(t)

	a, b := newUser(t, store), newUser(t, store)
	submit(t, store, e, a, 25000, today)
	submit(t, store, e, b, 28500, today)

	board, err := e.Daily(context.Background(), Query{Date: today.Add(8 * time.Hour), Caller: &b})
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if board.Meta.GridSize != 5 || board.Meta.OrderMode != game.OrderAscending {
		t.Fatalf("defaults not applied: %+v", board.Meta)
	}
	if board.Meta.TotalEntries != 2 || len(board.Data) != 2 {
		t.Fatalf("total=%d len=%d", board.Meta.TotalEntries, len(board.Data))
	}
	if board.CurrentUser == nil || board.CurrentUser.Rank != 2 {
		t.Fatalf("current user = %+v", board.CurrentUser)
	}

	empty, err := e.Daily(context.Background(), Query{Date: today.AddDate(0, 0, -1)})
	if err != nil {
		t.Fatalf("daily: %v", err)
	}
	if empty.Data == nil || len(empty.Data) != 0 || empty.CurrentUser != nil {
		t.Fatalf("expected an empty board, got %+v", empty)
	}
}

func TestAllTimeBoard(t *testing.T) {
	store, e := setup(t)

	a, b := newUser(t, store), newUser(t, store)
	submit(t, store, e, a, 31000, today)
	submit(t, store, e, a, 24000, today.AddDate(0, 0, 1))
	submit(t, store, e, b, 26000, today)

	board, err := e.AllTime(context.Background(), Query{Caller: &b})
	if err != nil {
		t.Fatalf("all-time: %v", err)
	}
	if board.Meta.TotalEntries != 2 || board.Data[0].UserID != a || board.Data[0].BestTimeMs != 24000 {
		t.Fatalf("unexpected board %+v", board.Data)
	}
	if board.Meta.Date != nil {
		t.Fatalf("all-time board has no date")
	}
	if board.CurrentUser == nil || board.CurrentUser.Rank != 2 || board.CurrentUser.BestTimeMs != 26000 {
		t.Fatalf("current user = %+v", board.CurrentUser)
	}
}

func TestQueryNormalize(t *testing.T) {
	tests := []struct {
		name  string
		q     Query
		field string
	}{
		{name: "defaults", q: Query{}},
		{name: "grid too large", q: Query{GridSize: 11}, field: "grid_size"},
		{name: "bad mode", q: Query{OrderMode: "SIDEWAYS"}, field: "order_mode"},
		{name: "limit too large", q: Query{Limit: 101}, field: "limit"},
		{name: "negative limit", q: Query{Limit: -1}, field: "limit"},
		{name: "negative offset", q: Query{Offset: -1}, field: "offset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.q.Normalize()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if tt.q.Limit != 50 || tt.q.GridSize != 5 {
					t.Fatalf("defaults = %+v", tt.q)
				}
				return
			}
			var verr *game.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("expected validation error on %s, got %v", tt.field, err)
			}
		})
	}
}
