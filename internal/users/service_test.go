package users

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/auth"
	"github.com/schulte-trainer/internal/game"
	"github.com/schulte-trainer/internal/storage"
)

func newService() (*storage.MemoryStore, *Service) {
	store := storage.NewMemoryStore()
	return store, NewService(store, zerolog.Nop())
}

func TestResolveProvisionsOnce(t *testing.T) {
	store, svc := newService()
	claims := &auth.Claims{Subject: "sub-1", Email: "ada@example.com", DisplayName: "Ada"}

	first, err := svc.Resolve(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := svc.Resolve(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("subject resolved to two users")
	}
	if first.DisplayName == nil || *first.DisplayName != "Ada" {
		t.Fatalf("display name = %v", first.DisplayName)
	}
	if first.Preferences != storage.DefaultPreferences() {
		t.Fatalf("preferences = %+v", first.Preferences)
	}

	st, err := store.GetStats(context.Background(), first.ID)
	if err != nil || st.TotalSessions != 0 {
		t.Fatalf("expected empty stats row, got %+v %v", st, err)
	}
}

func TestProfile(t *testing.T) {
	_, svc := newService()
	u, _ := svc.Resolve(context.Background(), &auth.Claims{Subject: "sub-1"})

	p, err := svc.Profile(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if p.Stats == nil || p.Stats.BestTimes == nil {
		t.Fatalf("expected stats with initialized maps")
	}

	if _, err := svc.Profile(context.Background(), uuid.New()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	_, svc := newService()
	u, _ := svc.Resolve(context.Background(), &auth.Claims{Subject: "sub-1"})

	name := "Grace"
	p, err := svc.UpdateProfile(context.Background(), u.ID, ProfileUpdate{DisplayName: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.DisplayName == nil || *p.DisplayName != "Grace" {
		t.Fatalf("display name = %v", p.DisplayName)
	}

	tests := []struct {
		name  string
		upd   ProfileUpdate
		field string
	}{
		{name: "empty name", upd: ProfileUpdate{DisplayName: ptr("")}, field: "display_name"},
		{name: "long name", upd: ProfileUpdate{DisplayName: ptr(strings.Repeat("a", 101))}, field: "display_name"},
		{name: "long avatar", upd: ProfileUpdate{AvatarURL: ptr(strings.Repeat("a", 501))}, field: "avatar_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateProfile(context.Background(), u.ID, tt.upd)
			var verr *game.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("expected %s validation error, got %v", tt.field, err)
			}
		})
	}
}

func TestUpdatePreferencesMerges(t *testing.T) {
	_, svc := newService()
	u, _ := svc.Resolve(context.Background(), &auth.Claims{Subject: "sub-1"})

	prefs, err := svc.UpdatePreferences(context.Background(), u.ID, PreferencesPatch{Theme: ptr("dark"), DefaultGridSize: ptr(7)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if prefs.Theme != "dark" || prefs.DefaultGridSize != 7 {
		t.Fatalf("patch not applied: %+v", prefs)
	}
	if !prefs.HapticFeedback || prefs.DefaultMaxTime != 120 {
		t.Fatalf("untouched fields changed: %+v", prefs)
	}

	if _, err := svc.UpdatePreferences(context.Background(), u.ID, PreferencesPatch{DefaultMaxTime: ptr(10)}); err == nil {
		t.Fatalf("expected validation error for max time 10")
	}

	stored, _ := svc.Profile(context.Background(), u.ID)
	if stored.Preferences.Theme != "dark" {
		t.Fatalf("preferences not persisted")
	}
}

func TestPublicProfile(t *testing.T) {
	_, svc := newService()
	u, _ := svc.Resolve(context.Background(), &auth.Claims{Subject: "sub-1", DisplayName: "Ada", Email: "ada@example.com"})

	p, err := svc.PublicProfile(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("public profile: %v", err)
	}
	if p.DisplayName == nil || *p.DisplayName != "Ada" {
		t.Fatalf("display name = %v", p.DisplayName)
	}
}

func ptr[T any](v T) *T { return &v }
