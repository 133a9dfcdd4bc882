package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/auth"
	"github.com/schulte-trainer/internal/constants"
	"github.com/schulte-trainer/internal/game"
	"github.com/schulte-trainer/internal/storage"
)

// Store is what the user service needs from storage
type Store interface {
	storage.UserStore
	GetStats(ctx context.Context, userID uuid.UUID) (*storage.UserStats, error)
}

// Service manages accounts mirrored from the identity provider
type Service struct {
	store  Store
	logger zerolog.Logger
}

// NewService creates a new user service
func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Resolve returns the user for verified claims, provisioning the account
// and its empty stats on first sight
func (s *Service) Resolve(ctx context.Context, claims *auth.Claims) (*storage.User, error) {
	u, err := s.store.UserBySubject(ctx, claims.Subject)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	u = &storage.User{
		ID:          uuid.New(),
		Subject:     claims.Subject,
		Preferences: storage.DefaultPreferences(),
	}
	if claims.Email != "" {
		email := claims.Email
		u.Email = &email
	}
	if name := truncate(strings.TrimSpace(claims.DisplayName), constants.MaxDisplayNameLen); name != "" {
		u.DisplayName = &name
	}

	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// provisioned by a concurrent request
			return s.store.UserBySubject(ctx, claims.Subject)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info().Str("user_id", u.ID.String()).Msg("user provisioned")
	return u, nil
}

// Profile is a user together with their statistics
type Profile struct {
	ID          uuid.UUID           `json:"id"`
	Email       *string             `json:"email"`
	DisplayName *string             `json:"display_name"`
	AvatarURL   *string             `json:"avatar_url"`
	Preferences storage.Preferences `json:"preferences"`
	Stats       *storage.UserStats  `json:"stats"`
	CreatedAt   time.Time           `json:"created_at"`
}

// PublicProfile is what other users may see
type PublicProfile struct {
	ID          uuid.UUID `json:"id"`
	DisplayName *string   `json:"display_name"`
	AvatarURL   *string   `json:"avatar_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// Profile returns the user's own profile with stats
func (s *Service) Profile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	st, err := s.store.GetStats(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		st = storage.NewUserStats(userID)
	} else if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}

	return &Profile{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Preferences: u.Preferences,
		Stats:       st,
		CreatedAt:   u.CreatedAt,
	}, nil
}

// ProfileUpdate carries the profile fields to change; nil leaves a field as is
type ProfileUpdate struct {
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
}

// UpdateProfile changes the display name and avatar
func (s *Service) UpdateProfile(ctx context.Context, userID uuid.UUID, upd ProfileUpdate) (*Profile, error) {
	if upd.DisplayName != nil {
		n := utf8.RuneCountInString(*upd.DisplayName)
		if n < 1 || n > constants.MaxDisplayNameLen {
			return nil, &game.ValidationError{Field: "display_name", Message: "must be between 1 and 100 characters"}
		}
	}
	if upd.AvatarURL != nil && len(*upd.AvatarURL) > constants.MaxAvatarURLLen {
		return nil, &game.ValidationError{Field: "avatar_url", Message: "must be at most 500 characters"}
	}

	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if upd.DisplayName != nil {
		u.DisplayName = upd.DisplayName
	}
	if upd.AvatarURL != nil {
		u.AvatarURL = upd.AvatarURL
	}
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}

	return s.Profile(ctx, userID)
}

// PreferencesPatch is a partial preferences update; nil fields are kept
type PreferencesPatch struct {
	Theme           *string `json:"theme"`
	HapticFeedback  *bool   `json:"hapticFeedback"`
	SoundEffects    *bool   `json:"soundEffects"`
	ShowHints       *bool   `json:"showHints"`
	ShowFixationDot *bool   `json:"showFixationDot"`
	DefaultGridSize *int    `json:"defaultGridSize"`
	DefaultMaxTime  *int    `json:"defaultMaxTime"`
}

func (p *PreferencesPatch) validate() error {
	if p.DefaultGridSize != nil {
		if err := game.ValidateGridSize(*p.DefaultGridSize); err != nil {
			return &game.ValidationError{Field: "defaultGridSize", Message: "must be between 4 and 10"}
		}
	}
	if p.DefaultMaxTime != nil {
		if err := game.ValidateMaxTime(*p.DefaultMaxTime); err != nil {
			return &game.ValidationError{Field: "defaultMaxTime", Message: "must be between 30 and 600"}
		}
	}
	return nil
}

func (p *PreferencesPatch) empty() bool {
	return p.Theme == nil && p.HapticFeedback == nil && p.SoundEffects == nil &&
		p.ShowHints == nil && p.ShowFixationDot == nil && p.DefaultGridSize == nil && p.DefaultMaxTime == nil
}

func (p *PreferencesPatch) apply(prefs *storage.Preferences) {
	if p.Theme != nil {
		prefs.Theme = *p.Theme
	}
	if p.HapticFeedback != nil {
		prefs.HapticFeedback = *p.HapticFeedback
	}
	if p.SoundEffects != nil {
		prefs.SoundEffects = *p.SoundEffects
	}
	if p.ShowHints != nil {
		prefs.ShowHints = *p.ShowHints
	}
	if p.ShowFixationDot != nil {
		prefs.ShowFixationDot = *p.ShowFixationDot
	}
	if p.DefaultGridSize != nil {
		prefs.DefaultGridSize = *p.DefaultGridSize
	}
	if p.DefaultMaxTime != nil {
		prefs.DefaultMaxTime = *p.DefaultMaxTime
	}
}

// UpdatePreferences merges patch into the stored preferences
func (s *Service) UpdatePreferences(ctx context.Context, userID uuid.UUID, patch PreferencesPatch) (*storage.Preferences, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}

	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if patch.empty() {
		return &u.Preferences, nil
	}

	patch.apply(&u.Preferences)
	if err := s.store.UpdateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("update preferences: %w", err)
	}
	return &u.Preferences, nil
}

// PublicProfile returns another user's public fields
func (s *Service) PublicProfile(ctx context.Context, userID uuid.UUID) (*PublicProfile, error) {
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &PublicProfile{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		CreatedAt:   u.CreatedAt,
	}, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
