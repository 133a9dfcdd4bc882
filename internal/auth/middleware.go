package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/storage"
)

type contextKey string

const UserIDKey contextKey = "userId"

// Resolver maps verified claims onto a stored user
type Resolver interface {
	Resolve(ctx context.Context, claims *Claims) (*storage.User, error)
}

// Middleware authenticates requests and stores the user id in the context
type Middleware struct {
	verifier     Verifier
	resolver     Resolver
	trustHeaders bool
}

// NewMiddleware creates request authentication middleware. With
// trustHeaders set, X-Auth-User is accepted when no bearer token is sent.
func NewMiddleware(verifier Verifier, resolver Resolver, trustHeaders bool) *Middleware {
	return &Middleware{verifier: verifier, resolver: resolver, trustHeaders: trustHeaders}
}

func (m *Middleware) credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	if m.trustHeaders {
		if user := r.Header.Get("X-Auth-User"); user != "" {
			return user
		}
		return r.Header.Get("X-Forwarded-User")
	}
	return ""
}

func (m *Middleware) authenticate(r *http.Request) (uuid.UUID, error) {
	token := m.credential(r)
	if token == "" {
		return uuid.Nil, ErrUnauthenticated
	}

	claims, err := m.verifier.Verify(r.Context(), token)
	if err != nil {
		return uuid.Nil, err
	}

	user, err := m.resolver.Resolve(r.Context(), claims)
	if err != nil {
		return uuid.Nil, err
	}
	return user.ID, nil
}

// RequireUser rejects requests without a valid identity
func (m *Middleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := m.authenticate(r)
		if err != nil {
			logger := zerolog.Ctx(r.Context())
			if errors.Is(err, ErrUnauthenticated) {
				logger.Debug().Err(err).Msg("authentication failed")
				writeUnauthorized(w)
				return
			}
			logger.Error().Err(err).Msg("failed to resolve user")
			http.Error(w, `{"detail":"internal server error"}`, http.StatusInternalServerError)
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalUser attaches the user when a valid identity is present and
// otherwise lets the request through anonymously
func (m *Middleware) OptionalUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := m.authenticate(r)
		if err != nil {
			if !errors.Is(err, ErrUnauthenticated) {
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("ignoring identity that could not be resolved")
			}
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"detail":"not authenticated"}`))
}

// UserID returns the authenticated user of the request context
func UserID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(UserIDKey).(uuid.UUID)
	return id, ok
}

// WithUserID returns a context carrying userID, for tests and internal calls
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
