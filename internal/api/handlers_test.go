package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/schulte-trainer/internal/auth"
	"github.com/schulte-trainer/internal/constants"
	"github.com/schulte-trainer/internal/kafka"
	"github.com/schulte-trainer/internal/leaderboard"
	"github.com/schulte-trainer/internal/partition"
	"github.com/schulte-trainer/internal/sessions"
	"github.com/schulte-trainer/internal/stats"
	"github.com/schulte-trainer/internal/storage"
	"github.com/schulte-trainer/internal/users"
)

var fixedNow = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store := storage.NewMemoryStore()
	board := leaderboard.NewEngine(store, zerolog.Nop())
	sessionSvc := sessions.NewService(store, stats.NewEngine(zerolog.Nop()), board, partition.NewLocker(), zerolog.Nop())
	sessionSvc.SetClock(func() time.Time { return fixedNow })
	userSvc := users.NewService(store, zerolog.Nop())

	h := NewHandlers(sessionSvc, board, userSvc, kafka.NewDisabledProducer(zerolog.Nop()), nil, store, "memory")
	h.SetClock(func() time.Time { return fixedNow })
	authn := auth.NewMiddleware(auth.HeaderVerifier{}, userSvc, true)

	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Route("/api/v1", func(r chi.Router) {
		h.RegisterRoutes(r, authn)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, user string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set("X-Auth-User", user)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func sessionBody(clientID string, timeMs int64) map[string]interface{} {
	return map[string]interface{}{
		"client_session_id":  clientID,
		"grid_size":          5,
		"max_time":           120,
		"order_mode":         "ASC",
		"status":             "completed",
		"completion_time_ms": timeMs,
		"mistakes":           1,
		"accuracy":           96.0,
		"tap_events": []map[string]interface{}{
			{"cellIndex": 3, "expectedValue": 1, "tappedValue": 1, "correct": true, "timestampMs": 400},
			{"cellIndex": 7, "expectedValue": 2, "tappedValue": 2, "correct": true, "timestampMs": 900},
		},
		"started_at": fixedNow.Add(-time.Minute).Format(time.RFC3339),
	}
}

func TestCreateSessionIsIdempotent(t *testing.T) {
	srv := newTestServer(t)

	resp, first := do(t, srv, http.MethodPost, "/api/v1/sessions", "alice", sessionBody("c-1", 28500))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if _, ok := first["tap_events"]; ok {
		t.Fatalf("create response should not carry tap events")
	}

	resp, second := do(t, srv, http.MethodPost, "/api/v1/sessions", "alice", sessionBody("c-1", 20000))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("replay status = %d, want 201", resp.StatusCode)
	}
	if first["id"] != second["id"] || second["completion_time_ms"].(float64) != 28500 {
		t.Fatalf("replay returned a different session: %v vs %v", first, second)
	}

	_, list := do(t, srv, http.MethodGet, "/api/v1/sessions", "alice", nil)
	meta := list["meta"].(map[string]interface{})
	if meta["total"].(float64) != 1 || meta["total_pages"].(float64) != 1 {
		t.Fatalf("unexpected meta: %v", meta)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	srv := newTestServer(t)

	body := sessionBody("c-1", 28500)
	body["grid_size"] = 11
	resp, out := do(t, srv, http.MethodPost, "/api/v1/sessions", "alice", body)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if out["field"] != "grid_size" {
		t.Fatalf("field = %v, want grid_size", out["field"])
	}
}

func TestSessionsRequireAuth(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := do(t, srv, http.MethodGet, "/api/v1/sessions", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGetAndDeleteSession(t *testing.T) {
	srv := newTestServer(t)

	_, created := do(t, srv, http.MethodPost, "/api/v1/sessions", "alice", sessionBody("c-1", 28500))
	path := fmt.Sprintf("/api/v1/sessions/%s", created["id"])

	resp, detail := do(t, srv, http.MethodGet, path, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if taps := detail["tap_events"].([]interface{}); len(taps) != 2 {
		t.Fatalf("expected 2 tap events, got %d", len(taps))
	}
	summary := detail["tap_summary"].(map[string]interface{})
	if summary["correctTaps"].(float64) != 2 || summary["avgTapIntervalMs"].(float64) != 500 {
		t.Fatalf("unexpected summary: %v", summary)
	}

	if resp, _ := do(t, srv, http.MethodGet, path, "bob", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("other user status = %d, want 404", resp.StatusCode)
	}
	if resp, _ := do(t, srv, http.MethodDelete, path, "bob", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("other user delete status = %d, want 404", resp.StatusCode)
	}
	if resp, _ := do(t, srv, http.MethodDelete, path, "alice", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	if resp, _ := do(t, srv, http.MethodDelete, path, "alice", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestSyncSessions(t *testing.T) {
	srv := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/sessions", "alice", sessionBody("c-1", 28500))

	resp, out := do(t, srv, http.MethodPost, "/api/v1/sessions/sync", "alice", map[string]interface{}{
		"sessions": []interface{}{sessionBody("c-1", 28500), sessionBody("c-2", 27000), sessionBody("c-3", 31000)},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if out["synced"].(float64) != 2 || out["skipped"].(float64) != 1 {
		t.Fatalf("unexpected sync result: %v", out)
	}
}

func TestDailyLeaderboard(t *testing.T) {
	srv := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/sessions", "alice", sessionBody("a-1", 28500))
	do(t, srv, http.MethodPost, "/api/v1/sessions", "bob", sessionBody("b-1", 25000))

	resp, out := do(t, srv, http.MethodGet, "/api/v1/leaderboards/daily?grid_size=5&order_mode=ASC", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data := out["data"].([]interface{})
	if len(data) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(data))
	}
	top := data[0].(map[string]interface{})
	if top["best_time_ms"].(float64) != 25000 || top["rank"].(float64) != 1 {
		t.Fatalf("unexpected top entry: %v", top)
	}
	caller := out["current_user"].(map[string]interface{})
	if caller["rank"].(float64) != 2 {
		t.Fatalf("caller rank = %v, want 2", caller["rank"])
	}

	_, anon := do(t, srv, http.MethodGet, "/api/v1/leaderboards/daily", "", nil)
	if anon["current_user"] != nil {
		t.Fatalf("anonymous board should not carry a caller rank")
	}

	_, past := do(t, srv, http.MethodGet, "/api/v1/leaderboards/daily/2024-12-31", "", nil)
	if len(past["data"].([]interface{})) != 0 {
		t.Fatalf("expected empty board for another date")
	}

	_, allTime := do(t, srv, http.MethodGet, "/api/v1/leaderboards/all-time", "", nil)
	if meta := allTime["meta"].(map[string]interface{}); meta["total_entries"].(float64) != 2 {
		t.Fatalf("unexpected all-time meta: %v", meta)
	}
}

func TestLeaderboardRejectsBadQuery(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{
		"/api/v1/leaderboards/daily?limit=101",
		"/api/v1/leaderboards/daily?limit=0",
		"/api/v1/leaderboards/daily?grid_size=3",
		"/api/v1/leaderboards/daily?order_mode=UP",
		"/api/v1/leaderboards/daily/not-a-date",
		"/api/v1/leaderboards/all-time?offset=-1",
	} {
		if resp, _ := do(t, srv, http.MethodGet, path, "", nil); resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("%s: status = %d, want 422", path, resp.StatusCode)
		}
	}
}

func TestUserProfileAndPreferences(t *testing.T) {
	srv := newTestServer(t)

	resp, me := do(t, srv, http.MethodGet, "/api/v1/users/me", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if me["stats"] == nil {
		t.Fatalf("profile should include stats")
	}

	resp, prefs := do(t, srv, http.MethodPatch, "/api/v1/users/me/preferences", "alice", map[string]interface{}{"theme": "dark"})
	if resp.StatusCode != http.StatusOK || prefs["theme"] != "dark" || prefs["defaultGridSize"].(float64) != 5 {
		t.Fatalf("unexpected preferences: %d %v", resp.StatusCode, prefs)
	}

	resp, _ = do(t, srv, http.MethodPatch, "/api/v1/users/me", "alice", map[string]interface{}{"display_name": ""})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("empty name status = %d, want 422", resp.StatusCode)
	}

	resp, public := do(t, srv, http.MethodGet, fmt.Sprintf("/api/v1/users/%s", me["id"]), "", nil)
	if resp.StatusCode != http.StatusOK || public["display_name"] != "alice" {
		t.Fatalf("unexpected public profile: %d %v", resp.StatusCode, public)
	}
	if _, ok := public["email"]; ok {
		t.Fatalf("public profile must not expose email")
	}
}

func TestGridAndHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, out := do(t, srv, http.MethodGet, "/api/v1/grid?size=6&order_mode=DESC", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	board := out["board"].(map[string]interface{})
	if cells := board["cells"].([]interface{}); len(cells) != 36 {
		t.Fatalf("expected 36 cells, got %d", len(cells))
	}
	if out["startingValue"].(float64) != 36 {
		t.Fatalf("starting value = %v, want 36", out["startingValue"])
	}

	resp, health := do(t, srv, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK || health["status"] != "healthy" {
		t.Fatalf("unexpected health: %d %v", resp.StatusCode, health)
	}
}

func TestListSessionsPastLastPage(t *testing.T) {
	srv := newTestServer(t)
	do(t, srv, http.MethodPost, "/api/v1/sessions", "alice", sessionBody("c-1", 28500))

	resp, out := do(t, srv, http.MethodGet, "/api/v1/sessions?page=9223372036854775807", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if data := out["data"].([]interface{}); len(data) != 0 {
		t.Fatalf("data = %v, want empty", data)
	}
	if meta := out["meta"].(map[string]interface{}); meta["total"].(float64) != 1 {
		t.Fatalf("unexpected meta: %v", meta)
	}
}

func TestDecodeJSONLimitsBodySize(t *testing.T) {
	body := `{"client_session_id":"` + strings.Repeat("x", constants.MaxRequestBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader(body))
	w := httptest.NewRecorder()

	var v map[string]interface{}
	err := decodeJSON(w, req, &v)
	if err != errBodyTooLarge {
		t.Fatalf("err = %v, want errBodyTooLarge", err)
	}

	respondError(w, req, err)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}
