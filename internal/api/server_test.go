package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/energizer-project/flagrun/internal/config"
	"github.com/energizer-project/flagrun/internal/db"
	"github.com/energizer-project/flagrun/internal/server"
)

type fakeLobby struct {
	snap *server.LobbySnapshot
}

func (f *fakeLobby) Snapshot() *server.LobbySnapshot { return f.snap }

type fakeHistory struct {
	matches []db.Match
}

func (f *fakeHistory) Recent(limit int) ([]db.Match, error) {
	return f.matches[:min(limit, len(f.matches))], nil
}

func (f *fakeHistory) Match(gameID uint32) (db.Match, error) {
	for _, m := range f.matches {
		if m.GameID == gameID {
			return m, nil
		}
	}
	return db.Match{}, sql.ErrNoRows
}

func (f *fakeHistory) Stats() (db.HistoryStats, error) {
	return db.HistoryStats{Matches: len(f.matches)}, nil
}

func testLobby() *fakeLobby {
	start := time.Unix(1000, 0)
	return &fakeLobby{snap: &server.LobbySnapshot{
		At:        start.Add(time.Minute),
		StartedAt: start,
		LobbyPort: 5000,
		Waiting:   []string{"10.0.0.9:4000"},
		Games: []server.InstanceInfo{
			{ID: 1, Port: 5001, Owner: "10.0.0.1:4000", State: server.StateActive},
			{ID: 2, Port: 5002, Owner: "10.0.0.2:4000", State: server.StateEnding},
		},
		FreePorts: 14,
	}}
}

func newTestServer(t *testing.T, history History) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.API.RateLimitRPS = 0
	return NewServer(cfg, testLobby(), history)
}

func get(t *testing.T, s *Server, path string, out interface{}) int {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestPing(t *testing.T) {
	s := newTestServer(t, nil)
	var body map[string]string
	if code := get(t, s, "/api/public/ping", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["service"] != "flagrun" {
		t.Fatalf("expected flagrun service, got %v", body)
	}
}

func TestInfoReportsLobbyAndHost(t *testing.T) {
	s := newTestServer(t, nil)
	var body map[string]interface{}
	if code := get(t, s, "/api/public/info", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["lobby_port"] != float64(5000) || body["running_games"] != float64(2) {
		t.Fatalf("unexpected info %v", body)
	}
	if _, ok := body["local_ip"]; !ok {
		t.Fatalf("expected local_ip in info, got %v", body)
	}
}

func TestLobbySnapshot(t *testing.T) {
	s := newTestServer(t, nil)
	var snap struct {
		LobbyPort int                      `json:"lobby_port"`
		Waiting   []string                 `json:"waiting"`
		Games     []map[string]interface{} `json:"games"`
	}
	if code := get(t, s, "/api/lobby", &snap); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if snap.LobbyPort != 5000 || len(snap.Games) != 2 || len(snap.Waiting) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestGamesFilterByState(t *testing.T) {
	s := newTestServer(t, nil)
	var body struct {
		Games []map[string]interface{} `json:"games"`
		Total int                      `json:"total"`
	}
	if code := get(t, s, "/api/games?state=active", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.Total != 1 || body.Games[0]["port"].(float64) != 5001 {
		t.Fatalf("expected only the active game, got %+v", body)
	}
}

func TestGameByID(t *testing.T) {
	s := newTestServer(t, nil)

	var game map[string]interface{}
	if code := get(t, s, "/api/games/2", &game); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if game["state"] != "ending" {
		t.Fatalf("expected ending state, got %v", game["state"])
	}

	if code := get(t, s, "/api/games/9", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if code := get(t, s, "/api/games/abc", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestHistoryDisabled(t *testing.T) {
	s := newTestServer(t, nil)
	if code := get(t, s, "/api/history", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
}

func TestHistoryRoutes(t *testing.T) {
	hist := &fakeHistory{matches: []db.Match{
		{GameID: 3, Port: 5001, Winner: "a"},
		{GameID: 2, Port: 5002},
		{GameID: 1, Port: 5001},
	}}
	s := newTestServer(t, hist)

	var list struct {
		Matches []db.Match `json:"matches"`
		Count   int        `json:"count"`
	}
	if code := get(t, s, "/api/history?limit=2", &list); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if list.Count != 2 || list.Matches[0].GameID != 3 {
		t.Fatalf("unexpected history %+v", list)
	}

	var match db.Match
	if code := get(t, s, "/api/history/3", &match); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if match.Winner != "a" {
		t.Fatalf("expected winner a, got %q", match.Winner)
	}
	if code := get(t, s, "/api/history/7", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}

	var stats db.HistoryStats
	if code := get(t, s, "/api/history/stats", &stats); code != http.StatusOK || stats.Matches != 3 {
		t.Fatalf("expected 3 matches in stats, got %d %+v", code, stats)
	}
}

func TestValidateConfig(t *testing.T) {
	s := newTestServer(t, nil)
	var body struct {
		Valid bool `json:"valid"`
	}
	if code := get(t, s, "/api/config/validate", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	// Rate limiting is off in the test config, which only warns.
	if !body.Valid {
		t.Fatal("expected default config to be valid")
	}
}

func TestRateLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.RateLimitRPS = 1
	s := NewServer(cfg, testLobby(), nil)

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = get(t, s, "/api/public/ping", nil)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("expected burst of 2 allowed, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third request limited, got %d", codes[2])
	}
}

func TestUnknownAPIRoute(t *testing.T) {
	s := newTestServer(t, nil)
	if code := get(t, s, "/api/nope", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}
