package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"cipherroom/server/internal/core"
	"cipherroom/server/internal/store"
)

func TestHealthAndState(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "cipherroom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	rooms := core.NewManager(st)
	if _, err := rooms.Acquire("room-a"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	t.Cleanup(func() { rooms.Release("room-a") })

	api := New(rooms)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	healthResp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", healthResp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(healthResp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Rooms != 1 {
		t.Fatalf("unexpected health payload: %#v", health)
	}

	stateResp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatalf("GET /api/state: %v", err)
	}
	defer stateResp.Body.Close()
	if stateResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /api/state, got %d", stateResp.StatusCode)
	}
	var state stateResponse
	if err := json.NewDecoder(stateResp.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(state.Rooms) != 1 || state.Rooms[0].RoomID != "room-a" {
		t.Fatalf("unexpected state payload: %#v", state)
	}
	if state.Sessions != 0 {
		t.Fatalf("expected 0 sessions, got %d", state.Sessions)
	}
}
