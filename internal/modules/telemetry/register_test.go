package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gorilla/websocket"

	"healthsense-server/internal/migrate"
	"healthsense-server/internal/modules/telemetry/journal"
)

func setupJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "telemetry_log.jsonl"), nil)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	return j
}

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	if _, err := migrate.Run(context.Background(), db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func post(t *testing.T, url, contentType, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, contentType, strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRegisterFeature_IngestThenRead(t *testing.T) {
	mux := http.NewServeMux()
	f := RegisterFeature(mux, Options{Journal: setupJournal(t)})
	t.Cleanup(f.Close)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	resp := post(t, srv.URL+"/api/telemetry", "application/json",
		`{"aqi":82,"timestamp":"2025-11-19T10:21:00Z"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}

	get, err := http.Get(srv.URL + "/api/history?limit=5")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer get.Body.Close()

	var history struct {
		Count   int              `json:"count"`
		Entries []map[string]any `json:"entries"`
	}
	if err := json.NewDecoder(get.Body).Decode(&history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if history.Count != 1 || history.Entries[0]["aqi"] != 82.0 {
		t.Errorf("history = %+v", history)
	}

	if r, ok := f.Store.Latest(); !ok || *r.AQI != 82 {
		t.Errorf("Latest() = %+v, %v", r, ok)
	}
}

func TestRegisterFeature_HistoryNewestFirst(t *testing.T) {
	mux := http.NewServeMux()
	f := RegisterFeature(mux, Options{Journal: setupJournal(t)})
	t.Cleanup(f.Close)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	for i, ts := range []string{"2025-11-19T10:21:01Z", "2025-11-19T10:21:02Z", "2025-11-19T10:21:03Z"} {
		body := fmt.Sprintf(`{"aqi":%d,"timestamp":%q}`, i+1, ts)
		if resp := post(t, srv.URL+"/api/telemetry", "application/json", body); resp.StatusCode != http.StatusOK {
			t.Fatalf("POST %d status = %d", i+1, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/api/history?limit=2")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()

	var history struct {
		Count   int              `json:"count"`
		Entries []map[string]any `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if history.Count != 2 || len(history.Entries) != 2 {
		t.Fatalf("history = %+v; want 2 entries", history)
	}
	if history.Entries[0]["aqi"] != 3.0 || history.Entries[0]["timestamp"] != "2025-11-19T10:21:03Z" {
		t.Errorf("entries[0] = %v; want third reading", history.Entries[0])
	}
	if history.Entries[1]["aqi"] != 2.0 || history.Entries[1]["timestamp"] != "2025-11-19T10:21:02Z" {
		t.Errorf("entries[1] = %v; want second reading", history.Entries[1])
	}
}

func TestRegisterFeature_ReadingsRouteNeedsDB(t *testing.T) {
	mux := http.NewServeMux()
	f := RegisterFeature(mux, Options{Journal: setupJournal(t)})
	t.Cleanup(f.Close)

	req := httptest.NewRequest(http.MethodGet, "/api/readings", nil)
	_, pattern := mux.Handler(req)
	if pattern == "GET /api/readings" {
		t.Error("/api/readings registered without an archive")
	}
}

func TestRegisterFeature_ArchivesStoredReadings(t *testing.T) {
	db := setupDB(t)
	mux := http.NewServeMux()
	f := RegisterFeature(mux, Options{Journal: setupJournal(t), DB: db})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	post(t, srv.URL+"/data", "application/x-www-form-urlencoded", "spo2=97&timestamp=2025-11-19T10:21:00Z")
	post(t, srv.URL+"/data", "application/json", `{"heart_rate":71,"timestamp":"2025-11-19T10:22:00Z"}`)

	// Close flushes the archive queue.
	f.Close()

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM readings").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("archived rows = %d; want 2", n)
	}

	resp, err := http.Get(srv.URL + "/api/readings")
	if err != nil {
		t.Fatalf("GET readings: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Count int `json:"count"`
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || body.Total != 2 {
		t.Errorf("readings = %+v", body)
	}
}

func TestRegisterFeature_StreamReceivesUpdates(t *testing.T) {
	mux := http.NewServeMux()
	f := RegisterFeature(mux, Options{Journal: setupJournal(t)})
	t.Cleanup(f.Close)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.Hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("stream client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := f.Service.HandleMQTT("healthsense/telemetry", []byte(`{"body_temp_c":36.6}`)); err != nil {
		t.Fatalf("HandleMQTT: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got["body_temp_c"] != 36.6 || got["source"] != "mqtt" {
		t.Errorf("stream message = %v", got)
	}
}
