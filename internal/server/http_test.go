package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bezaspace/finvoice/internal/config"
	"github.com/bezaspace/finvoice/internal/session"
	"github.com/bezaspace/finvoice/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	registry := session.NewRegistry(logger, time.Minute, time.Minute)
	t.Cleanup(registry.Stop)

	srv := New(&config.ServerConfig{
		Port:           8080,
		BindAddress:    "127.0.0.1",
		MaxMessageSize: 1 << 20,
	}, logger, Deps{
		Registry: registry,
		Store:    db,
	})

	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)

	return ts, registry
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) apiResponse {
	t.Helper()
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	return envelope
}

func TestTransactionsCreateAndList(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/transactions", store.Transaction{
		Title:       "groceries",
		AmountCents: 4250,
		Category:    "food",
		Kind:        "expense",
		OccurredAt:  time.Now(),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	envelope := decodeEnvelope(t, resp)
	if envelope.Message != "transaction created" {
		t.Errorf("unexpected message: %q", envelope.Message)
	}

	resp, err := http.Get(ts.URL + "/transactions")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	envelope = decodeEnvelope(t, resp)

	list, ok := envelope.Data.([]any)
	if !ok {
		t.Fatalf("expected list in data, got %T", envelope.Data)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(list))
	}
	entry := list[0].(map[string]any)
	if entry["title"] != "groceries" || entry["kind"] != "expense" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestTransactionsRejectInvalidKind(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/transactions", store.Transaction{
		Title:       "mystery",
		AmountCents: 100,
		Kind:        "transfer",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid kind, got %d", resp.StatusCode)
	}
}

func TestBudgetsAndGoalsRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/budgets", store.Budget{
		Category:   "food",
		LimitCents: 50000,
		Month:      "2026-08",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("budget create: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/goals", store.Goal{
		Name:        "vacation",
		TargetCents: 200000,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("goal create: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	for _, path := range []string{"/budgets", "/goals"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		envelope := decodeEnvelope(t, resp)
		if list, ok := envelope.Data.([]any); !ok || len(list) != 1 {
			t.Errorf("GET %s: expected 1 entry, got %v", path, envelope.Data)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/transactions", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, registry := newTestServer(t)
	registry.Create()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("unexpected status: %v", health["status"])
	}
}

func TestSessionsEndpoint(t *testing.T) {
	ts, registry := newTestServer(t)
	sess := registry.Create()

	resp, err := http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions failed: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		TotalSessions int              `json:"total_sessions"`
		Sessions      []sessionSummary `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if payload.TotalSessions != 1 {
		t.Fatalf("expected 1 session, got %d", payload.TotalSessions)
	}
	if payload.Sessions[0].SessionID != sess.ID {
		t.Errorf("wrong session id: %s", payload.Sessions[0].SessionID)
	}
	if payload.Sessions[0].State != string(session.StateConnecting) {
		t.Errorf("wrong state: %s", payload.Sessions[0].State)
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts, registry := newTestServer(t)
	registry.Create()
	registry.Create()

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats failed: %v", err)
	}
	defer resp.Body.Close()

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if stats["active_sessions"].(float64) != 2 {
		t.Errorf("expected 2 active sessions, got %v", stats["active_sessions"])
	}
	byState := stats["sessions_by_state"].(map[string]any)
	if byState["connecting"].(float64) != 2 {
		t.Errorf("expected 2 connecting sessions, got %v", byState)
	}
}
