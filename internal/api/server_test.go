package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/config"
	"github.com/MLTQ/ponderer-backend/internal/storage"
	"github.com/MLTQ/ponderer-backend/internal/tools"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFileTool(1 << 10))

	cfg := config.Default()
	cfg.Server.AuthMode = "disabled"

	return New(store, nil, nil, registry, cfg, "", nil, nil, nil), store
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func TestHealthAndPlugins(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/health status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/plugins", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/plugins status = %d", rec.Code)
	}
	var manifests []map[string]any
	decodeBody(t, rec, &manifests)
	if len(manifests) == 0 {
		t.Fatal("expected at least the builtin.core manifest entry")
	}
}

func TestConversationLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	body, _ := json.Marshal(map[string]string{"title": "test conversation"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/conversations", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /v1/conversations status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created map[string]any
	decodeBody(t, rec, &created)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("created conversation has no id")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/conversations/:id status = %d", rec.Code)
	}

	// No summary has been written yet: spec documents this as null, not 404.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/"+id+"/summary", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/conversations/:id/summary status = %d", rec.Code)
	}
	if got := bytes.TrimSpace(rec.Body.Bytes()); string(got) != "null" {
		t.Fatalf("summary body = %s, want null", got)
	}

	msgBody, _ := json.Marshal(map[string]string{"content": "hello"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/conversations/"+id+"/messages", bytes.NewReader(msgBody)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /v1/conversations/:id/messages status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var queued map[string]string
	decodeBody(t, rec, &queued)
	if queued["status"] != "queued" || queued["message_id"] == "" {
		t.Fatalf("unexpected queue response: %+v", queued)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/"+id+"/messages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/conversations/:id/messages status = %d", rec.Code)
	}
	var messages []map[string]any
	decodeBody(t, rec, &messages)
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
}

func TestPostMessageUnknownConversation(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	msgBody, _ := json.Marshal(map[string]string{"content": "hello"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/conversations/does-not-exist/messages", bytes.NewReader(msgBody)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestAgentStatusWithoutSchedulerOrChat(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/agent/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status map[string]any
	decodeBody(t, rec, &status)
	if status["paused"] != false {
		t.Fatalf("paused = %v, want false", status["paused"])
	}

	// Stop and toggle-pause must tolerate a nil chat manager / scheduler
	// rather than panicking, since a server can run with the REST surface
	// up before the domain layer finishes constructing.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/agent/stop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /v1/agent/stop status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/agent/toggle-pause", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /v1/agent/toggle-pause status = %d", rec.Code)
	}
}

func TestApproveToolWithoutChatManager(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/agent/tools/shell/approve", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/config status = %d", rec.Code)
	}
	var cfg config.Config
	decodeBody(t, rec, &cfg)
	cfg.Loop.MaxForegroundTurns = 7

	updated, _ := json.Marshal(cfg)
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/config", bytes.NewReader(updated))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /v1/config status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/config", nil))
	var roundTripped config.Config
	decodeBody(t, rec, &roundTripped)
	if roundTripped.Loop.MaxForegroundTurns != 7 {
		t.Fatalf("MaxForegroundTurns = %d, want 7", roundTripped.Loop.MaxForegroundTurns)
	}
}

func TestHubDispatchDropsOnFullChannel(t *testing.T) {
	hub := newWSHub()
	client := &wsClient{send: make(chan []byte, 1)}
	hub.register(client)

	// Fill the bounded channel, then dispatch past it: the second send must
	// not block the caller.
	client.send <- []byte("seed")
	done := make(chan struct{})
	go func() {
		hub.Dispatch(models.AgentEvent{RunID: "run-1", EventType: models.EventStateChanged})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full client channel")
	}
}
