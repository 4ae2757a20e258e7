package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"videoarchiver/internal/config"
	"videoarchiver/internal/engine"
	"videoarchiver/internal/logging"
	"videoarchiver/internal/queue"
	"videoarchiver/internal/testsupport"
)

func newTestAPI(t *testing.T, opts ...testsupport.ConfigOption) (*apiServer, *Daemon) {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	return newTestAPIWithConfig(t, cfg)
}

func newTestAPIWithConfig(t *testing.T, cfg *config.Config) (*apiServer, *Daemon) {
	t.Helper()
	eng, err := engine.New(cfg, testsupport.NewScriptedProcessor(), logging.NewNop())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	d, err := New(cfg, eng, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if d.api == nil {
		t.Fatal("expected api server for configured bind")
	}
	return d.api, d
}

func serve(srv *apiServer, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.routes().ServeHTTP(w, req)
	return w
}

func TestAPIServerEnqueueAndList(t *testing.T) {
	srv, _ := newTestAPI(t)

	body, _ := json.Marshal(EnqueueRequest{
		GuildID:   "g1",
		ChannelID: "c1",
		MessageID: "m1",
		URLs:      []string{"https://example.com/a", "https://example.com/b", "https://example.com/a"},
	})
	w := serve(srv, httptest.NewRequest(http.MethodPost, "/api/queue", bytes.NewReader(body)))
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var enqueued struct {
		Admissions []engine.Admission `json:"admissions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &enqueued); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(enqueued.Admissions) != 3 || enqueued.Admissions[2].Error == "" {
		t.Fatalf("unexpected admissions: %+v", enqueued.Admissions)
	}

	w = serve(srv, httptest.NewRequest(http.MethodGet, "/api/queue?guild=g1&status=pending", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var listed struct {
		Items []queue.Item `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Items) != 2 || listed.Items[0].URL != "https://example.com/a" {
		t.Fatalf("unexpected items: %+v", listed.Items)
	}

	w = serve(srv, httptest.NewRequest(http.MethodGet, "/api/queue/"+listed.Items[1].ID, nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "https://example.com/b") {
		t.Fatalf("item lookup failed: %d %s", w.Code, w.Body.String())
	}
	w = serve(srv, httptest.NewRequest(http.MethodGet, "/api/queue/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAPIServerEnqueueRejections(t *testing.T) {
	srv, _ := newTestAPI(t, testsupport.WithQueueLimits(1, 3))

	post := func(url string) int {
		body, _ := json.Marshal(EnqueueRequest{GuildID: "g1", ChannelID: "c1", MessageID: "m1", URLs: []string{url}})
		return serve(srv, httptest.NewRequest(http.MethodPost, "/api/queue", bytes.NewReader(body))).Code
	}
	if code := post("https://example.com/a"); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if code := post("https://example.com/a"); code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", code)
	}
	if code := post("https://example.com/b"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when full, got %d", code)
	}

	w := serve(srv, httptest.NewRequest(http.MethodPost, "/api/queue", strings.NewReader(`{"bogus":1}`)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", w.Code)
	}
	w = serve(srv, httptest.NewRequest(http.MethodPost, "/api/queue", strings.NewReader(`{"guild_id":"g1","urls":[]}`)))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty urls, got %d", w.Code)
	}
}

func TestAPIServerClearQueue(t *testing.T) {
	srv, d := newTestAPI(t)
	if _, err := d.engine.Enqueue(t.Context(), "g1", "c1", "m1", "https://example.com/a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w := serve(srv, httptest.NewRequest(http.MethodDelete, "/api/queue", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without guild, got %d", w.Code)
	}
	w = serve(srv, httptest.NewRequest(http.MethodDelete, "/api/queue?guild=g1", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"removed":1`) {
		t.Fatalf("unexpected clear response: %d %s", w.Code, w.Body.String())
	}
}

func TestAPIServerPauseResumeAndStatus(t *testing.T) {
	srv, d := newTestAPI(t)

	w := serve(srv, httptest.NewRequest(http.MethodGet, "/api/pause", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
	w = serve(srv, httptest.NewRequest(http.MethodPost, "/api/pause", nil))
	if w.Code != http.StatusOK || !d.engine.GetStatus("").Paused {
		t.Fatalf("pause failed: %d", w.Code)
	}

	w = serve(srv, httptest.NewRequest(http.MethodGet, "/api/status?guild=g1", nil))
	var status engine.Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Paused || status.GuildID != "g1" {
		t.Fatalf("unexpected guild status: %+v", status)
	}

	w = serve(srv, httptest.NewRequest(http.MethodPost, "/api/resume", nil))
	if w.Code != http.StatusOK || d.engine.GetStatus("").Paused {
		t.Fatalf("resume failed: %d", w.Code)
	}

	w = serve(srv, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	var daemonStatus Status
	if err := json.Unmarshal(w.Body.Bytes(), &daemonStatus); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if daemonStatus.LockFilePath != d.lockPath || daemonStatus.PID == 0 {
		t.Fatalf("unexpected daemon status: %+v", daemonStatus)
	}
}

func TestAPIServerHealthAndMetrics(t *testing.T) {
	srv, d := newTestAPI(t)
	if _, err := d.engine.Enqueue(t.Context(), "g1", "c1", "m1", "https://example.com/a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w := serve(srv, httptest.NewRequest(http.MethodGet, "/api/health?refresh=1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"queue_depth":1`) {
		t.Fatalf("health missing depth: %s", w.Body.String())
	}

	w = serve(srv, httptest.NewRequest(http.MethodGet, "/api/metrics?guild=g1", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"enqueued":1`) {
		t.Fatalf("unexpected metrics: %d %s", w.Code, w.Body.String())
	}

	w = serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected prometheus 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "archiver_") {
		t.Fatalf("prometheus exposition missing archiver metrics: %s", w.Body.String())
	}
}

func TestAPIServerRequiresToken(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIToken = "secret"
	srv, _ := newTestAPIWithConfig(t, cfg)

	w := serve(srv, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if w := serve(srv, req); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", w.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	if w := serve(srv, req); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}

	srv.setToken("")
	if w := serve(srv, httptest.NewRequest(http.MethodGet, "/api/status", nil)); w.Code != http.StatusOK {
		t.Fatalf("expected open access after token cleared, got %d", w.Code)
	}
}
