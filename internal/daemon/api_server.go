package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"videoarchiver/internal/config"
	"videoarchiver/internal/health"
	"videoarchiver/internal/logging"
	"videoarchiver/internal/queue"
)

const maxRequestBody = 1 << 20

// EnqueueRequest is the POST /api/queue body.
type EnqueueRequest struct {
	GuildID   string   `json:"guild_id"`
	ChannelID string   `json:"channel_id"`
	MessageID string   `json:"message_id"`
	URLs      []string `json:"urls"`
}

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon
	token  *tokenHolder

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// newAPIServer returns nil when no bind address is configured; every method
// tolerates a nil receiver.
func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:   bind,
		logger: logger,
		daemon: d,
		token:  newTokenHolder(cfg.Paths.APIToken),
	}
	srv.server = &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", authMiddleware(s.token, s.handleStatus))
	mux.HandleFunc("/api/health", authMiddleware(s.token, s.handleHealth))
	mux.HandleFunc("/api/metrics", authMiddleware(s.token, s.handleMetrics))
	mux.HandleFunc("/api/queue", authMiddleware(s.token, s.handleQueue))
	mux.HandleFunc("/api/queue/", authMiddleware(s.token, s.handleQueueItem))
	mux.HandleFunc("/api/pause", authMiddleware(s.token, s.handlePause))
	mux.HandleFunc("/api/resume", authMiddleware(s.token, s.handleResume))
	mux.HandleFunc("/metrics", authMiddleware(s.token, s.daemon.engine.MetricsHandler().ServeHTTP))
	return mux
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) address() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) setToken(token string) {
	if s == nil {
		return
	}
	s.token.set(token)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	guild := strings.TrimSpace(r.URL.Query().Get("guild"))
	if guild != "" {
		s.writeJSON(w, http.StatusOK, s.daemon.engine.GetStatus(guild))
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	report := s.daemon.engine.Health()
	if r.URL.Query().Get("refresh") == "1" || report.CheckedAt.IsZero() {
		report = s.daemon.engine.CheckHealth(r.Context())
	}
	status := http.StatusOK
	if report.Level == health.LevelCritical {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.engine.GetMetrics(r.URL.Query().Get("guild")))
}

func (s *apiServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listQueue(w, r)
	case http.MethodPost:
		s.enqueue(w, r)
	case http.MethodDelete:
		s.clearQueue(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) listQueue(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var statuses []queue.Status
	for _, value := range query["status"] {
		if strings.TrimSpace(value) == "" {
			continue
		}
		status, ok := queue.ParseStatus(value)
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", value))
			return
		}
		statuses = append(statuses, status)
	}
	items := s.daemon.engine.Items(query.Get("guild"), statuses...)
	if items == nil {
		items = []queue.Item{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *apiServer) enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	admissions, err := s.daemon.engine.EnqueueMessage(r.Context(), req.GuildID, req.ChannelID, req.MessageID, req.URLs)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusAccepted
	accepted := 0
	for _, adm := range admissions {
		if adm.ItemID != "" {
			accepted++
		}
	}
	if accepted == 0 {
		status = http.StatusConflict
		for _, adm := range admissions {
			if errors.Is(adm.Err, queue.ErrQueueFull) {
				status = http.StatusServiceUnavailable
				break
			}
			if errors.Is(adm.Err, queue.ErrInvalidRequest) {
				status = http.StatusBadRequest
			}
		}
	}
	s.writeJSON(w, status, map[string]any{"admissions": admissions})
}

func (s *apiServer) clearQueue(w http.ResponseWriter, r *http.Request) {
	guild := strings.TrimSpace(r.URL.Query().Get("guild"))
	if guild == "" {
		s.writeError(w, http.StatusBadRequest, "guild is required")
		return
	}
	removed := s.daemon.engine.ClearQueue(guild)
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *apiServer) handleQueueItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "queue item not found")
		return
	}
	item, ok := s.daemon.engine.Item(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "queue item not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (s *apiServer) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	changed := s.daemon.engine.Pause()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true, "changed": changed})
}

func (s *apiServer) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	changed := s.daemon.engine.Resume()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false, "changed": changed})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String("component", "api-server"))
	}
	return logging.NewNop()
}
