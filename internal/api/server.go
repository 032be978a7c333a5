package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"shelfsync/internal/storage"
	"shelfsync/pkg/types"
)

// BookReader reads and removes a user's stored books. *storage.Persister
// satisfies it.
type BookReader interface {
	Books(ctx context.Context, userID string) ([]types.StoredBook, error)
	Cleanup(ctx context.Context, userID string) (int64, error)
}

// Server exposes the HTTP API for syncing and reading reading histories.
type Server struct {
	manager *SessionManager
	books   BookReader
	logger  *slog.Logger
	origins map[string]struct{}

	upgrader  websocket.Upgrader
	heartbeat time.Duration
	mux       *http.ServeMux
}

// NewServer wires handlers onto an HTTP mux. An empty allowedOrigins list
// allows every origin.
func NewServer(manager *SessionManager, books BookReader, logger *slog.Logger, allowedOrigins []string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager:   manager,
		books:     books,
		logger:    logger,
		origins:   make(map[string]struct{}, len(allowedOrigins)),
		heartbeat: 15 * time.Second,
		mux:       http.NewServeMux(),
	}
	for _, o := range allowedOrigins {
		s.origins[strings.ToLower(o)] = struct{}{}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}
	s.routes()
	return s
}

// ServeHTTP satisfies the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.origins) == 0 || origin == "" {
		return true
	}
	_, ok := s.origins[strings.ToLower(origin)]
	return ok
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/sync", s.handleSync)
	s.mux.HandleFunc("/api/sync/events", s.handleSyncEvents)
	s.mux.HandleFunc("/api/sync/ws", s.handleSyncWS)
	s.mux.HandleFunc("/api/sync/runs", s.handleRuns)
	s.mux.HandleFunc("/api/sync/runs/", s.handleRunByID)
	s.mux.HandleFunc("/api/books", s.handleBooks)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/cleanup", s.handleCleanup)
	s.mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	s.mux.HandleFunc("/docs", s.handleDocs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"timestamp":     time.Now().UTC(),
		"running_syncs": s.manager.Running(),
	})
}

// handleSync streams the run as newline-delimited JSON.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json payload: %v", err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	run, ok := s.startRun(w, req)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Run-ID", run.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	s.relay(r.Context(), run, func(ev types.ProgressEvent) error {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, nil)
}

// handleSyncEvents streams the run as Server-Sent Events.
func (s *Server) handleSyncEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	req := SyncRequest{UserID: q.Get("user_id"), ProfileID: q.Get("profile_id")}
	if req.ProfileID == "" {
		req.ProfileID = q.Get("source_profile_id")
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	run, ok := s.startRun(w, req)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Run-ID", run.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := func() error {
		if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	s.relay(r.Context(), run, func(ev types.ProgressEvent) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, heartbeat)
}

// handleSyncWS runs a sync over a WebSocket. The first client message is the
// sync request; every event is sent as a text frame.
func (s *Server) handleSyncWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req SyncRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(types.ProgressEvent{Error: fmt.Sprintf("invalid sync request: %v", err)})
		return
	}
	run, err := s.manager.StartRun(req)
	if err != nil {
		_ = conn.WriteJSON(types.ProgressEvent{Error: err.Error()})
		return
	}

	// Reading detects the peer going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.relay(ctx, run, func(ev types.ProgressEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(ev)
	}, func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "sync finished"),
		time.Now().Add(time.Second))
}

func (s *Server) startRun(w http.ResponseWriter, req SyncRequest) (*Run, bool) {
	run, err := s.manager.StartRun(req)
	if err != nil {
		if errors.Is(err, ErrMaxConcurrency) {
			writeError(w, http.StatusTooManyRequests, err.Error())
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return nil, false
	}
	return run, true
}

// relay forwards run events to send until the terminal event. A consumer
// that goes away or fails to receive abandons the run.
func (s *Server) relay(ctx context.Context, run *Run, send func(types.ProgressEvent) error, heartbeat func() error) {
	logger := s.logger.With("run_id", run.ID())
	var tick <-chan time.Time
	if heartbeat != nil && s.heartbeat > 0 {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case ev, open := <-run.Events():
			if !open {
				return
			}
			if err := send(ev); err != nil {
				logger.Info("sync consumer write failed, abandoning run", "error", err)
				run.Abandon()
				return
			}
		case <-tick:
			if err := heartbeat(); err != nil {
				run.Abandon()
				return
			}
		case <-ctx.Done():
			logger.Info("sync consumer disconnected, abandoning run")
			run.Abandon()
			return
		}
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	runs, err := s.manager.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sync/runs/"), "/")
	if trimmed == "" {
		http.NotFound(w, r)
		return
	}
	parts := strings.Split(trimmed, "/")
	runID, err := url.PathUnescape(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		snap, ok, err := s.manager.GetRun(r.Context(), runID)
		switch {
		case err != nil:
			writeError(w, http.StatusInternalServerError, err.Error())
		case !ok:
			http.NotFound(w, r)
		default:
			writeJSON(w, http.StatusOK, snap)
		}
		return
	}
	if parts[1] != "cancel" || len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := s.manager.CancelRun(runID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	books, ok := s.loadBooks(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	books, ok := s.loadBooks(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, storage.ComputeStats(books))
}

func (s *Server) loadBooks(w http.ResponseWriter, r *http.Request) ([]types.StoredBook, bool) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return nil, false
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return nil, false
	}
	books, err := s.books.Books(r.Context(), userID)
	if err != nil {
		s.logger.Error("load books failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load books")
		return nil, false
	}
	if books == nil {
		books = []types.StoredBook{}
	}
	return books, true
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json payload: %v", err))
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	deleted, err := s.books.Cleanup(r.Context(), req.UserID)
	if err != nil {
		s.logger.Error("cleanup failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clean up data")
		return
	}
	s.logger.Info("user data cleaned up", "user_id", req.UserID, "deleted", deleted)
	writeJSON(w, http.StatusOK, CleanupResponse{UserID: req.UserID, Deleted: deleted})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
