package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsprackett/agent-relay/internal/db"
	"github.com/zsprackett/agent-relay/internal/events"
	"github.com/zsprackett/agent-relay/internal/lock"
	"github.com/zsprackett/agent-relay/internal/presence"
	"github.com/zsprackett/agent-relay/internal/registry"
	"github.com/zsprackett/agent-relay/internal/router"
	"github.com/zsprackett/agent-relay/internal/session"
)

const (
	defaultSinceLimit = 100
	maxSinceLimit     = 500
)

type Config struct {
	Listen       string
	JWTSecret    string
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	store    *db.DB
	sessions *session.Manager
	router   *router.Router
	registry *registry.Registry
	presence *presence.Tracker
	cfg      Config
	logger   *slog.Logger
}

func New(store *db.DB, sessions *session.Manager, r *router.Router, reg *registry.Registry, tracker *presence.Tracker, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		store:    store,
		sessions: sessions,
		router:   r,
		registry: reg,
		presence: tracker,
		cfg:      cfg,
		logger:   logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/updates", s.handleUpdates)
	mux.HandleFunc("GET /v1/updates/since", s.handleUpdatesSince)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.handleAppendMessage)
	mux.HandleFunc("POST /v1/sessions/{id}/metadata", s.handleUpdateMetadata)
	return jwtMiddleware(s.cfg.JWTSecret, []string{"/healthz", "/metrics"}, mux)
}

// Run serves until ctx is done, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Listen, Handler: s.Handler()}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("webserver: listening", "addr", s.cfg.Listen)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps core errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, lock.ErrLockContended):
		http.Error(w, "busy, retry", http.StatusConflict)
	default:
		s.logger.Error("webserver: request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "connections": s.registry.Len()})
}

type sinceResponse struct {
	Updates []*events.Update `json:"updates"`
	LastSeq int64            `json:"lastSeq"`
}

func (s *Server) handleUpdatesSince(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	q := r.URL.Query()
	var after int64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid after", http.StatusBadRequest)
			return
		}
		after = n
	}
	limit := defaultSinceLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxSinceLimit)
	}

	recs, err := s.store.UpdatesSince(r.Context(), nil, uid, after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	last, err := s.store.LastUserSeq(r.Context(), nil, uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := sinceResponse{Updates: make([]*events.Update, 0, len(recs)), LastSeq: last}
	for _, rec := range recs {
		resp.Updates = append(resp.Updates, &events.Update{
			ID:        rec.ID,
			UserID:    rec.UserID,
			Seq:       rec.Seq,
			Type:      rec.Type,
			Body:      json.RawMessage(rec.Body),
			CreatedAt: rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type createSessionRequest struct {
	Tag      string `json:"tag"`
	Metadata string `json:"metadata"`
}

type createSessionResponse struct {
	Session session.Info `json:"session"`
	Created bool         `json:"created"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, created, err := s.sessions.GetOrCreate(r.Context(), userID(r), session.CreateOptions{
		Tag:      body.Tag,
		Metadata: body.Metadata,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, createSessionResponse{Session: session.InfoOf(sess), Created: created})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.InfoOf(sess))
}

type appendMessageRequest struct {
	LocalID string `json:"localId"`
	Content string `json:"content"`
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var body appendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := s.sessions.AppendMessage(r.Context(), userID(r), r.PathValue("id"),
		session.MessageInput{LocalID: body.LocalID, Content: body.Content}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session.MessageInfoOf(msg))
}

type updateMetadataRequest struct {
	Metadata        string `json:"metadata"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

type updateMetadataResponse struct {
	Result   string `json:"result"` // "success" or "version-mismatch"
	Version  int64  `json:"version"`
	Metadata string `json:"metadata"`
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	var body updateMetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.sessions.UpdateMetadata(r.Context(), userID(r), r.PathValue("id"), body.Metadata, body.ExpectedVersion)
	if errors.Is(err, session.ErrVersionMismatch) && sess != nil {
		writeJSON(w, http.StatusConflict, updateMetadataResponse{
			Result:   "version-mismatch",
			Version:  sess.MetadataVersion,
			Metadata: sess.Metadata,
		})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updateMetadataResponse{
		Result:   "success",
		Version:  sess.MetadataVersion,
		Metadata: sess.Metadata,
	})
}
