package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/agleyzer/hiitsim/internal/cluster"
	"github.com/agleyzer/hiitsim/internal/events"
	"github.com/agleyzer/hiitsim/internal/loader"
	"github.com/agleyzer/hiitsim/internal/playlist"
	"github.com/agleyzer/hiitsim/internal/segment"
	"github.com/agleyzer/hiitsim/internal/session"
	"github.com/agleyzer/hiitsim/internal/timecap"
)

// maxBodyBytes bounds request bodies carrying sequences.
const maxBodyBytes = 8 << 20

// ClusterInfo is the part of the cluster manager the server reports on.
type ClusterInfo interface {
	GetStats() map[string]any
	LeaderAddr() string
}

// Options holds the optional collaborators of a Server.
type Options struct {
	Port int

	// Templates enables the /templates endpoints when set.
	Templates *loader.TemplateStore

	// Cluster adds cluster stats to /health when set.
	Cluster ClusterInfo
}

// Server exposes a workout session over HTTP
type Server struct {
	session   *session.Session
	bus       *events.Bus
	preview   *playlist.Live
	templates *loader.TemplateStore
	cluster   ClusterInfo
	hub       *Hub

	port       int
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new HTTP server
func New(sess *session.Session, bus *events.Bus, preview *playlist.Live, opts Options, logger *slog.Logger) *Server {
	return &Server{
		session:   sess,
		bus:       bus,
		preview:   preview,
		templates: opts.Templates,
		cluster:   opts.Cluster,
		hub:       NewHub(bus, logger),
		port:      opts.Port,
		logger:    logger,
	}
}

// Handler returns the routed handler without request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /segments", s.handleGetSegments)
	mux.HandleFunc("POST /segments", s.handleLoad)
	mux.HandleFunc("POST /control/{op}", s.handleControl)
	mux.HandleFunc("POST /cap", s.handleCap)
	mux.HandleFunc("POST /cap/undo", s.handleUndoCap)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /ws", s.hub.ServeHTTP)
	mux.HandleFunc("GET /playlist.m3u8", s.handlePlaylist)
	mux.HandleFunc("GET /workout.m3u8", s.handleWorkout)

	if s.cluster != nil {
		mux.HandleFunc("GET /cluster/status", s.handleClusterStatus)
	}

	if s.templates != nil {
		mux.HandleFunc("GET /templates", s.handleListTemplates)
		mux.HandleFunc("POST /templates", s.handleSaveTemplate)
		mux.HandleFunc("POST /templates/{id}/load", s.handleLoadTemplate)
		mux.HandleFunc("DELETE /templates/{id}", s.handleDeleteTemplate)
	}

	return mux
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.loggingMiddleware(s.Handler()),
	}

	go s.hub.Run(ctx)

	// Start server in a goroutine
	go func() {
		s.logger.Info("starting HTTP server", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	// Graceful shutdown
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.hub.Close()
	return s.httpServer.Shutdown(shutdownCtx)
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"session":    s.session.GetStats(),
		"events":     s.bus.GetStats(),
		"ws_clients": s.hub.ClientCount(),
	}
	if s.preview != nil {
		stats["playlist"] = s.preview.GetStats()
	}
	if s.cluster != nil {
		stats["cluster"] = s.cluster.GetStats()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stats":  stats,
	})
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cluster.GetStats())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.View())
}

func (s *Server) handleGetSegments(w http.ResponseWriter, r *http.Request) {
	segs := s.session.Segments()
	if segs == nil {
		segs = []segment.Segment{}
	}
	base := s.session.Base()
	writeJSON(w, http.StatusOK, map[string]any{
		"segments":   segs,
		"total":      segment.TotalDuration(segs),
		"base_total": segment.TotalDuration(base),
	})
}

// handleLoad replaces the sequence. The body is a segment array or an object
// with a segments or demos field; ?demo= picks a demo from a bundle.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, fmt.Errorf("read body: %w", err), http.StatusBadRequest)
		return
	}

	segs, err := loader.ParseSequence(body, r.URL.Query().Get("demo"))
	if err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}

	if err := s.session.Load(r.Context(), segs); err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.session.View())
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	op, err := session.ParseOp(r.PathValue("op"))
	if err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}

	if err := s.session.Control(r.Context(), op); err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.session.View())
}

func (s *Server) handleCap(w http.ResponseWriter, r *http.Request) {
	var req session.CapRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("decode cap request: %w", err), http.StatusBadRequest)
		return
	}
	if req.Pool != "" && !req.Pool.Valid() {
		s.writeError(w, fmt.Errorf("unknown pool %q", req.Pool), http.StatusBadRequest)
		return
	}
	switch req.UnderStrategy {
	case "", timecap.StrategyAdjust, timecap.StrategyFinisher:
	default:
		s.writeError(w, fmt.Errorf("unknown under strategy %q", req.UnderStrategy), http.StatusBadRequest)
		return
	}

	res, err := s.session.ApplyCap(r.Context(), req)
	if err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUndoCap(w http.ResponseWriter, r *http.Request) {
	if err := s.session.UndoCap(r.Context()); err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.session.View())
}

// handleEvents returns buffered events newer than ?since=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, fmt.Errorf("invalid since %q", v), http.StatusBadRequest)
			return
		}
		since = n
	}

	evs := s.bus.Since(since)
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":   evs,
		"last_seq": s.bus.LastSeq(),
	})
}

// handlePlaylist serves the sliding window that follows the session
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	if s.preview == nil {
		http.NotFound(w, r)
		return
	}
	content, err := s.preview.Generate()
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writePlaylist(w, content)
}

// handleWorkout serves the whole current sequence as a VOD playlist.
func (s *Server) handleWorkout(w http.ResponseWriter, r *http.Request) {
	content, err := playlist.Export(s.session.Segments(), "")
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writePlaylist(w, content)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	all, err := s.templates.List()
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	if all == nil {
		all = []loader.Template{}
	}
	writeJSON(w, http.StatusOK, all)
}

// handleSaveTemplate stores the sequence currently playing under a name.
func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("decode template request: %w", err), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		s.writeError(w, errors.New("template name is required"), http.StatusBadRequest)
		return
	}

	segs := s.session.Segments()
	if segs == nil {
		s.writeError(w, session.ErrNoSequence, http.StatusConflict)
		return
	}

	tpl, err := s.templates.Save(req.Name, segs)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleLoadTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.templates.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	if err := s.session.Load(r.Context(), tpl.Segments); err != nil {
		s.writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.session.View())
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.templates.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps well-known errors to a status code; anything else gets
// fallback. Followers answer 409 with the leader's address.
func (s *Server) writeError(w http.ResponseWriter, err error, fallback int) {
	status := fallback
	body := map[string]any{"error": err.Error()}

	switch {
	case errors.Is(err, cluster.ErrNotLeader):
		status = http.StatusConflict
		var nle *cluster.NotLeaderError
		if errors.As(err, &nle) && nle.Leader != "" {
			body["leader"] = nle.Leader
		} else if s.cluster != nil {
			body["leader"] = s.cluster.LeaderAddr()
		}
	case errors.Is(err, session.ErrNoSequence), errors.Is(err, session.ErrNotCapped):
		status = http.StatusConflict
	case errors.Is(err, session.ErrUnknownOp):
		status = http.StatusBadRequest
	case errors.Is(err, loader.ErrTemplateNotFound), errors.Is(err, playlist.ErrEmpty):
		status = http.StatusNotFound
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writePlaylist(w http.ResponseWriter, content string) {
	// Set HLS-specific headers
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}
