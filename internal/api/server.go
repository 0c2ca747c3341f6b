// Package api provides the HTTP server and handlers for the preview service.
package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/fruitsalade/preview/internal/logging"
	"github.com/fruitsalade/preview/internal/metacache"
	"github.com/fruitsalade/preview/internal/metrics"
	"github.com/fruitsalade/preview/internal/preview"
	"github.com/fruitsalade/preview/internal/session"
	"github.com/fruitsalade/preview/pkg/client"
	"github.com/fruitsalade/preview/pkg/models"
	"github.com/fruitsalade/preview/pkg/protocol"
)

const maxRequestBody = 1 << 20

// Server is the preview HTTP server.
type Server struct {
	metadata *metacache.Loader[models.Metadata]
	sessions *session.Manager
	origins  []string
	now      func() time.Time
}

// NewServer creates a new server. now may be nil.
func NewServer(metadata *metacache.Loader[models.Metadata], sessions *session.Manager, origins []string, now func() time.Time) *Server {
	if now == nil {
		now = time.Now
	}
	return &Server{
		metadata: metadata,
		sessions: sessions,
		origins:  origins,
		now:      now,
	}
}

// Handler returns the HTTP handler with CORS, logging and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/metadata", s.handleMetadata)
	mux.HandleFunc("POST /api/v1/session", s.handleCreateSession)

	// Session endpoints
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.sessions.Middleware(h))
	}
	protect("DELETE /api/v1/session", s.handleEndSession)
	protect("PUT /api/v1/preview", s.handleUpdate)
	protect("GET /api/v1/preview", s.handleStatus)
	protect("GET /api/v1/preview/tree", s.handleTree)
	protect("GET /api/v1/preview/diff", s.handleDiff)
	protect("GET /api/v1/preview/file/{path...}", s.handleFile)
	protect("GET /api/v1/preview/events", s.handleEvents)
	protect("GET /api/v1/preview/cache", s.handleCacheStats)
	protect("DELETE /api/v1/preview/cache", s.handleClearCache)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID", "If-None-Match"},
		ExposedHeaders:   []string{"X-Request-ID", "ETag"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	// Metrics sits next to the mux so it sees the matched pattern.
	return c.Handler(logging.Middleware(metrics.Middleware(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "sessions": s.sessions.Count()})
}

// ─── Metadata ───────────────────────────────────────────────────────────────

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	res, err := s.metadata.Get(r.Context(), s.now())
	if err != nil {
		s.sendUpstreamError(w, r, err)
		return
	}
	resp := protocol.MetadataResponse{
		Metadata: res.Metadata,
		Cache:    protocol.CacheStatus{Status: res.Cache.Status, ExpiresAt: res.Cache.ExpiresAt},
	}
	if res.Cache.ExpiresAt != nil {
		if age := res.Cache.ExpiresAt.Sub(s.now()); age > 0 {
			w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d", int(age.Seconds())))
		}
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

// unknownDependencies returns selected IDs the cached metadata does not
// advertise. Without live metadata nothing is rejected.
func (s *Server) unknownDependencies(ids []string) []string {
	res := s.metadata.Cache().Get(s.now())
	if !res.Hit() {
		return nil
	}
	known := res.Metadata.DependencyIDs()
	var unknown []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !known[id] {
			unknown = append(unknown, id)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// ─── Sessions ───────────────────────────────────────────────────────────────

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, token, err := s.sessions.Issue()
	if err != nil {
		logging.WithContext(r.Context()).Error("failed to issue session", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	logging.WithContext(r.Context()).Info("session created", zap.String("session", sess.ID))
	s.writeJSON(w, r, http.StatusCreated, protocol.SessionResponse{
		SessionID: sess.ID,
		Token:     token,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	s.sessions.Revoke(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

// ─── Preview ────────────────────────────────────────────────────────────────

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())

	var req protocol.PreviewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if unknown := s.unknownDependencies(req.Dependencies); len(unknown) > 0 {
		s.sendErrorDetails(w, http.StatusBadRequest, "unknown dependencies", strings.Join(unknown, ","))
		return
	}

	acc, err := sess.Coordinator.Update(preview.InputFromRequest(req))
	switch {
	case errors.Is(err, preview.ErrInvalidInput):
		s.sendErrorDetails(w, http.StatusBadRequest, "invalid preview input", err.Error())
		return
	case errors.Is(err, preview.ErrClosed):
		s.sendError(w, http.StatusGone, "session closed")
		return
	case err != nil:
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, r, http.StatusAccepted, protocol.PreviewAccepted{
		Version: acc.Version,
		Key:     acc.Key,
		Changed: acc.Changed,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := session.FromContext(r.Context()).Coordinator.State()
	s.writeJSON(w, r, http.StatusOK, st.Status())
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	st := session.FromContext(r.Context()).Coordinator.State()
	if st.Snapshot == nil {
		s.sendError(w, http.StatusNotFound, preview.ErrNoPreview.Error())
		return
	}
	if notModified(w, r, st.AppliedKey) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, protocol.TreeResponse{Key: st.AppliedKey, Nodes: st.Tree})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	st := session.FromContext(r.Context()).Coordinator.State()
	if st.Snapshot == nil {
		s.sendError(w, http.StatusNotFound, preview.ErrNoPreview.Error())
		return
	}
	resp := protocol.DiffResponse{Available: st.Diff != nil}
	if st.Diff != nil {
		if notModified(w, r, "diff-"+st.AppliedKey) {
			return
		}
		resp.Files = st.Diff.Files
		resp.Summary = st.Diff.Summary()
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	coord := session.FromContext(r.Context()).Coordinator
	path := r.PathValue("path")

	view, err := coord.SelectFile(path, r.URL.Query().Get("theme"))
	switch {
	case errors.Is(err, preview.ErrNoPreview), errors.Is(err, preview.ErrFileNotFound):
		s.sendError(w, http.StatusNotFound, err.Error()+": "+path)
		return
	case err != nil:
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, r, http.StatusOK, view.Response())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	coord := session.FromContext(r.Context()).Coordinator
	s.writeJSON(w, r, http.StatusOK, coord.Highlighter().Cache().Stats())
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	session.FromContext(r.Context()).Coordinator.Highlighter().Cache().Clear()
	w.WriteHeader(http.StatusNoContent)
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sess := session.FromContext(r.Context())
	sub := sess.Events.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := event.JSON()
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// notModified sets the ETag and answers 304 when the client already has it.
func notModified(w http.ResponseWriter, r *http.Request, key string) bool {
	etag := `"` + key + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(code)
		gw := gzip.NewWriter(w)
		defer gw.Close()
		json.NewEncoder(gw).Encode(v)
		return
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusBadGateway
	resp := protocol.ErrorResponse{Error: "metadata unavailable", Details: err.Error()}
	if ue, ok := client.AsUpstream(err); ok {
		resp.Retryable = ue.Retryable()
		if ue.Retryable() {
			code = http.StatusServiceUnavailable
		}
	} else if errors.Is(err, context.DeadlineExceeded) {
		code = http.StatusGatewayTimeout
		resp.Retryable = true
	}
	resp.Code = code
	logging.WithContext(r.Context()).Warn("metadata fetch failed", zap.Error(err))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendErrorDetails(w, code, message, "")
}

func (s *Server) sendErrorDetails(w http.ResponseWriter, code int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
