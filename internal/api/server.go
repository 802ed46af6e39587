package api

import (
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/invoiceimposer/internal/config"
	"github.com/local/invoiceimposer/internal/dispatcher"
	"github.com/local/invoiceimposer/internal/filetype"
	"github.com/local/invoiceimposer/internal/metrics"
	"github.com/local/invoiceimposer/internal/queue"
	"github.com/local/invoiceimposer/internal/registry"
	"github.com/local/invoiceimposer/internal/statuscheck"
	"github.com/local/invoiceimposer/internal/storage"
)

// sessionExpiryHours is advisory: records and files age out on their own
// TTLs, the client is just told how long to expect them around.
const sessionExpiryHours = 24

// Server holds the wired dependencies for the HTTP surface.
type Server struct {
	cfg    config.Config
	reg    *registry.Registry
	queue  *queue.RedisQueue
	store  *storage.Manager
	disp   *dispatcher.Dispatcher
	check  *statuscheck.Checker
	detect *filetype.Detector
}

// NewServer wires the handler set.
func NewServer(cfg config.Config, reg *registry.Registry, q *queue.RedisQueue, store *storage.Manager, disp *dispatcher.Dispatcher, check *statuscheck.Checker) *Server {
	return &Server{
		cfg:    cfg,
		reg:    reg,
		queue:  q,
		store:  store,
		disp:   disp,
		check:  check,
		detect: filetype.New(),
	}
}

// RegisterRoutes attaches all endpoints to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/session", s.handleSession)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/upload/", s.handleUpload)
	mux.HandleFunc("GET /api/upload/limits", s.handleUploadLimits)

	mux.HandleFunc("GET /api/task/", s.handleTaskList)
	mux.HandleFunc("GET /api/task/statistics", s.handleStatistics)
	mux.HandleFunc("GET /api/task/{id}/status", s.handleTaskStatus)
	mux.HandleFunc("GET /api/task/{id}/progress", s.handleTaskProgress)
	mux.HandleFunc("POST /api/task/{id}/start", s.handleTaskStart)
	mux.HandleFunc("POST /api/task/{id}/cancel", s.handleTaskCancel)
	mux.HandleFunc("POST /api/task/{id}/retry", s.handleTaskRetry)
	mux.HandleFunc("DELETE /api/task/{id}", s.handleTaskDelete)

	mux.HandleFunc("GET /api/download/{id}/{name}", s.handleDownload)

	mux.HandleFunc("POST /api/cleanup", s.handleCleanup)
	mux.Handle("GET /metrics", metrics.Handler())
}

// sessionID extracts the caller's session. Downloads also accept the query
// form for links that cannot carry headers.
func sessionID(r *http.Request, allowQuery bool) string {
	if sid := r.Header.Get("X-Session-ID"); sid != "" {
		return sid
	}
	if allowQuery {
		return r.URL.Query().Get("session")
	}
	return ""
}

// requireSession rejects requests without a session id.
func requireSession(w http.ResponseWriter, r *http.Request, allowQuery bool) (string, bool) {
	sid := sessionID(r, allowQuery)
	if sid == "" {
		writeError(w, http.StatusUnauthorized, codeMissingSession, "X-Session-ID header is required")
		return "", false
	}
	return sid, true
}

var clientSessionRe = regexp.MustCompile(`^[A-Za-z0-9-]{8,64}$`)

// handleSession bootstraps an anonymous session. A well-formed client id is
// honored, anything else is replaced with a fresh UUID.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	_ = decodeOptionalJSON(r, &body)

	sid := body.SessionID
	if !clientSessionRe.MatchString(sid) {
		sid = uuid.New().String()
	}
	log.Debug().Str("session_id", sid).Msg("session bootstrapped")
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":       sid,
		"created_at":       time.Now().UTC(),
		"expires_in_hours": sessionExpiryHours,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary := s.check.Summary(r.Context())
	healthy := summary.Registry.OK && summary.Queue.OK && summary.Storage.OK && summary.Renderer.OK
	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"services":  summary,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res := s.disp.SweepNow(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"files_removed":  res.FilesRemoved,
		"bytes_removed":  res.BytesRemoved,
		"tasks_affected": len(res.AffectedTasks),
	})
}
