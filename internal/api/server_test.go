package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/invoiceimposer/internal/config"
	"github.com/local/invoiceimposer/internal/task"
)

// newBareServer wires only what the sessionless endpoints need.
func newBareServer(t *testing.T) *http.ServeMux {
	t.Helper()
	cfg := config.Config{}
	cfg.Storage.MaxFileSize = 52428800
	cfg.Storage.ZipMaxEntries = 1000
	cfg.Storage.ZipMaxBytes = 524288000

	s := NewServer(cfg, nil, nil, nil, nil, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session", s.handleSession)
	mux.HandleFunc("GET /api/upload/limits", s.handleUploadLimits)
	mux.HandleFunc("POST /api/upload/", s.handleUpload)
	mux.HandleFunc("GET /api/task/", s.handleTaskList)
	mux.HandleFunc("GET /api/task/{id}/status", s.handleTaskStatus)
	mux.HandleFunc("GET /api/download/{id}/{name}", s.handleDownload)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestSessionBootstrap(t *testing.T) {
	mux := newBareServer(t)

	rec, body := doJSON(t, mux, httptest.NewRequest(http.MethodPost, "/api/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	sid, _ := body["session_id"].(string)
	assert.NotEmpty(t, sid)
	assert.Equal(t, float64(sessionExpiryHours), body["expires_in_hours"])
	assert.NotEmpty(t, body["created_at"])
}

func TestSessionBootstrapHonorsClientID(t *testing.T) {
	mux := newBareServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(`{"session_id":"my-client-id-12345"}`))
	rec, body := doJSON(t, mux, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "my-client-id-12345", body["session_id"])
}

func TestSessionBootstrapRejectsMalformedID(t *testing.T) {
	mux := newBareServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(`{"session_id":"../etc"}`))
	rec, body := doJSON(t, mux, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, "../etc", body["session_id"])
	assert.NotEmpty(t, body["session_id"])
}

func TestUploadLimits(t *testing.T) {
	mux := newBareServer(t)

	rec, body := doJSON(t, mux, httptest.NewRequest(http.MethodGet, "/api/upload/limits", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(52428800), body["max_file_size"])
	exts, _ := body["allowed_extensions"].([]any)
	assert.ElementsMatch(t, []any{".pdf", ".zip"}, exts)
}

func TestMissingSessionRejected(t *testing.T) {
	mux := newBareServer(t)

	for _, r := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/upload/", nil),
		httptest.NewRequest(http.MethodGet, "/api/task/", nil),
		httptest.NewRequest(http.MethodGet, "/api/task/abc/status", nil),
		httptest.NewRequest(http.MethodGet, "/api/download/abc/result.pdf", nil),
	} {
		rec, body := doJSON(t, mux, r)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, r.URL.Path)
		assert.Equal(t, true, body["error"], r.URL.Path)
		assert.Equal(t, "MISSING_SESSION", body["code"], r.URL.Path)
	}
}

func TestStatusPayloadDownloadURLUsesBaseName(t *testing.T) {
	now := time.Now().UTC()
	tk := &task.Task{
		TaskID:     "t1",
		Status:     task.StatusCompleted,
		OutputRefs: []string{"/storage/outputs/s1/t1/result.pdf"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	p := statusPayload(tk)
	require.Equal(t, []string{"/api/download/t1/result.pdf"}, p["downloadUrls"])
}

func TestErrorEnvelopeShape(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusNotFound, codeNotFound, "task not found")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["error"])
	assert.Equal(t, "NOT_FOUND", body["code"])
	assert.Equal(t, "task not found", body["message"])
}
