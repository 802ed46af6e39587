package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/invoiceimposer/internal/metrics"
	"github.com/local/invoiceimposer/internal/progress"
	"github.com/local/invoiceimposer/internal/queue"
	"github.com/local/invoiceimposer/internal/registry"
	"github.com/local/invoiceimposer/internal/task"
)

// ownedTask resolves the path id against the caller's session. Unknown and
// foreign tasks look identical to the caller.
func (s *Server) ownedTask(w http.ResponseWriter, r *http.Request, sid string) (*task.Task, bool) {
	id := r.PathValue("id")
	t, err := s.reg.Get(r.Context(), id)
	if err != nil || t.SessionID != sid {
		if err != nil && err != registry.ErrNotFound {
			log.Error().Err(err).Str("task_id", id).Msg("registry lookup failed")
		}
		writeError(w, http.StatusNotFound, codeNotFound, "task not found")
		return nil, false
	}
	return t, true
}

// statusPayload is the task representation shared by list and status
// endpoints.
func statusPayload(t *task.Task) map[string]any {
	p := map[string]any{
		"taskId":    t.TaskID,
		"status":    string(t.Status),
		"progress":  t.Progress,
		"fileCount": t.FileCount,
		"createdAt": t.CreatedAt,
		"updatedAt": t.UpdatedAt,
	}
	if t.Stage != "" {
		p["stage"] = t.Stage
	}
	if t.CompletedAt != nil {
		p["completedAt"] = t.CompletedAt
	}
	if t.ErrorKind != "" {
		p["errorKind"] = string(t.ErrorKind)
		p["errorMessage"] = t.ErrorMessage
	}
	if t.RetryCount > 0 {
		p["retryCount"] = t.RetryCount
	}
	if t.Status == task.StatusCompleted && len(t.OutputRefs) > 0 {
		// Refs hold storage paths; the download route wants the bare name.
		urls := make([]string, 0, len(t.OutputRefs))
		for _, ref := range t.OutputRefs {
			urls = append(urls, "/api/download/"+t.TaskID+"/"+filepath.Base(ref))
		}
		p["downloadUrls"] = urls
	}
	return p
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	sid, ok := requireSession(w, r, false)
	if !ok {
		return
	}
	filter := task.Status(r.URL.Query().Get("status"))
	if filter != "" && !filter.Valid() {
		writeError(w, http.StatusBadRequest, codeInvalidStatus, "unknown status filter")
		return
	}
	tasks, err := s.reg.List(r.Context(), sid, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to list tasks")
		return
	}
	payload := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		payload = append(payload, statusPayload(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":       payload,
		"total_count": len(payload),
		"session_id":  sid,
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	sid, ok := requireSession(w, r, false)
	if !ok {
		return
	}
	t, ok := s.ownedTask(w, r, sid)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statusPayload(t))
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	sid, ok := requireSession(w, r, false)
	if !ok {
		return
	}
	t, ok := s.ownedTask(w, r, sid)
	if !ok {
		return
	}
	est := progress.ForTask(t, time.Now().UTC())
	payload := map[string]any{
		"task_id":                     t.TaskID,
		"progress":                    t.Progress,
		"status":                      string(t.Status),
		"stage":                       t.Stage,
		"estimated_remaining_seconds": est.RemainingSeconds,
		"progress_rate_per_minute":    est.RatePerMinute,
	}
	if est.EstimatedCompletion != nil {
		payload["estimated_completion_at"] = est.EstimatedCompletion
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleTaskStart nudges a queued task back into delivery, covering jobs
// lost to an at-most-once dequeue.
func (s *Server) handleTaskStart(w http.ResponseWriter, r *http.Request) {
	sid, ok := requireSession(w, r, false)
	if !ok {
		return
	}
	t, ok := s.ownedTask(w, r, sid)
	if !ok {
		return
	}
	if t.Status != task.StatusQueued {
		writeError(w, http.StatusBadRequest, codeInvalidState, "only queued tasks can be started")
		return
	}
	job := queue.Job{TaskID: t.TaskID, SessionID: sid, Attempt: t.RetryCount, EnqueuedAt: time.Now().UTC()}
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		if errors.Is(err, queue.ErrBacklogFull) {
			writeError(w, http.StatusTooManyRequests, codeBackpressure, "task backlog is full, retry later")
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to enqueue task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId": t.TaskID,
		"status": string(task.StatusProcessing),
	})
}

// handleTaskCancel flags the task for cancellation. Queued tasks flip
// immediately; running ones are aborted by the worker at the next page
// boundary. Cancelling an already cancelled task is idempotent.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	sid, ok := requireSession(w, r, false)
	if !ok {
		return
	}
	t, ok := s.ownedTask(w, r, sid)
	if !ok {
		return
	}
	switch t.Status {
	case task.StatusCancelled:
		// fallthrough to the uniform response
	case task.StatusQueued:
		if err := s.queue.CancelJob(r.Context(), t.TaskID); err != nil {
			writeError(w, http.StatusInternalServerError, codeInternal, "failed to cancel task")
			return
		}
		if _, err := s.reg.UpdateStatus(r.Context(), t.TaskID, []task.Status{task.StatusQueued}, task.StatusCancelled, func(t *task.Task) {
			t.Stage = ""
		}); err != nil {
			var stale *registry.StaleStateError
			if !errors.As(err, &stale) {
				writeError(w, http.StatusInternalServerError, codeInternal, "failed to cancel task")
				return
			}
			// The worker claimed it meanwhile; the cancel flag still aborts it.
		} else {
			// Cancellation is final: nothing may keep referencing the files.
			if err := s.store.Purge(sid, t.TaskID); err != nil {
				log.Error().Err(err).Str("task_id", t.TaskID).Msg("failed to purge cancelled task files")
			}
			metrics.TasksTotal.WithLabelValues("cancelled").Inc()
		}
	case task.StatusProcessing:
		if err := s.queue.CancelJob(r.Context(), t.TaskID); err != nil {
			writeError(w, http.StatusInternalServerError, codeInternal, "failed to cancel task")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, codeInvalidState, "task already finished")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId": t.TaskID,
		"status": string(task.StatusCancelled),
	})
}

// handleTaskRetry re-queues a failed task with its original inputs.
func (s *Server) handleTaskRetry(w http.ResponseWriter, r *http.Request) {
	sid, ok := requireSession(w, r, false)
	if !ok {
		return
	}
	t, ok := s.ownedTask(w, r, sid)
	if !ok {
		return
	}
	if t.Status != task.StatusFailed {
		writeError(w, http.StatusBadRequest, codeInvalidState, "only failed tasks can be retried")
		return
	}
	if s.cfg.Queue.HighWater > 0 {
		pending, _, err := s.queue.Depths(r.Context())
		if err == nil && pending >= s.cfg.Queue.HighWater {
			writeError(w, http.StatusTooManyRequests, codeBackpressure, "task backlog is full, retry later")
			return
		}
	}

	updated, err := s.reg.UpdateStatus(r.Context(), t.TaskID, []task.Status{task.StatusFailed}, task.StatusQueued, func(t *task.Task) {
		t.Progress = 0
		t.Stage = ""
		t.Samples = nil
		t.ErrorKind = ""
		t.ErrorMessage = ""
		t.RetryCount++
	})
	if err != nil {
		var stale *registry.StaleStateError
		if errors.As(err, &stale) {
			writeError(w, http.StatusBadRequest, codeInvalidState, "task state changed, refresh and retry")
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to retry task")
		return
	}
	_ = s.queue.ClearCancel(r.Context(), t.TaskID)
	// Inputs are kept for the rerun; any output from an earlier attempt is not.
	_ = s.store.PurgeOutputs(sid, t.TaskID)

	job := queue.Job{TaskID: t.TaskID, SessionID: sid, Attempt: updated.RetryCount, EnqueuedAt: time.Now().UTC()}
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to enqueue task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId": t.TaskID,
		"status": string(task.StatusQueued),
	})
}

// handleTaskDelete purges the record and every file the task owns.
func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	sid, ok := requireSession(w, r, false)
	if !ok {
		return
	}
	t, ok := s.ownedTask(w, r, sid)
	if !ok {
		return
	}
	if !t.Status.IsTerminal() {
		// Flag first so a running worker aborts instead of resurrecting files.
		_ = s.queue.CancelJob(r.Context(), t.TaskID)
	}
	if err := s.store.Purge(sid, t.TaskID); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to remove task files")
		return
	}
	if err := s.reg.Delete(r.Context(), t.TaskID, sid); err != nil && err != registry.ErrNotFound {
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to remove task record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId":        t.TaskID,
		"files_cleaned": true,
	})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	sid, ok := requireSession(w, r, false)
	if !ok {
		return
	}
	st, err := s.reg.Statistics(r.Context(), sid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to compute statistics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":             sid,
		"total":                  st.Total,
		"by_status":              st.ByStatus,
		"avg_completion_seconds": st.AvgCompletionSeconds,
	})
}
