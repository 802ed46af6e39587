package api

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/invoiceimposer/internal/filetype"
	"github.com/local/invoiceimposer/internal/metrics"
	"github.com/local/invoiceimposer/internal/queue"
	"github.com/local/invoiceimposer/internal/storage"
	"github.com/local/invoiceimposer/internal/task"
)

// sniffLen is how much of each part is buffered for magic-byte detection
// before the stream goes to storage.
const sniffLen = 3072

func (s *Server) handleUploadLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"max_file_size":      s.cfg.Storage.MaxFileSize,
		"allowed_extensions": []string{".pdf", ".zip"},
		"max_zip_entries":    s.cfg.Storage.ZipMaxEntries,
		"max_zip_bytes":      s.cfg.Storage.ZipMaxBytes,
	})
}

// handleUpload accepts a multipart batch, validates every file by content,
// stores the batch under one fresh task id and enqueues it. Nothing is
// retained on any failure path.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sid, ok := requireSession(w, r, false)
	if !ok {
		return
	}

	// Refuse before touching disk so a rejected batch leaves no residue.
	if s.cfg.Queue.HighWater > 0 {
		pending, _, err := s.queue.Depths(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternal, "queue unavailable")
			return
		}
		if pending >= s.cfg.Queue.HighWater {
			writeError(w, http.StatusTooManyRequests, codeBackpressure, "task backlog is full, retry later")
			return
		}
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "multipart form expected")
		return
	}

	taskID := uuid.New().String()
	var (
		paths     []string
		checksums []string
		total     int64
	)
	discard := func() {
		if err := s.store.Purge(sid, taskID); err != nil {
			log.Error().Err(err).Str("task_id", taskID).Msg("failed to discard rejected batch")
		}
	}

	ordinal := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			discard()
			writeError(w, http.StatusBadRequest, codeBadRequest, "malformed multipart body")
			return
		}
		if part.FormName() != "files" || part.FileName() == "" {
			continue
		}

		path, sum, size, herr := s.storePart(sid, taskID, ordinal, part)
		part.Close()
		if herr != nil {
			discard()
			herr.write(w)
			return
		}
		paths = append(paths, path)
		checksums = append(checksums, sum)
		total += size
		ordinal++
	}

	if len(paths) == 0 {
		discard()
		writeError(w, http.StatusBadRequest, codeNoFiles, "no files in upload")
		return
	}

	t := task.New(taskID, sid, len(paths))
	t.InputRefs = paths
	t.Checksums = checksums
	if err := s.reg.Create(r.Context(), t); err != nil {
		discard()
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to register task")
		return
	}

	job := queue.Job{TaskID: taskID, SessionID: sid, EnqueuedAt: time.Now().UTC()}
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		discard()
		_ = s.reg.Delete(r.Context(), taskID, sid)
		if errors.Is(err, queue.ErrBacklogFull) {
			writeError(w, http.StatusTooManyRequests, codeBackpressure, "task backlog is full, retry later")
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to enqueue task")
		return
	}

	metrics.UploadBytes.Add(float64(total))
	log.Info().Str("task_id", taskID).Str("session_id", sid).Int("files", len(paths)).Int64("bytes", total).Msg("batch accepted")
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId":    taskID,
		"status":    string(task.StatusQueued),
		"fileCount": len(paths),
		"createdAt": t.CreatedAt,
	})
}

// handlerError carries an HTTP mapping out of storePart.
type handlerError struct {
	status  int
	code    string
	message string
}

func (e *handlerError) write(w http.ResponseWriter) {
	writeError(w, e.status, e.code, e.message)
}

// storePart sniffs the part's real type and streams it into storage.
func (s *Server) storePart(sid, taskID string, ordinal int, part *multipart.Part) (path, sum string, size int64, herr *handlerError) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(part, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", "", 0, &handlerError{http.StatusBadRequest, codeBadRequest, "unreadable file " + part.FileName()}
	}
	head = head[:n]
	if n == 0 {
		return "", "", 0, &handlerError{http.StatusBadRequest, codeBadRequest, "empty file " + part.FileName()}
	}

	info, err := s.detect.DetectReader(bytes.NewReader(head), part.FileName())
	if err != nil || info.Kind == filetype.KindUnsupported {
		return "", "", 0, &handlerError{http.StatusBadRequest, codeUnsupportedType, "unsupported file type for " + part.FileName()}
	}

	body := io.MultiReader(bytes.NewReader(head), part)
	path, sum, err = s.store.StoreUpload(sid, taskID, ordinal, part.FileName(), body, -1)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTooLarge):
			return "", "", 0, &handlerError{http.StatusRequestEntityTooLarge, codeFileTooLarge, "file exceeds the size limit: " + part.FileName()}
		case errors.Is(err, storage.ErrUnsafeName):
			return "", "", 0, &handlerError{http.StatusBadRequest, codeBadRequest, "unacceptable file name: " + part.FileName()}
		default:
			return "", "", 0, &handlerError{http.StatusInternalServerError, codeInternal, "failed to store file"}
		}
	}

	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}
	return path, sum, size, nil
}
