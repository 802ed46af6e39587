package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/local/invoiceimposer/internal/storage"
	"github.com/local/invoiceimposer/internal/task"
)

// handleDownload streams a composed document. Go's mux matches HEAD against
// GET patterns, and ServeContent answers HEAD with headers only, which
// covers the existence probe for free.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	sid, ok := requireSession(w, r, true)
	if !ok {
		return
	}
	t, ok := s.ownedTask(w, r, sid)
	if !ok {
		return
	}
	name := r.PathValue("name")

	// Expired tasks had their outputs reclaimed; say so instead of a bare 404.
	if t.Status == task.StatusExpired {
		writeError(w, http.StatusNotFound, codeFilesExpired, "output files have expired")
		return
	}

	f, obj, err := s.store.OpenForRead(sid, t.TaskID, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrUnsafeName) {
			writeError(w, http.StatusNotFound, codeNotFound, "file not found")
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to open file")
		return
	}
	defer f.Close()

	base := filepath.Base(obj.Path)
	disposition := "attachment"
	if r.URL.Query().Get("inline") == "true" {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`%s; filename="%s"`, disposition, base))
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")

	http.ServeContent(w, r, base, obj.ModTime, f)
}
