package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Error codes surfaced in the error envelope.
const (
	codeMissingSession  = "MISSING_SESSION"
	codeNotFound        = "NOT_FOUND"
	codeFilesExpired    = "FILES_EXPIRED"
	codeBackpressure    = "BACKPRESSURE"
	codeFileTooLarge    = "FILE_TOO_LARGE"
	codeUnsupportedType = "UNSUPPORTED_TYPE"
	codeNoFiles         = "NO_FILES"
	codeInvalidStatus   = "INVALID_STATUS"
	codeInvalidState    = "INVALID_STATE"
	codeBadRequest      = "BAD_REQUEST"
	codeInternal        = "INTERNAL"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError emits the uniform error envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error":   true,
		"code":    code,
		"message": message,
	})
}

// decodeOptionalJSON parses a JSON body if one is present. An empty body is
// not an error.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}
