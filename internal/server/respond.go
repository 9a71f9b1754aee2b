package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	vaulterrors "github.com/codeops/vault/internal/errors"
)

const maxBodySize = 1 << 20 // 1 MiB

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := vaulterrors.KindOf(err)
	status := statusFor(kind)

	message := "internal error"
	var ve *vaulterrors.Error
	if errors.As(err, &ve) {
		message = ve.SafeMessage()
	}
	if status >= 500 {
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: message, Kind: string(kind)})
}

func statusFor(kind vaulterrors.Kind) int {
	switch kind {
	case vaulterrors.KindNotFound:
		return http.StatusNotFound
	case vaulterrors.KindInvalidInput, vaulterrors.KindIntegrityFailure, vaulterrors.KindVersionMismatch:
		return http.StatusBadRequest
	case vaulterrors.KindForbidden:
		return http.StatusForbidden
	case vaulterrors.KindSealed:
		return http.StatusServiceUnavailable
	case vaulterrors.KindNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// decode parses a JSON request body. An empty body decodes to the
// zero value; field-level validation is the services' job.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return vaulterrors.Wrap(vaulterrors.KindInvalidInput, "parsing request body", err)
	}
	return nil
}

// queryInt reads an integer query parameter, falling back when absent
// or malformed.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func page(r *http.Request) (limit, offset int) {
	return queryInt(r, "limit", 50), queryInt(r, "offset", 0)
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
