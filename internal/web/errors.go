package web

// errors.go provides unified error response handling for the web layer.
//
// Errors are logged with full technical detail server-side, tagged with the
// chi request ID for correlation, and returned to clients as JSON with a
// stable shape: {"error": "...", "reasons": [...]}.

import (
	"encoding/json"
	"errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/quillmark/quillmark/internal/importer"
	"github.com/quillmark/quillmark/internal/logging"
)

// ErrorResponse is the JSON structure for API error responses.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Reasons []string `json:"reasons,omitempty"`
}

// respondError maps a service error to an HTTP status and writes it.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: "internal server error"}

	var vErr *importer.ValidationError
	switch {
	case errors.As(err, &vErr):
		status = http.StatusBadRequest
		resp = ErrorResponse{Error: "validation failed", Reasons: vErr.Reasons}
	case errors.Is(err, importer.ErrValidation):
		status = http.StatusBadRequest
		resp = ErrorResponse{Error: err.Error()}
	case errors.Is(err, importer.ErrJobNotFound):
		status = http.StatusNotFound
		resp = ErrorResponse{Error: "import job not found"}
	case errors.Is(err, importer.ErrTooManyImports):
		status = http.StatusTooManyRequests
		resp = ErrorResponse{Error: err.Error()}
	}

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
	)

	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "10")
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// writeError writes a JSON error response with a literal message.
// Used where no service error exists (malformed requests, middleware).
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	logging.FromContext(r.Context()).Warn("request rejected",
		"path", r.URL.Path,
		"status", status,
		"error", message,
		"request_id", chimw.GetReqID(r.Context()),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// writeJSON encodes v as JSON and writes it with the given status.
// Encoding errors are logged since headers are already sent.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("json encode error", "error", err)
	}
}
