package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/seantiz/labrun/internal/plan"
	"github.com/seantiz/labrun/internal/store"
	"github.com/seantiz/labrun/internal/worker"
)

const maxBodySize = 1 << 20 // 1 MB

// violationsResponse is the 422 body for invalid task parameters.
type violationsResponse struct {
	Error      string           `json:"error"`
	Plan       string           `json:"plan"`
	Violations []plan.Violation `json:"violations"`
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeWorkerError maps worker, plan, and store errors onto HTTP statuses.
// Anything unrecognised is logged and reported as a 500 with msg.
func (s *Server) writeWorkerError(w http.ResponseWriter, err error, msg string) {
	var pe *plan.ParameterError
	switch {
	case errors.As(err, &pe):
		s.writeJSON(w, http.StatusUnprocessableEntity, violationsResponse{
			Error:      plan.ErrInvalidParameters.Error(),
			Plan:       pe.Plan,
			Violations: pe.Violations,
		})
	case errors.Is(err, plan.ErrInvalidWrapper):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, plan.ErrTaskNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, worker.ErrTaskNotFound), errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, worker.ErrInvalidTransition):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, worker.ErrTaskActive):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, worker.ErrNotRunning):
		s.writeError(w, http.StatusServiceUnavailable, "worker not running")
	default:
		s.logger.Error(msg, "error", err)
		s.writeError(w, http.StatusInternalServerError, msg)
	}
}

// decodeBody decodes a size-limited JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}
