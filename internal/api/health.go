package api

import (
	"encoding/json"
	"net/http"

	"github.com/seantiz/labrun/internal/model"
)

type healthResponse struct {
	Status string      `json:"status"`
	Phase  model.Phase `json:"phase"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	body := healthResponse{Status: "ok", Phase: s.worker.State().Phase}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
