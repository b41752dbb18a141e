package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByOutcome     map[string]int `json:"by_outcome"`
	ByPlan        map[string]int `json:"by_plan"`
	QueueDepth    int            `json:"queue_depth"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByOutcome:     stats.CountByOutcome,
		ByPlan:        stats.CountByPlan,
		QueueDepth:    s.worker.State().QueueDepth,
		AvgDurationMS: stats.AvgDurationMS,
	})
}
