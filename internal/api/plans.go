package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/labrun/internal/plan"
)

// planResponse describes one registered plan.
type planResponse struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema"`
}

type listPlansResponse struct {
	Plans []planResponse `json:"plans"`
}

func newPlanResponse(d plan.Definition) planResponse {
	return planResponse{Name: d.Name, Description: d.Description, Schema: d.JSONSchema()}
}

func (s *Server) handleListPlans(w http.ResponseWriter, _ *http.Request) {
	defs := s.registry.List()
	plans := make([]planResponse, len(defs))
	for i, d := range defs {
		plans[i] = newPlanResponse(d)
	}
	s.writeJSON(w, http.StatusOK, listPlansResponse{Plans: plans})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	def, ok := s.registry.Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	s.writeJSON(w, http.StatusOK, newPlanResponse(def))
}
