package api

import (
	"context"
	"net/http"

	"github.com/seantiz/labrun/internal/model"
)

// setStateRequest is the JSON body for PUT /worker/state.
type setStateRequest struct {
	NewState    string `json:"new_state"`
	Defer       *bool  `json:"defer"`
	Reason      string `json:"reason"`
	SkipCleanup bool   `json:"skip_cleanup"`
}

// controllable lists the states a client may request.
var controllable = []model.Phase{
	model.PhasePaused,
	model.PhaseRunning,
	model.PhaseStopping,
	model.PhaseAborting,
}

type activeTaskResponse struct {
	TaskID string `json:"task_id,omitempty"`
}

func (s *Server) handleGetActiveTask(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, activeTaskResponse{TaskID: s.worker.State().TaskID})
}

func (s *Server) handleGetWorkerState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.worker.State())
}

// handleSetWorkerState requests a phase change. The target names the phase
// the caller wants to reach: PAUSED pauses, RUNNING resumes, STOPPING stops,
// and ABORTING aborts.
func (s *Server) handleSetWorkerState(w http.ResponseWriter, r *http.Request) {
	var req setStateRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	target, ok := model.ParsePhase(req.NewState)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown state")
		return
	}

	var apply func(ctx context.Context) error
	switch target {
	case model.PhasePaused:
		deferred := s.pauseDefer
		if req.Defer != nil {
			deferred = *req.Defer
		}
		apply = func(ctx context.Context) error { return s.worker.Pause(ctx, deferred) }
	case model.PhaseRunning:
		apply = s.worker.Resume
	case model.PhaseStopping:
		apply = s.worker.Stop
	case model.PhaseAborting:
		apply = func(ctx context.Context) error { return s.worker.Abort(ctx, req.Reason, req.SkipCleanup) }
	default:
		s.writeError(w, http.StatusBadRequest, "state cannot be requested: "+target.String())
		return
	}

	err := apply(r.Context())
	countControl(target, err)
	if err != nil {
		s.writeWorkerError(w, err, "failed to change worker state")
		return
	}

	s.writeJSON(w, http.StatusAccepted, s.worker.State())
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	if err := s.worker.ClearError(r.Context()); err != nil {
		s.writeWorkerError(w, err, "failed to clear error")
		return
	}
	s.writeJSON(w, http.StatusOK, s.worker.State())
}
