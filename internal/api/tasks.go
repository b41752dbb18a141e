package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/labrun/internal/model"
	"github.com/seantiz/labrun/internal/worker"
)

// createTaskRequest is the JSON body for POST /tasks.
type createTaskRequest struct {
	Name    string         `json:"name"`
	Params  map[string]any `json:"params"`
	Wrapper string         `json:"wrapper"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
}

type listTasksResponse struct {
	Tasks []*model.TrackableTask `json:"tasks"`
	Total int                    `json:"total"`
}

var taskStatuses = map[string]bool{
	model.StatusPending:  true,
	model.StatusRunning:  true,
	model.StatusComplete: true,
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}

	// Only a client-supplied id is kept; otherwise events correlate by task id.
	ctx := r.Context()
	if rid := r.Header.Get(middleware.RequestIDHeader); rid != "" {
		ctx = worker.WithRequestID(ctx, rid)
	}
	id, err := s.worker.Submit(ctx, model.Task{Name: req.Name, Params: req.Params, Wrapper: req.Wrapper})
	if err != nil {
		s.writeWorkerError(w, err, "failed to submit task")
		return
	}

	w.Header().Set("Location", "/tasks/"+id)
	s.writeJSON(w, http.StatusCreated, createTaskResponse{TaskID: id})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeWorkerError(w, err, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !taskStatuses[status] {
		s.writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), status)
	if err != nil {
		s.writeWorkerError(w, err, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*model.TrackableTask{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{Tasks: tasks, Total: len(tasks)})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.worker.Discard(r.Context(), id); err != nil {
		s.writeWorkerError(w, err, "failed to discard task")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
