package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/labrun/internal/model"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskStats holds aggregate task statistics.
type TaskStats struct {
	Total          int            `json:"total"`
	CountByStatus  map[string]int `json:"count_by_status"`
	CountByOutcome map[string]int `json:"count_by_outcome"`
	CountByPlan    map[string]int `json:"count_by_plan"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for task records.
type Store interface {
	CreateTask(ctx context.Context, t *model.TrackableTask) error
	GetTask(ctx context.Context, id string) (*model.TrackableTask, error)
	// ListTasks returns tasks in submission order. An empty status lists all.
	ListTasks(ctx context.Context, status string) ([]*model.TrackableTask, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	FinishTask(ctx context.Context, id string, result Result) error
	DeleteTask(ctx context.Context, id string) error
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	Close() error
}

// Result is the terminal state recorded by FinishTask.
type Result struct {
	Outcome string
	Reason  string
	Errors  []string
	At      time.Time
}
