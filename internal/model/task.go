package model

import (
	"maps"
	"time"
)

// Task record status constants.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusComplete = "complete"
)

// Task outcome constants, set once a task reaches StatusComplete.
const (
	OutcomeCompleted = "completed"
	OutcomeStopped   = "stopped"
	OutcomeAborted   = "aborted"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
)

// validTransitions maps each task status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:  true,
		StatusComplete: true,
	},
	StatusRunning: {
		StatusComplete: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Task is a request to run a named plan with the given parameters.
// Wrapper optionally names a plan that wraps the selected plan before
// execution.
type Task struct {
	Name    string         `json:"name"`
	Params  map[string]any `json:"params"`
	Wrapper string         `json:"wrapper,omitempty"`
}

// Clone returns a copy of t whose parameter map is not shared with t.
func (t Task) Clone() Task {
	c := t
	if t.Params != nil {
		c.Params = maps.Clone(t.Params)
	}
	return c
}

// TrackableTask is a submitted task as known to the worker and the task store.
type TrackableTask struct {
	ID         string     `json:"task_id"`
	RequestID  string     `json:"request_id,omitempty"`
	Task       Task       `json:"task"`
	Status     string     `json:"status"`
	Outcome    string     `json:"outcome,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Errors     []string   `json:"errors"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// IsPending reports whether the task has not started yet.
func (t *TrackableTask) IsPending() bool {
	return t.Status == StatusPending
}

// IsComplete reports whether the task has reached a terminal status.
func (t *TrackableTask) IsComplete() bool {
	return t.Status == StatusComplete
}
