package model

import (
	"maps"
	"slices"
	"time"
)

// EventKind discriminates the Event union.
type EventKind string

// Event kinds.
const (
	KindStatus   EventKind = "status"
	KindProgress EventKind = "progress"
	KindData     EventKind = "data"
	KindWorker   EventKind = "worker"
)

// Event is implemented by every value published on the worker feeds.
// Events are immutable once published; maps and slices they carry must
// be treated as read-only by subscribers.
type Event interface {
	Kind() EventKind
	// CorrelationID ties the event to the task (or request) that caused it.
	CorrelationID() string
}

// StatusEvent reports a phase transition. Request and Error are set when
// the engine failed to confirm a control request in time.
type StatusEvent struct {
	Phase    Phase     `json:"phase"`
	Previous Phase     `json:"previous"`
	TaskID   string    `json:"task_id,omitempty"`
	Request  string    `json:"request,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

func (e StatusEvent) Kind() EventKind       { return KindStatus }
func (e StatusEvent) CorrelationID() string { return e.TaskID }

// StatusView is a display-ready snapshot of one progress bar.
type StatusView struct {
	DisplayName   string   `json:"display_name"`
	Current       *float64 `json:"current,omitempty"`
	Initial       *float64 `json:"initial,omitempty"`
	Target        *float64 `json:"target,omitempty"`
	Unit          string   `json:"unit"`
	Precision     int      `json:"precision"`
	Done          bool     `json:"done"`
	Percentage    *float64 `json:"percentage,omitempty"`
	TimeElapsed   *float64 `json:"time_elapsed,omitempty"`
	TimeRemaining *float64 `json:"time_remaining,omitempty"`
}

// ProgressEvent carries every progress bar currently watched for a task,
// keyed by bar id.
type ProgressEvent struct {
	TaskID   string                `json:"task_id"`
	Statuses map[string]StatusView `json:"statuses"`
}

func (e ProgressEvent) Kind() EventKind       { return KindProgress }
func (e ProgressEvent) CorrelationID() string { return e.TaskID }

// DataEvent carries a document produced by a running plan.
type DataEvent struct {
	TaskID    string         `json:"task_id"`
	RequestID string         `json:"request_id,omitempty"`
	Name      string         `json:"name"`
	Doc       map[string]any `json:"doc"`
}

func (e DataEvent) Kind() EventKind { return KindData }

// CorrelationID prefers the transport request id the task was submitted with.
func (e DataEvent) CorrelationID() string {
	if e.RequestID != "" {
		return e.RequestID
	}
	return e.TaskID
}

// TaskStatus summarises the task a WorkerEvent refers to.
type TaskStatus struct {
	TaskID   string `json:"task_id"`
	Complete bool   `json:"task_complete"`
	Failed   bool   `json:"task_failed"`
	Outcome  string `json:"outcome,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// WorkerEvent is a snapshot of the worker: phase, active task, queue depth.
type WorkerEvent struct {
	Phase      Phase       `json:"state"`
	TaskID     string      `json:"task_id,omitempty"`
	QueueDepth int         `json:"queue_depth"`
	TaskStatus *TaskStatus `json:"task_status,omitempty"`
	Errors     []string    `json:"errors"`
	Time       time.Time   `json:"time"`
}

func (e WorkerEvent) Kind() EventKind { return KindWorker }

func (e WorkerEvent) CorrelationID() string {
	if e.TaskStatus != nil {
		return e.TaskStatus.TaskID
	}
	return e.TaskID
}

// IsError reports whether the snapshot describes a failed task or carries errors.
func (e WorkerEvent) IsError() bool {
	return (e.TaskStatus != nil && e.TaskStatus.Failed) || len(e.Errors) > 0
}

// IsComplete reports whether the snapshot describes a finished task.
func (e WorkerEvent) IsComplete() bool {
	return e.TaskStatus != nil && e.TaskStatus.Complete
}

// Clone returns a deep copy of the snapshot.
func (e WorkerEvent) Clone() WorkerEvent {
	c := e
	c.Errors = slices.Clone(e.Errors)
	if e.TaskStatus != nil {
		ts := *e.TaskStatus
		c.TaskStatus = &ts
	}
	return c
}

// CloneStatuses copies a progress snapshot so it can be published safely.
func CloneStatuses(in map[string]StatusView) map[string]StatusView {
	return maps.Clone(in)
}
