package worker

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrInvalidTransition is returned when a control request does not apply
	// to the current phase. The phase is left unchanged.
	ErrInvalidTransition = goerr.New("invalid transition")

	// ErrEngineUnresponsive is reported on the progress feed when the engine
	// does not confirm a requested transition within the grace period.
	ErrEngineUnresponsive = goerr.New("engine unresponsive")

	// ErrExecutionFailure wraps the error of a plan that failed while running.
	ErrExecutionFailure = goerr.New("execution failure")

	// ErrNotRunning is returned when the worker has not been started or has
	// been closed.
	ErrNotRunning = goerr.New("worker not running")

	// ErrTaskActive is returned by Discard for the task currently executing.
	ErrTaskActive = goerr.New("task is active")

	// ErrTaskNotFound is returned for task ids the worker does not know.
	ErrTaskNotFound = goerr.New("task not found")
)
