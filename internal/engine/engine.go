package engine

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"

	"github.com/seantiz/labrun/internal/model"
	"github.com/seantiz/labrun/internal/plan"
	"github.com/seantiz/labrun/internal/progress"
)

var (
	// ErrEngineBusy is returned by Submit while another run is active.
	ErrEngineBusy = goerr.New("engine busy")

	// ErrRunFinished is returned by Handle methods once the run has ended.
	ErrRunFinished = goerr.New("run already finished")

	// ErrNotPaused is returned by Resume when the run is not paused.
	ErrNotPaused = goerr.New("run is not paused")

	// ErrStopped is returned from Runtime suspension points after Stop.
	ErrStopped = goerr.New("run stopped")

	// ErrAborted is returned from Runtime suspension points after Abort.
	ErrAborted = goerr.New("run aborted")

	// ErrConnectTimeout is returned by Submit when devices do not connect in time.
	ErrConnectTimeout = goerr.New("device connection timed out")
)

// Engine executes bound plans, one at a time.
type Engine interface {
	// Submit starts p and returns its handle. It fails with ErrEngineBusy if
	// a run is already active.
	Submit(ctx context.Context, p *plan.BoundPlan) (Handle, error)
}

// Handle controls one in-flight run. Control methods return as soon as the
// request is recorded; the run confirms through Events.
type Handle interface {
	// Pause suspends the run. With deferred set, the run continues to its
	// next checkpoint before suspending.
	Pause(deferred bool) error
	Resume() error
	Stop() error
	Abort(reason string, skipCleanup bool) error

	// Events delivers run events in order. Exactly one EventFinished is sent,
	// after which the channel is closed.
	Events() <-chan Event
}

// EventType discriminates Event.
type EventType string

const (
	EventPaused   EventType = "paused"
	EventResumed  EventType = "resumed"
	EventProgress EventType = "progress"
	EventDocument EventType = "document"
	EventFinished EventType = "finished"
)

// Document is a named record produced by a plan.
type Document struct {
	Name string
	Doc  map[string]any
}

// Event is one report from a run. Only the fields for its Type are set.
type Event struct {
	Type     EventType
	Progress progress.Signal
	Document Document

	// Outcome, Reason, and Err are set on EventFinished. Err is non-nil only
	// for OutcomeFailed.
	Outcome string
	Reason  string
	Err     error
}

// Outcome classifies how a run ended from the error its plan returned and
// the control requests it received.
func Outcome(err error, stopRequested, abortRequested bool) string {
	switch {
	case abortRequested || errors.Is(err, ErrAborted):
		return model.OutcomeAborted
	case errors.Is(err, ErrStopped), err == nil && stopRequested:
		return model.OutcomeStopped
	case err != nil:
		return model.OutcomeFailed
	default:
		return model.OutcomeCompleted
	}
}
