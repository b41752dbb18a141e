package plan

import (
	"context"
	"time"

	"github.com/seantiz/labrun/internal/progress"
)

// Procedure is the executable body of a bound plan. It runs on the engine's
// execution goroutine and must return the error from any Runtime call that
// fails, so stop and abort requests unwind the plan.
type Procedure func(rt Runtime) error

// Definition is a registry entry: a plan name, its parameter schema, and a
// constructor that binds validated arguments into a Procedure.
type Definition struct {
	Name        string
	Description string
	Schema      Schema
	Build       func(args Args) (Procedure, error)
}

// Runtime is the capability set a running plan is given by the engine.
type Runtime interface {
	// Context is cancelled when the run is aborted.
	Context() context.Context

	// Checkpoint marks a safe point between atomic steps. It blocks while the
	// run is paused and returns an error once stop or abort is requested.
	Checkpoint() error

	// Sleep waits for d. A non-deferred pause suspends the sleep; stop and
	// abort end it early with an error.
	Sleep(d time.Duration) error

	// Emit publishes a named document (start, descriptor, event, stop).
	Emit(name string, doc map[string]any) error

	// Report publishes a progress signal for one progress bar.
	Report(sig progress.Signal)

	// Device looks up a device by name.
	Device(name string) (Device, bool)

	// OnCleanup registers fn to run when the plan ends. Cleanup is skipped
	// when the run is aborted with skip-cleanup.
	OnCleanup(fn func())
}

// Device is anything a plan can look up by name.
type Device interface {
	Name() string
}

// Movable is a device with a settable position, such as a motor.
type Movable interface {
	Device
	Position() float64
	Velocity() float64
	SetPosition(pos float64)
}

// Readable is a device that produces a reading, such as a detector.
type Readable interface {
	Device
	Read() map[string]any
}

// BoundPlan is a plan resolved against its definition with validated
// parameters, ready for execution.
type BoundPlan struct {
	// Name is the plan the task asked for.
	Name string

	// Params is the parameter map exactly as submitted.
	Params map[string]any

	// Args holds the validated arguments with defaults applied.
	Args Args

	// Wrapper names the plan wrapping this one, if any.
	Wrapper string

	Procedure Procedure
}

// Run executes the plan against rt.
func (b *BoundPlan) Run(rt Runtime) error {
	return b.Procedure(rt)
}

// InterceptEmit returns a Runtime that passes every emitted document through
// fn before forwarding it to rt. Wrapper plans use it to decorate documents
// produced by the plan they wrap.
func InterceptEmit(rt Runtime, fn func(name string, doc map[string]any) map[string]any) Runtime {
	return &emitInterceptor{Runtime: rt, fn: fn}
}

type emitInterceptor struct {
	Runtime
	fn func(name string, doc map[string]any) map[string]any
}

func (e *emitInterceptor) Emit(name string, doc map[string]any) error {
	return e.Runtime.Emit(name, e.fn(name, doc))
}
