package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/seantiz/labrun/internal/bridge"
	"github.com/seantiz/labrun/internal/engine"
	"github.com/seantiz/labrun/internal/event"
	"github.com/seantiz/labrun/internal/model"
	"github.com/seantiz/labrun/internal/plan"
	"github.com/seantiz/labrun/internal/store"
)

// DefaultGracePeriod bounds how long the engine may take to confirm a
// pause, resume, stop, or abort before the worker reports it unresponsive.
const DefaultGracePeriod = 10 * time.Second

// Option configures a Worker.
type Option func(*Worker)

// WithGracePeriod sets how long transitional phases wait for engine
// confirmation before ErrEngineUnresponsive is reported.
func WithGracePeriod(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.grace = d
		}
	}
}

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// Worker owns the task queue and the lifecycle of the active task.
type Worker struct {
	registry *plan.Registry
	engine   engine.Engine
	store    store.Store
	logger   *slog.Logger
	grace    time.Duration

	progress *event.Publisher[model.Event]
	data     *event.Publisher[model.Event]

	commands  chan command
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	loop      *bridge.Future[struct{}]
	closeErr  error

	snapMu sync.RWMutex
	snap   model.WorkerEvent

	waitMu  sync.Mutex
	waiters map[string]*bridge.Future[model.TaskStatus]

	// Owned by the loop goroutine.
	phase      model.Phase
	queue      []queued
	active     *activeTask
	failed     *model.TrackableTask
	lastErr    error
	lastStatus *model.TaskStatus
	timer      *time.Timer
	pending    string
}

type queued struct {
	task *model.TrackableTask
	plan *plan.BoundPlan
}

type activeTask struct {
	task   *model.TrackableTask
	handle engine.Handle
	bars   map[string]model.StatusView
}

// New creates a Worker. Call Start before submitting tasks.
func New(registry *plan.Registry, eng engine.Engine, st store.Store, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		registry: registry,
		engine:   eng,
		store:    st,
		logger:   slog.Default(),
		grace:    DefaultGracePeriod,
		commands: make(chan command),
		ctx:      ctx,
		cancel:   cancel,
		waiters:  make(map[string]*bridge.Future[model.TaskStatus]),
		phase:    model.PhaseIdle,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.progress = event.NewPublisher[model.Event](w.logger)
	w.data = event.NewPublisher[model.Event](w.logger)
	w.refresh()
	return w
}

// Progress is the feed of StatusEvent, ProgressEvent, and WorkerEvent values.
func (w *Worker) Progress() *event.Publisher[model.Event] {
	return w.progress
}

// Data is the feed of DataEvent values produced by running plans.
func (w *Worker) Data() *event.Publisher[model.Event] {
	return w.data
}

// Start launches the loop goroutine. Calling it again has no effect.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.loop = bridge.Go(w.run)
		w.started.Store(true)
		w.logger.Info("worker started", "grace_period", w.grace)
	})
}

// Close stops the loop, aborting the active task and discarding queued
// ones. It is safe to call more than once.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.startOnce.Do(func() {})
		w.cancel()
		if w.loop != nil {
			_, w.closeErr = w.loop.Wait(context.Background())
		}
		w.progress.UnsubscribeAll()
		w.data.UnsubscribeAll()
	})
	return w.closeErr
}

// State returns a snapshot of the worker.
func (w *Worker) State() model.WorkerEvent {
	w.snapMu.RLock()
	defer w.snapMu.RUnlock()
	return w.snap.Clone()
}

// Submit validates task, records it, and appends it to the queue. Unknown
// plans and invalid parameters are returned here and never reach the feeds.
func (w *Worker) Submit(ctx context.Context, task model.Task) (string, error) {
	bound, err := w.registry.Resolve(task)
	if err != nil {
		return "", err
	}
	if !w.started.Load() {
		return "", ErrNotRunning
	}

	t := &model.TrackableTask{
		ID:        model.NewID(),
		RequestID: RequestIDFrom(ctx),
		Task:      task.Clone(),
		Status:    model.StatusPending,
		Errors:    []string{},
		CreatedAt: time.Now().UTC(),
	}
	if err := w.store.CreateTask(ctx, t); err != nil {
		return "", goerr.Wrap(err, "record task", goerr.V("plan", task.Name))
	}

	if err := w.send(ctx, command{kind: cmdSubmit, queued: queued{task: t, plan: bound}}); err != nil {
		if derr := w.store.DeleteTask(context.WithoutCancel(ctx), t.ID); derr != nil {
			w.logger.ErrorContext(ctx, "failed to remove unsubmitted task", "task_id", t.ID, "error", derr)
		}
		return "", err
	}
	return t.ID, nil
}

// Pause asks the active task to suspend. With deferred set, the task runs to
// its next checkpoint first.
func (w *Worker) Pause(ctx context.Context, deferred bool) error {
	return w.send(ctx, command{kind: cmdPause, deferred: deferred})
}

// Resume continues a paused task.
func (w *Worker) Resume(ctx context.Context) error {
	return w.send(ctx, command{kind: cmdResume})
}

// Stop ends the active task after its current step. The task is marked
// stopped.
func (w *Worker) Stop(ctx context.Context) error {
	return w.send(ctx, command{kind: cmdStop})
}

// Abort interrupts the active task immediately. The task is marked aborted
// and reason is kept on its record.
func (w *Worker) Abort(ctx context.Context, reason string, skipCleanup bool) error {
	return w.send(ctx, command{kind: cmdAbort, reason: reason, skipCleanup: skipCleanup})
}

// ClearError leaves ERRORED, dropping the failed task and resuming dequeue.
func (w *Worker) ClearError(ctx context.Context) error {
	return w.send(ctx, command{kind: cmdClear})
}

// Discard removes a queued task, or forgets a finished one. The active task
// cannot be discarded.
func (w *Worker) Discard(ctx context.Context, id string) error {
	return w.send(ctx, command{kind: cmdDiscard, id: id})
}

// Completion returns a future that resolves once task id reaches a terminal
// status.
func (w *Worker) Completion(ctx context.Context, id string) *bridge.Future[model.TaskStatus] {
	w.waitMu.Lock()
	f, ok := w.waiters[id]
	if !ok {
		f = bridge.NewFuture[model.TaskStatus]()
		w.waiters[id] = f
	}
	w.waitMu.Unlock()

	t, err := w.store.GetTask(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		w.resolve(id, model.TaskStatus{}, goerr.Wrap(ErrTaskNotFound, "completion", goerr.V("task_id", id)))
	case err != nil:
		w.resolve(id, model.TaskStatus{}, err)
	case t.IsComplete():
		w.resolve(id, statusOf(t), nil)
	}
	return f
}

func (w *Worker) resolve(id string, status model.TaskStatus, err error) {
	w.waitMu.Lock()
	f, ok := w.waiters[id]
	delete(w.waiters, id)
	w.waitMu.Unlock()
	if ok {
		f.Resolve(status, err)
	}
}

func (w *Worker) resolveAll(err error) {
	w.waitMu.Lock()
	waiters := w.waiters
	w.waiters = make(map[string]*bridge.Future[model.TaskStatus])
	w.waitMu.Unlock()
	for _, f := range waiters {
		f.Resolve(model.TaskStatus{}, err)
	}
}

func statusOf(t *model.TrackableTask) model.TaskStatus {
	return model.TaskStatus{
		TaskID:   t.ID,
		Complete: t.IsComplete(),
		Failed:   t.Outcome == model.OutcomeFailed,
		Outcome:  t.Outcome,
		Reason:   t.Reason,
	}
}

// send hands cmd to the loop and waits for it to be applied. ctx bounds only
// the wait for the loop to accept the command.
func (w *Worker) send(ctx context.Context, cmd command) error {
	if !w.started.Load() {
		return ErrNotRunning
	}
	cmd.reply = make(chan error, 1)

	select {
	case w.commands <- cmd:
	case <-w.loop.Done():
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-w.loop.Done():
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrNotRunning
		}
	}
}
