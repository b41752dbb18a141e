package worker

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/seantiz/labrun/internal/engine"
	"github.com/seantiz/labrun/internal/log"
	"github.com/seantiz/labrun/internal/model"
	"github.com/seantiz/labrun/internal/progress"
	"github.com/seantiz/labrun/internal/store"
)

type commandKind int

const (
	cmdSubmit commandKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdAbort
	cmdClear
	cmdDiscard
)

var commandNames = map[commandKind]string{
	cmdSubmit:  "submit",
	cmdPause:   "pause",
	cmdResume:  "resume",
	cmdStop:    "stop",
	cmdAbort:   "abort",
	cmdClear:   "clear_error",
	cmdDiscard: "discard",
}

func (k commandKind) String() string {
	return commandNames[k]
}

type command struct {
	kind        commandKind
	queued      queued
	deferred    bool
	reason      string
	skipCleanup bool
	id          string
	reply       chan error
}

// allowed lists the phases each control request applies to.
var allowed = map[commandKind][]model.Phase{
	cmdPause:  {model.PhaseRunning},
	cmdResume: {model.PhasePaused},
	cmdStop:   {model.PhaseRunning, model.PhasePausing, model.PhasePaused},
	cmdAbort: {
		model.PhaseRunning, model.PhasePausing, model.PhasePaused,
		model.PhaseResuming, model.PhaseStopping,
	},
	cmdClear: {model.PhaseErrored},
}

// requests names the control request each transitional phase waits on.
var requests = map[model.Phase]string{
	model.PhasePausing:  "pause",
	model.PhaseResuming: "resume",
	model.PhaseStopping: "stop",
	model.PhaseAborting: "abort",
}

// run is the loop goroutine. It is the only code that touches the run state.
func (w *Worker) run() (struct{}, error) {
	setPhaseGauge(w.phase)
	for {
		var events <-chan engine.Event
		if w.active != nil {
			events = w.active.handle.Events()
		}
		var expired <-chan time.Time
		if w.timer != nil {
			expired = w.timer.C
		}

		select {
		case <-w.ctx.Done():
			w.shutdown()
			return struct{}{}, nil

		case cmd := <-w.commands:
			err := w.apply(cmd)
			w.advance()
			cmd.reply <- err

		case ev, ok := <-events:
			if !ok {
				ev = engine.Event{
					Type:    engine.EventFinished,
					Outcome: model.OutcomeFailed,
					Err:     errors.New("engine closed the event stream without finishing"),
				}
			}
			w.handle(ev)
			w.advance()

		case <-expired:
			w.unresponsive()
		}
	}
}

func (w *Worker) apply(cmd command) error {
	if cmd.kind == cmdSubmit {
		w.queue = append(w.queue, cmd.queued)
		queueDepth.Set(float64(len(w.queue)))
		w.refresh()
		w.logger.Debug("task queued", "task_id", cmd.queued.task.ID, "plan", cmd.queued.task.Task.Name, "queue_depth", len(w.queue))
		return nil
	}
	if cmd.kind == cmdDiscard {
		return w.discard(cmd.id)
	}

	if !slices.Contains(allowed[cmd.kind], w.phase) {
		return goerr.Wrap(ErrInvalidTransition, "request does not apply to current phase",
			goerr.V("request", cmd.kind.String()),
			goerr.V("phase", w.phase.String()))
	}

	if cmd.kind == cmdClear {
		w.logger.Info("error cleared", "task_id", w.failedID())
		w.failed = nil
		w.lastErr = nil
		w.transition(model.PhaseIdle, "", nil)
		w.publishWorker()
		return nil
	}

	h := w.active.handle
	var (
		err  error
		next model.Phase
	)
	switch cmd.kind {
	case cmdPause:
		next = model.PhasePausing
		err = h.Pause(cmd.deferred)
	case cmdResume:
		next = model.PhaseResuming
		err = h.Resume()
	case cmdStop:
		next = model.PhaseStopping
		err = h.Stop()
	case cmdAbort:
		next = model.PhaseAborting
		err = h.Abort(cmd.reason, cmd.skipCleanup)
	}
	if errors.Is(err, engine.ErrRunFinished) || errors.Is(err, engine.ErrNotPaused) {
		// The run ended or changed state before the loop saw its event.
		return goerr.Wrap(ErrInvalidTransition, err.Error(),
			goerr.V("request", cmd.kind.String()),
			goerr.V("task_id", w.active.task.ID))
	}
	if err != nil {
		return goerr.Wrap(err, "engine rejected request",
			goerr.V("request", cmd.kind.String()),
			goerr.V("task_id", w.active.task.ID))
	}

	w.logger.Info("control request accepted", "request", cmd.kind.String(), "task_id", w.active.task.ID)
	w.transition(next, w.active.task.ID, nil)
	return nil
}

// advance begins the next queued task when the worker is idle.
func (w *Worker) advance() {
	if w.phase != model.PhaseIdle || len(w.queue) == 0 {
		return
	}
	next := w.queue[0]
	w.queue = w.queue[1:]
	queueDepth.Set(float64(len(w.queue)))
	w.begin(next)
}

func (w *Worker) begin(q queued) {
	t := q.task
	ctx := log.ContextAttrs(w.ctx, slog.String("task_id", t.ID), slog.String("plan", t.Task.Name))

	h, err := w.engine.Submit(ctx, q.plan)
	if err != nil {
		if errors.Is(err, engine.ErrEngineBusy) {
			w.logger.ErrorContext(ctx, "engine busy while worker idle", "error", err)
		}
		w.fail(ctx, t, err)
		return
	}

	now := time.Now().UTC()
	if err := w.store.MarkRunning(ctx, t.ID, now); err != nil {
		w.logger.ErrorContext(ctx, "failed to mark task running", "error", err)
	}
	t.Status = model.StatusRunning
	t.StartedAt = &now

	w.active = &activeTask{task: t, handle: h, bars: make(map[string]model.StatusView)}
	w.lastStatus = &model.TaskStatus{TaskID: t.ID}
	w.logger.InfoContext(ctx, "task started")
	w.transition(model.PhaseRunning, t.ID, nil)
	w.publishWorker()
}

func (w *Worker) handle(ev engine.Event) {
	a := w.active
	switch ev.Type {
	case engine.EventPaused:
		if w.phase == model.PhasePausing {
			w.transition(model.PhasePaused, a.task.ID, nil)
		}

	case engine.EventResumed:
		if w.phase == model.PhaseResuming {
			w.transition(model.PhaseRunning, a.task.ID, nil)
		}

	case engine.EventProgress:
		a.bars[ev.Progress.ID] = progress.View(ev.Progress)
		w.progress.Publish(model.ProgressEvent{
			TaskID:   a.task.ID,
			Statuses: model.CloneStatuses(a.bars),
		})

	case engine.EventDocument:
		w.data.Publish(model.DataEvent{
			TaskID:    a.task.ID,
			RequestID: a.task.RequestID,
			Name:      ev.Document.Name,
			Doc:       ev.Document.Doc,
		})

	case engine.EventFinished:
		w.finish(ev)
	}
}

func (w *Worker) finish(ev engine.Event) {
	t := w.active.task
	w.active = nil
	ctx := log.ContextAttrs(w.ctx, slog.String("task_id", t.ID), slog.String("plan", t.Task.Name))

	if ev.Outcome == model.OutcomeFailed {
		cause := ev.Err
		if cause == nil {
			cause = errors.New("plan failed")
		}
		w.fail(ctx, t, cause)
		return
	}

	w.record(ctx, t, store.Result{Outcome: ev.Outcome, Reason: ev.Reason})
	w.logger.InfoContext(ctx, "task finished", "outcome", ev.Outcome, "reason", ev.Reason)
	w.transition(model.PhaseIdle, t.ID, nil)
	w.publishWorker()
	w.resolve(t.ID, *w.lastStatus, nil)
}

// fail retains t and its error and moves to ERRORED.
func (w *Worker) fail(ctx context.Context, t *model.TrackableTask, cause error) {
	err := goerr.Wrap(ErrExecutionFailure, cause.Error(),
		goerr.V("task_id", t.ID), goerr.V("plan", t.Task.Name))

	w.record(ctx, t, store.Result{
		Outcome: model.OutcomeFailed,
		Reason:  cause.Error(),
		Errors:  []string{cause.Error()},
	})
	w.failed = t
	w.lastErr = err
	w.logger.ErrorContext(ctx, "task failed", "error", cause)
	w.transition(model.PhaseErrored, t.ID, err)
	w.publishWorker()
	w.resolve(t.ID, *w.lastStatus, nil)
}

// record persists the terminal status of t and updates lastStatus.
func (w *Worker) record(ctx context.Context, t *model.TrackableTask, res store.Result) {
	res.At = time.Now().UTC()
	if err := w.store.FinishTask(ctx, t.ID, res); err != nil {
		w.logger.ErrorContext(ctx, "failed to record task result", "error", err)
	}
	t.Status = model.StatusComplete
	t.Outcome = res.Outcome
	t.Reason = res.Reason
	t.FinishedAt = &res.At
	if res.Errors != nil {
		t.Errors = res.Errors
	}
	tasksTotal.WithLabelValues(res.Outcome).Inc()

	status := statusOf(t)
	w.lastStatus = &status
}

func (w *Worker) discard(id string) error {
	if w.active != nil && w.active.task.ID == id {
		return goerr.Wrap(ErrTaskActive, "cannot discard", goerr.V("task_id", id))
	}

	if i := slices.IndexFunc(w.queue, func(q queued) bool { return q.task.ID == id }); i >= 0 {
		t := w.queue[i].task
		w.queue = slices.Delete(w.queue, i, i+1)
		queueDepth.Set(float64(len(w.queue)))

		ctx := log.ContextAttrs(w.ctx, slog.String("task_id", id), slog.String("plan", t.Task.Name))
		res := store.Result{Outcome: model.OutcomeDiscarded, At: time.Now().UTC()}
		if err := w.store.FinishTask(ctx, id, res); err != nil {
			return goerr.Wrap(err, "record discarded task", goerr.V("task_id", id))
		}
		tasksTotal.WithLabelValues(model.OutcomeDiscarded).Inc()
		w.logger.InfoContext(ctx, "task discarded")
		w.refresh()
		w.resolve(id, model.TaskStatus{TaskID: id, Complete: true, Outcome: model.OutcomeDiscarded}, nil)
		return nil
	}

	if w.failed != nil && w.failed.ID == id {
		return goerr.Wrap(ErrTaskActive, "failed task is retained until the error is cleared", goerr.V("task_id", id))
	}

	t, err := w.store.GetTask(w.ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return goerr.Wrap(ErrTaskNotFound, "cannot discard", goerr.V("task_id", id))
	}
	if err != nil {
		return goerr.Wrap(err, "look up task", goerr.V("task_id", id))
	}
	if !t.IsComplete() {
		return goerr.Wrap(ErrTaskActive, "cannot discard", goerr.V("task_id", id), goerr.V("status", t.Status))
	}
	if err := w.store.DeleteTask(w.ctx, id); err != nil {
		return goerr.Wrap(err, "delete task", goerr.V("task_id", id))
	}
	return nil
}

// transition moves to phase p and publishes the StatusEvent. Entering a
// transitional phase arms the grace timer; any other phase disarms it.
func (w *Worker) transition(p model.Phase, taskID string, err error) {
	prev := w.phase
	w.phase = p
	setPhaseGauge(p)

	w.disarm()
	if req, ok := requests[p]; ok {
		w.pending = req
		w.timer = time.NewTimer(w.grace)
	}
	w.refresh()

	ev := model.StatusEvent{Phase: p, Previous: prev, TaskID: taskID, Time: time.Now().UTC()}
	if err != nil {
		ev.Error = err.Error()
	}
	w.logger.Debug("phase changed", "phase", p.String(), "previous", prev.String(), "task_id", taskID)
	w.progress.Publish(ev)
}

func (w *Worker) disarm() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = ""
}

// unresponsive reports the stuck request. The phase is left as it is; the
// operator decides how to proceed.
func (w *Worker) unresponsive() {
	req := w.pending
	w.timer = nil

	taskID := ""
	if w.active != nil {
		taskID = w.active.task.ID
	}
	err := goerr.Wrap(ErrEngineUnresponsive, "no confirmation within grace period",
		goerr.V("request", req),
		goerr.V("grace_period", w.grace.String()))

	unresponsiveTotal.WithLabelValues(req).Inc()
	w.logger.Warn("engine did not confirm request", "request", req, "phase", w.phase.String(), "task_id", taskID)
	w.progress.Publish(model.StatusEvent{
		Phase:    w.phase,
		Previous: w.phase,
		TaskID:   taskID,
		Request:  req,
		Error:    err.Error(),
		Time:     time.Now().UTC(),
	})
}

// refresh rebuilds the snapshot returned by State.
func (w *Worker) refresh() {
	snap := model.WorkerEvent{
		Phase:      w.phase,
		QueueDepth: len(w.queue),
		Errors:     []string{},
		Time:       time.Now().UTC(),
	}
	if w.active != nil {
		snap.TaskID = w.active.task.ID
	}
	if w.lastStatus != nil {
		ts := *w.lastStatus
		snap.TaskStatus = &ts
	}
	if w.lastErr != nil {
		snap.Errors = append(snap.Errors, w.lastErr.Error())
	}

	w.snapMu.Lock()
	w.snap = snap
	w.snapMu.Unlock()
}

func (w *Worker) publishWorker() {
	w.progress.Publish(w.State())
}

func (w *Worker) failedID() string {
	if w.failed == nil {
		return ""
	}
	return w.failed.ID
}

// shutdown aborts the active task and discards the queue. It waits at most
// one grace period for the engine to finish.
func (w *Worker) shutdown() {
	w.disarm()
	ctx := context.WithoutCancel(w.ctx)

	if a := w.active; a != nil {
		if err := a.handle.Abort("worker shutting down", false); err != nil {
			w.logger.Warn("abort on shutdown failed", "task_id", a.task.ID, "error", err)
		}
		deadline := time.NewTimer(w.grace)
	drain:
		for {
			select {
			case ev, ok := <-a.handle.Events():
				if !ok {
					break drain
				}
				if ev.Type == engine.EventFinished {
					w.record(ctx, a.task, store.Result{Outcome: ev.Outcome, Reason: ev.Reason})
					w.resolve(a.task.ID, *w.lastStatus, nil)
					break drain
				}
			case <-deadline.C:
				w.logger.Error("engine did not finish on shutdown", "task_id", a.task.ID)
				break drain
			}
		}
		deadline.Stop()
		w.active = nil
	}

	for _, q := range w.queue {
		w.record(ctx, q.task, store.Result{Outcome: model.OutcomeDiscarded, Reason: "worker shut down"})
		w.resolve(q.task.ID, *w.lastStatus, nil)
	}
	w.queue = nil
	queueDepth.Set(0)
	w.refresh()
	w.resolveAll(ErrNotRunning)
	w.logger.Info("worker stopped")
}
