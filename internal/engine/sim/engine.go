package sim

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/seantiz/labrun/internal/bridge"
	"github.com/seantiz/labrun/internal/engine"
	"github.com/seantiz/labrun/internal/model"
	"github.com/seantiz/labrun/internal/plan"
	"github.com/seantiz/labrun/internal/progress"
)

// DefaultConnectTimeout bounds the device connection step before a run.
const DefaultConnectTimeout = 10 * time.Second

// eventBufferSize is the capacity of a run's event channel. Sends block when
// it is full so documents are never lost while the run is live.
const eventBufferSize = 64

var _ engine.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithConnectTimeout bounds how long Submit waits for devices to connect.
func WithConnectTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.connectTimeout = d
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// Engine runs plans in-process against simulated devices. Each run gets its
// own execution goroutine; at most one run is active at a time.
type Engine struct {
	devices        *Devices
	connectTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	active *run
}

// New creates an engine over devices.
func New(devices *Devices, opts ...Option) *Engine {
	e := &Engine{
		devices:        devices,
		connectTimeout: DefaultConnectTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Devices returns the engine's device set.
func (e *Engine) Devices() *Devices {
	return e.devices
}

// Submit connects devices and starts p on a new execution goroutine.
func (e *Engine) Submit(ctx context.Context, p *plan.BoundPlan) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		return nil, goerr.Wrap(engine.ErrEngineBusy, "run in progress",
			goerr.V("active", e.active.plan.Name), goerr.V("plan", p.Name))
	}

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, e.connectTimeout)
	err := e.devices.Connect(cctx)
	cancel()
	connectDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, goerr.Wrap(engine.ErrConnectTimeout, "devices not ready",
			goerr.V("plan", p.Name),
			goerr.V("timeout", e.connectTimeout.String()),
			goerr.V("error", err.Error()))
	}

	r := newRun(e, p)
	e.active = r
	r.start()
	return r, nil
}

func (e *Engine) release(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == r {
		e.active = nil
	}
}

type pauseState int

const (
	notPaused pauseState = iota
	pauseRequested
	paused
)

// run is both the engine.Handle returned to the worker and the plan.Runtime
// handed to the plan.
type run struct {
	engine *Engine
	plan   *plan.BoundPlan
	logger *slog.Logger
	events chan engine.Event
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	changed     chan struct{}
	pause       pauseState
	deferPause  bool
	resume      bool
	stop        bool
	abort       bool
	reason      string
	skipCleanup bool
	finished    bool
	cleanups    []func()
	bars        map[string]*bar
	started     time.Time
}

type bar struct {
	id    string
	start time.Time
}

var (
	_ engine.Handle = (*run)(nil)
	_ plan.Runtime  = (*run)(nil)
)

func newRun(e *Engine, p *plan.BoundPlan) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		engine:  e,
		plan:    p,
		logger:  e.logger.With("plan", p.Name),
		events:  make(chan engine.Event, eventBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		changed: make(chan struct{}),
		bars:    make(map[string]*bar),
	}
}

func (r *run) start() {
	r.started = time.Now()
	activeRuns.Inc()
	fut := bridge.Go(func() (struct{}, error) {
		return struct{}{}, r.plan.Run(r)
	})
	go r.watch(fut)
}

// watch waits for the execution goroutine, runs cleanup, and reports the
// single EventFinished.
func (r *run) watch(fut *bridge.Future[struct{}]) {
	_, err := fut.Wait(context.Background())

	r.mu.Lock()
	r.finished = true
	skip := r.abort && r.skipCleanup
	cleanups := slices.Clone(r.cleanups)
	outcome := engine.Outcome(err, r.stop, r.abort)
	reason := r.reason
	r.broadcastLocked()
	r.mu.Unlock()

	if !skip {
		for _, fn := range slices.Backward(cleanups) {
			r.runCleanup(fn)
		}
	}

	elapsed := time.Since(r.started)
	runDuration.Observe(elapsed.Seconds())
	runsTotal.WithLabelValues(outcome).Inc()
	activeRuns.Dec()

	ev := engine.Event{Type: engine.EventFinished, Outcome: outcome, Reason: reason}
	if outcome == model.OutcomeFailed {
		ev.Err = err
		r.logger.Warn("plan failed", "error", err, "duration", elapsed)
	} else {
		r.logger.Info("plan finished", "outcome", outcome, "duration", elapsed)
	}

	r.cancel()
	r.engine.release(r)
	r.events <- ev
	close(r.events)
}

func (r *run) runCleanup(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("cleanup panicked", "error", fmt.Sprint(rec))
		}
	}()
	fn()
}

// send delivers a non-terminal event. After abort the run's context is
// cancelled and remaining events are discarded.
func (r *run) send(ev engine.Event) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

// broadcastLocked wakes every goroutine waiting on a control change.
func (r *run) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// haltLocked returns the error a suspension point should return, if any.
func (r *run) haltLocked() error {
	switch {
	case r.abort:
		return goerr.Wrap(engine.ErrAborted, "run interrupted", goerr.V("reason", r.reason))
	case r.stop:
		return goerr.Wrap(engine.ErrStopped, "run interrupted")
	default:
		return nil
	}
}

// Handle methods.

func (r *run) Events() <-chan engine.Event {
	return r.events
}

func (r *run) Pause(deferred bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return engine.ErrRunFinished
	}
	if r.pause != notPaused {
		return nil
	}
	r.pause = pauseRequested
	r.deferPause = deferred
	r.broadcastLocked()
	return nil
}

func (r *run) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return engine.ErrRunFinished
	}
	if r.pause != paused {
		return engine.ErrNotPaused
	}
	r.resume = true
	r.broadcastLocked()
	return nil
}

func (r *run) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return engine.ErrRunFinished
	}
	r.stop = true
	r.broadcastLocked()
	return nil
}

func (r *run) Abort(reason string, skipCleanup bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return engine.ErrRunFinished
	}
	r.abort = true
	r.reason = reason
	r.skipCleanup = skipCleanup
	r.broadcastLocked()
	r.cancel()
	return nil
}

// Runtime methods.

func (r *run) Context() context.Context {
	return r.ctx
}

func (r *run) Checkpoint() error {
	return r.suspend(true)
}

// suspend is a suspension point. It honours pause requests (deferred ones
// only at checkpoints), blocks while paused, and returns an error once stop
// or abort is requested.
func (r *run) suspend(checkpoint bool) error {
	for {
		r.mu.Lock()
		if err := r.haltLocked(); err != nil {
			r.mu.Unlock()
			return err
		}

		switch {
		case r.pause == pauseRequested && (checkpoint || !r.deferPause):
			r.pause = paused
			r.mu.Unlock()
			r.send(engine.Event{Type: engine.EventPaused})

		case r.pause == paused && r.resume:
			r.pause = notPaused
			r.resume = false
			r.mu.Unlock()
			r.send(engine.Event{Type: engine.EventResumed})
			return nil

		case r.pause == paused:
			ch := r.changed
			r.mu.Unlock()
			<-ch

		default:
			r.mu.Unlock()
			return nil
		}
	}
}

func (r *run) Sleep(d time.Duration) error {
	remaining := d
	for {
		r.mu.Lock()
		if err := r.haltLocked(); err != nil {
			r.mu.Unlock()
			return err
		}
		interrupt := r.pause == paused || (r.pause == pauseRequested && !r.deferPause)
		ch := r.changed
		r.mu.Unlock()

		if interrupt {
			if err := r.suspend(false); err != nil {
				return err
			}
			continue
		}
		if remaining <= 0 {
			return nil
		}

		began := time.Now()
		t := time.NewTimer(remaining)
		select {
		case <-t.C:
			remaining = 0
		case <-ch:
			t.Stop()
			remaining -= time.Since(began)
		}
	}
}

func (r *run) Emit(name string, doc map[string]any) error {
	r.mu.Lock()
	aborted := r.abort
	r.mu.Unlock()
	if aborted {
		return goerr.Wrap(engine.ErrAborted, "document discarded", goerr.V("document", name))
	}
	r.send(engine.Event{
		Type:     engine.EventDocument,
		Document: engine.Document{Name: name, Doc: doc},
	})
	return nil
}

// Report assigns each progress bar a stable id and tracks its elapsed time
// from the first report.
func (r *run) Report(sig progress.Signal) {
	key := sig.ID
	if key == "" {
		key = sig.Name
	}

	r.mu.Lock()
	b, ok := r.bars[key]
	if !ok {
		b = &bar{id: uuid.NewString(), start: time.Now()}
		r.bars[key] = b
	}
	r.mu.Unlock()

	sig.ID = b.id
	if sig.Elapsed == 0 {
		sig.Elapsed = time.Since(b.start)
	}
	r.send(engine.Event{Type: engine.EventProgress, Progress: sig})
}

func (r *run) Device(name string) (plan.Device, bool) {
	return r.engine.devices.Device(name)
}

func (r *run) OnCleanup(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanups = append(r.cleanups, fn)
}
