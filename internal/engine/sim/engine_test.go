package sim_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/labrun/internal/engine"
	"github.com/seantiz/labrun/internal/engine/sim"
	"github.com/seantiz/labrun/internal/model"
	"github.com/seantiz/labrun/internal/plan"
	"github.com/seantiz/labrun/internal/progress"
)

func bound(name string, proc plan.Procedure) *plan.BoundPlan {
	return &plan.BoundPlan{Name: name, Procedure: proc}
}

// next returns the next event or fails after timeout.
func next(t *testing.T, h engine.Handle) engine.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for engine event")
		return engine.Event{}
	}
}

// finish drains events until EventFinished and checks the channel closes.
func finish(t *testing.T, h engine.Handle) engine.Event {
	t.Helper()
	for {
		ev := next(t, h)
		if ev.Type != engine.EventFinished {
			continue
		}
		_, open := <-h.Events()
		assert.False(t, open, "events channel should close after EventFinished")
		return ev
	}
}

func TestRunCompletes(t *testing.T) {
	e := sim.New(sim.DefaultDevices())
	h, err := e.Submit(context.Background(), bound("noop", func(rt plan.Runtime) error {
		return rt.Sleep(5 * time.Millisecond)
	}))
	require.NoError(t, err)

	ev := finish(t, h)
	assert.Equal(t, model.OutcomeCompleted, ev.Outcome)
	assert.NoError(t, ev.Err)
}

func TestSubmitWhileBusy(t *testing.T) {
	e := sim.New(sim.DefaultDevices())
	release := make(chan struct{})
	h, err := e.Submit(context.Background(), bound("block", func(rt plan.Runtime) error {
		<-release
		return nil
	}))
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), bound("second", func(plan.Runtime) error { return nil }))
	require.ErrorIs(t, err, engine.ErrEngineBusy)

	close(release)
	finish(t, h)

	h2, err := e.Submit(context.Background(), bound("third", func(plan.Runtime) error { return nil }))
	require.NoError(t, err)
	finish(t, h2)
}

func TestPlanErrorIsFailure(t *testing.T) {
	e := sim.New(sim.DefaultDevices())
	want := errors.New("beam dump")
	h, err := e.Submit(context.Background(), bound("fail", func(plan.Runtime) error { return want }))
	require.NoError(t, err)

	ev := finish(t, h)
	assert.Equal(t, model.OutcomeFailed, ev.Outcome)
	assert.ErrorIs(t, ev.Err, want)
}

func TestPlanPanicIsFailure(t *testing.T) {
	e := sim.New(sim.DefaultDevices())
	h, err := e.Submit(context.Background(), bound("panic", func(plan.Runtime) error { panic("oops") }))
	require.NoError(t, err)

	ev := finish(t, h)
	assert.Equal(t, model.OutcomeFailed, ev.Outcome)
	assert.Error(t, ev.Err)
}

func TestPauseInterruptsSleepAndResume(t *testing.T) {
	e := sim.New(sim.DefaultDevices())
	h, err := e.Submit(context.Background(), bound("sleep", func(rt plan.Runtime) error {
		return rt.Sleep(200 * time.Millisecond)
	}))
	require.NoError(t, err)

	require.NoError(t, h.Pause(false))
	assert.Equal(t, engine.EventPaused, next(t, h).Type)

	// Stays paused well past the original sleep duration.
	select {
	case ev := <-h.Events():
		t.Fatalf("unexpected event while paused: %v", ev.Type)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, h.Resume())
	assert.Equal(t, engine.EventResumed, next(t, h).Type)
	assert.Equal(t, model.OutcomeCompleted, finish(t, h).Outcome)
}

func TestDeferredPauseWaitsForCheckpoint(t *testing.T) {
	e := sim.New(sim.DefaultDevices())
	var slept atomic.Bool
	h, err := e.Submit(context.Background(), bound("steps", func(rt plan.Runtime) error {
		if err := rt.Sleep(50 * time.Millisecond); err != nil {
			return err
		}
		slept.Store(true)
		return rt.Checkpoint()
	}))
	require.NoError(t, err)

	require.NoError(t, h.Pause(true))
	assert.Equal(t, engine.EventPaused, next(t, h).Type)
	assert.True(t, slept.Load(), "deferred pause must let the current sleep finish")

	require.NoError(t, h.Resume())
	assert.Equal(t, engine.EventResumed, next(t, h).Type)
	finish(t, h)
}

func TestResumeWhenNotPaused(t *testing.T) {
	e := sim.New(sim.DefaultDevices())
	release := make(chan struct{})
	h, err := e.Submit(context.Background(), bound("block", func(plan.Runtime) error {
		<-release
		return nil
	}))
	require.NoError(t, err)

	require.ErrorIs(t, h.Resume(), engine.ErrNotPaused)
	close(release)
	finish(t, h)

	require.ErrorIs(t, h.Pause(false), engine.ErrRunFinished)
}

func TestStopRunsCleanup(t *testing.T) {
	e := sim.New(sim.DefaultDevices())
	var cleaned atomic.Bool
	h, err := e.Submit(context.Background(), bound("long", func(rt plan.Runtime) error {
		rt.OnCleanup(func() { cleaned.Store(true) })
		return rt.Sleep(time.Minute)
	}))
	require.NoError(t, err)

	require.NoError(t, h.Stop())
	ev := finish(t, h)
	assert.Equal(t, model.OutcomeStopped, ev.Outcome)
	assert.True(t, cleaned.Load())
}

func TestStopWhilePaused(t *testing.T) {
	e := sim.New(sim.DefaultDevices())
	h, err := e.Submit(context.Background(), bound("long", func(rt plan.Runtime) error {
		return rt.Sleep(time.Minute)
	}))
	require.NoError(t, err)

	require.NoError(t, h.Pause(false))
	assert.Equal(t, engine.EventPaused, next(t, h).Type)

	require.NoError(t, h.Stop())
	assert.Equal(t, model.OutcomeStopped, finish(t, h).Outcome)
}

func TestAbortSkipsCleanupAndCancelsContext(t *testing.T) {
	e := sim.New(sim.DefaultDevices())
	var cleaned atomic.Bool
	h, err := e.Submit(context.Background(), bound("io", func(rt plan.Runtime) error {
		rt.OnCleanup(func() { cleaned.Store(true) })
		<-rt.Context().Done()
		return rt.Context().Err()
	}))
	require.NoError(t, err)

	require.NoError(t, h.Abort("operator cancel", true))
	ev := finish(t, h)
	assert.Equal(t, model.OutcomeAborted, ev.Outcome)
	assert.Equal(t, "operator cancel", ev.Reason)
	assert.False(t, cleaned.Load())
}

func TestAbortRunsCleanupByDefault(t *testing.T) {
	e := sim.New(sim.DefaultDevices())
	var cleaned atomic.Bool
	h, err := e.Submit(context.Background(), bound("long", func(rt plan.Runtime) error {
		rt.OnCleanup(func() { cleaned.Store(true) })
		return rt.Sleep(time.Minute)
	}))
	require.NoError(t, err)

	require.NoError(t, h.Abort("", false))
	assert.Equal(t, model.OutcomeAborted, finish(t, h).Outcome)
	assert.True(t, cleaned.Load())
}

func TestDocumentsAndProgressInOrder(t *testing.T) {
	e := sim.New(sim.DefaultDevices())
	h, err := e.Submit(context.Background(), bound("docs", func(rt plan.Runtime) error {
		cur, target := 1.0, 2.0
		if err := rt.Emit("start", map[string]any{"n": 1}); err != nil {
			return err
		}
		rt.Report(progress.Signal{Name: "m1", Current: &cur, Target: &target})
		rt.Report(progress.Signal{Name: "m1", Current: &target, Target: &target})
		return rt.Emit("stop", map[string]any{"n": 2})
	}))
	require.NoError(t, err)

	ev := next(t, h)
	require.Equal(t, engine.EventDocument, ev.Type)
	assert.Equal(t, "start", ev.Document.Name)

	p1 := next(t, h)
	p2 := next(t, h)
	require.Equal(t, engine.EventProgress, p1.Type)
	require.Equal(t, engine.EventProgress, p2.Type)
	assert.NotEmpty(t, p1.Progress.ID)
	assert.Equal(t, p1.Progress.ID, p2.Progress.ID, "bar id is stable per name")

	ev = next(t, h)
	assert.Equal(t, "stop", ev.Document.Name)
	finish(t, h)
}

func TestConnectTimeout(t *testing.T) {
	slow := sim.NewMotor("slow", 1)
	slow.SetConnectDelay(time.Second)
	e := sim.New(sim.NewDevices(slow), sim.WithConnectTimeout(20*time.Millisecond))

	_, err := e.Submit(context.Background(), bound("noop", func(plan.Runtime) error { return nil }))
	require.ErrorIs(t, err, engine.ErrConnectTimeout)

	slow.SetConnectDelay(0)
	h, err := e.Submit(context.Background(), bound("noop", func(plan.Runtime) error { return nil }))
	require.NoError(t, err)
	finish(t, h)
}

func TestDevicesLookup(t *testing.T) {
	d := sim.DefaultDevices()
	assert.Equal(t, []string{"det1", "det2", "m1", "m2"}, d.Names())

	dev, ok := d.Device("m1")
	require.True(t, ok)
	m, ok := dev.(plan.Movable)
	require.True(t, ok)
	m.SetPosition(0)

	dev, ok = d.Device("det1")
	require.True(t, ok)
	r, ok := dev.(plan.Readable)
	require.True(t, ok)
	reading := r.Read()["det1"].(float64)
	assert.Greater(t, reading, 900.0, "det1 peaks at m1=0")

	require.Error(t, d.Add(sim.NewMotor("m1", 1)))
}
