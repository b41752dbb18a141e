package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/labrun/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestTask() *model.TrackableTask {
	return &model.TrackableTask{
		ID:        model.NewID(),
		RequestID: "req-1",
		Task: model.Task{
			Name:   "move",
			Params: map[string]any{"motor": "m1", "pos": 1.5},
		},
		Status:    model.StatusPending,
		Errors:    []string{},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func createTask(t *testing.T, s *SQLiteStore, task *model.TrackableTask) {
	t.Helper()
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	createTask(t, s, task)

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}

	if got.ID != task.ID {
		t.Errorf("ID = %q, want %q", got.ID, task.ID)
	}
	if got.RequestID != task.RequestID {
		t.Errorf("RequestID = %q, want %q", got.RequestID, task.RequestID)
	}
	if got.Task.Name != "move" {
		t.Errorf("Name = %q, want move", got.Task.Name)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusPending)
	}
	if got.Task.Params["motor"] != "m1" {
		t.Errorf("params[motor] = %v, want m1", got.Task.Params["motor"])
	}
	if got.Task.Params["pos"] != json.Number("1.5") {
		t.Errorf("params[pos] = %#v, want json.Number(1.5)", got.Task.Params["pos"])
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("timestamps set on pending task: started=%v finished=%v", got.StartedAt, got.FinishedAt)
	}
	if !got.CreatedAt.Equal(task.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, task.CreatedAt)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask error = %v, want ErrNotFound", err)
	}
}

func TestListTasksOrderAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	var ids []string
	for i := 0; i < 3; i++ {
		task := makeTestTask()
		// Same timestamp for the first two; insertion order breaks the tie.
		task.CreatedAt = base.Add(time.Duration(i/2) * time.Second)
		createTask(t, s, task)
		ids = append(ids, task.ID)
	}
	if err := s.MarkRunning(ctx, ids[0], time.Now()); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	all, err := s.ListTasks(ctx, "")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i, task := range all {
		if task.ID != ids[i] {
			t.Errorf("all[%d] = %s, want %s", i, task.ID, ids[i])
		}
	}

	pending, err := s.ListTasks(ctx, model.StatusPending)
	if err != nil {
		t.Fatalf("ListTasks pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != ids[1] {
		t.Errorf("pending = %d tasks (first %v), want 2 starting with %s", len(pending), pending, ids[1])
	}
}

func TestListTasksEmpty(t *testing.T) {
	s := newTestStore(t)
	tasks, err := s.ListTasks(context.Background(), "")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if tasks == nil || len(tasks) != 0 {
		t.Errorf("tasks = %v, want empty non-nil slice", tasks)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	createTask(t, s, task)

	started := time.Now().UTC()
	if err := s.MarkRunning(ctx, task.ID, started); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	err := s.FinishTask(ctx, task.ID, Result{
		Outcome: model.OutcomeAborted,
		Reason:  "operator cancel",
		At:      started.Add(250 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("FinishTask: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusComplete {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusComplete)
	}
	if got.Outcome != model.OutcomeAborted {
		t.Errorf("Outcome = %q, want %q", got.Outcome, model.OutcomeAborted)
	}
	if got.Reason != "operator cancel" {
		t.Errorf("Reason = %q, want %q", got.Reason, "operator cancel")
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("timestamps not set: started=%v finished=%v", got.StartedAt, got.FinishedAt)
	}
	if d := got.FinishedAt.Sub(*got.StartedAt); d != 250*time.Millisecond {
		t.Errorf("duration = %v, want 250ms", d)
	}
}

func TestFinishPendingTaskWithErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	createTask(t, s, task)

	err := s.FinishTask(ctx, task.ID, Result{
		Outcome: model.OutcomeFailed,
		Errors:  []string{"devices not ready"},
		At:      time.Now(),
	})
	if err != nil {
		t.Fatalf("FinishTask: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if len(got.Errors) != 1 || got.Errors[0] != "devices not ready" {
		t.Errorf("Errors = %v, want [devices not ready]", got.Errors)
	}
	if got.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil", got.StartedAt)
	}
}

func TestInvalidTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	createTask(t, s, task)

	if err := s.FinishTask(ctx, task.ID, Result{Outcome: model.OutcomeCompleted, At: time.Now()}); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}

	if err := s.MarkRunning(ctx, task.ID, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkRunning after complete = %v, want ErrInvalidTransition", err)
	}
	if err := s.FinishTask(ctx, task.ID, Result{Outcome: model.OutcomeFailed, At: time.Now()}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("FinishTask twice = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.MarkRunning(ctx, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRunning = %v, want ErrNotFound", err)
	}
	if err := s.FinishTask(ctx, "missing", Result{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishTask = %v, want ErrNotFound", err)
	}
}

func TestDeleteTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	createTask(t, s, task)

	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteTask twice = %v, want ErrNotFound", err)
	}
}

func TestGetTaskStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := makeTestTask()
		createTask(t, s, task)
		if i == 2 {
			continue
		}
		started := time.Now().UTC()
		if err := s.MarkRunning(ctx, task.ID, started); err != nil {
			t.Fatalf("MarkRunning: %v", err)
		}
		dur := time.Duration(100+i*100) * time.Millisecond // 100, 200
		if err := s.FinishTask(ctx, task.ID, Result{Outcome: model.OutcomeCompleted, At: started.Add(dur)}); err != nil {
			t.Fatalf("FinishTask: %v", err)
		}
	}
	sleep := makeTestTask()
	sleep.Task = model.Task{Name: "sleep", Params: map[string]any{"time": 1}}
	createTask(t, s, sleep)

	stats, err := s.GetTaskStats(ctx)
	if err != nil {
		t.Fatalf("GetTaskStats: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByStatus[model.StatusComplete] != 2 {
		t.Errorf("complete count = %d, want 2", stats.CountByStatus[model.StatusComplete])
	}
	if stats.CountByStatus[model.StatusPending] != 2 {
		t.Errorf("pending count = %d, want 2", stats.CountByStatus[model.StatusPending])
	}
	if stats.CountByOutcome[model.OutcomeCompleted] != 2 {
		t.Errorf("completed outcome count = %d, want 2", stats.CountByOutcome[model.OutcomeCompleted])
	}
	if _, ok := stats.CountByOutcome[""]; ok {
		t.Error("pending tasks should not be counted under an empty outcome")
	}
	if stats.CountByPlan["move"] != 3 || stats.CountByPlan["sleep"] != 1 {
		t.Errorf("CountByPlan = %v, want move=3 sleep=1", stats.CountByPlan)
	}
	if stats.AvgDurationMS != 150 {
		t.Errorf("AvgDurationMS = %f, want 150", stats.AvgDurationMS)
	}
}

func TestGetTaskStatsEmpty(t *testing.T) {
	s := newTestStore(t)
	stats, err := s.GetTaskStats(context.Background())
	if err != nil {
		t.Fatalf("GetTaskStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("AvgDurationMS = %f, want 0", stats.AvgDurationMS)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	s := newTestStore(t)
	// CREATE ... IF NOT EXISTS must be safe to run again on the same connection.
	for _, stmt := range []string{createTasksTable, createTasksStatusIndex} {
		if _, err := s.db.Exec(stmt); err != nil {
			t.Fatalf("second migration: %v", err)
		}
	}
}
