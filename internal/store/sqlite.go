package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/labrun/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    request_id  TEXT NOT NULL DEFAULT '',
    name        TEXT NOT NULL,
    params      TEXT NOT NULL,
    wrapper     TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    outcome     TEXT NOT NULL DEFAULT '',
    reason      TEXT NOT NULL DEFAULT '',
    errors      TEXT NOT NULL DEFAULT '[]',
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createTasksStatusIndex = `CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`

const taskColumns = `id, request_id, name, params, wrapper, status, outcome, reason,
	errors, created_at, started_at, finished_at`

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// ":memory:" gives a private database that is discarded on Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createTasksTable, createTasksStatusIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate tasks table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.TrackableTask) error {
	params, err := json.Marshal(t.Task.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	errs, err := encodeErrors(t.Errors)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RequestID, t.Task.Name, string(params), t.Task.Wrapper, t.Status, t.Outcome, t.Reason,
		errs, t.CreatedAt, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.TrackableTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks ordered by submission time. An empty status lists
// every task.
func (s *SQLiteStore) ListTasks(ctx context.Context, status string) ([]*model.TrackableTask, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*model.TrackableTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// MarkRunning moves a pending task to running.
func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, model.StatusRunning,
		"UPDATE tasks SET status = ?, started_at = ? WHERE id = ?",
		model.StatusRunning, at.UTC(), id,
	)
}

// FinishTask records the terminal outcome of a pending or running task.
func (s *SQLiteStore) FinishTask(ctx context.Context, id string, r Result) error {
	errs, err := encodeErrors(r.Errors)
	if err != nil {
		return err
	}
	return s.transition(ctx, id, model.StatusComplete,
		"UPDATE tasks SET status = ?, outcome = ?, reason = ?, errors = ?, finished_at = ? WHERE id = ?",
		model.StatusComplete, r.Outcome, r.Reason, errs, r.At.UTC(), id,
	)
}

// transition validates the status change inside a transaction before
// applying update.
func (s *SQLiteStore) transition(ctx context.Context, id, to, update string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}

	if !model.ValidTransition(current, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteTask removes a task record.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTaskStats returns task counts by status, outcome, and plan, and the
// average run duration of finished tasks that started.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus:  map[string]int{},
		CountByOutcome: map[string]int{},
		CountByPlan:    map[string]int{},
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	groups := []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.CountByStatus},
		{"outcome", stats.CountByOutcome},
		{"name", stats.CountByPlan},
	}
	for _, g := range groups {
		if err := countBy(ctx, tx, g.column, g.into); err != nil {
			return nil, err
		}
	}

	avg, err := averageDurationMS(ctx, tx)
	if err != nil {
		return nil, err
	}
	stats.AvgDurationMS = avg

	return stats, nil
}

func countBy(ctx context.Context, tx *sql.Tx, column string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM tasks WHERE "+column+" != '' GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

func averageDurationMS(ctx context.Context, tx *sql.Tx) (float64, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT started_at, finished_at FROM tasks WHERE started_at IS NOT NULL AND finished_at IS NOT NULL")
	if err != nil {
		return 0, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()

	var total time.Duration
	var n int
	for rows.Next() {
		var started, finished time.Time
		if err := rows.Scan(&started, &finished); err != nil {
			return 0, fmt.Errorf("scan durations: %w", err)
		}
		total += finished.Sub(started)
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate durations: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	return float64(total.Milliseconds()) / float64(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.TrackableTask, error) {
	var (
		t      model.TrackableTask
		params string
		errs   string
	)
	if err := row.Scan(
		&t.ID, &t.RequestID, &t.Task.Name, &params, &t.Task.Wrapper, &t.Status, &t.Outcome, &t.Reason,
		&errs, &t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(params)))
	dec.UseNumber()
	if err := dec.Decode(&t.Task.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := json.Unmarshal([]byte(errs), &t.Errors); err != nil {
		return nil, fmt.Errorf("decode errors: %w", err)
	}
	if t.Errors == nil {
		t.Errors = []string{}
	}
	return &t, nil
}

func encodeErrors(errs []string) (string, error) {
	if errs == nil {
		errs = []string{}
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return "", fmt.Errorf("encode errors: %w", err)
	}
	return string(b), nil
}
