// Package store is the persistence layer: a single-file SQLite database
// holding one row per task, mirroring the schema and queries of the
// original task manager's database layer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentaflow/gpu-task-scheduler/pkg/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	gpu_type TEXT NOT NULL,
	gpu_count INTEGER NOT NULL,
	command TEXT NOT NULL,
	conda_env TEXT,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	tmux_session TEXT,
	assigned_gpus TEXT NOT NULL DEFAULT '[]',
	log_path TEXT,
	exit_code INTEGER,
	error TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// Store wraps the sqlite *sql.DB behind the handful of queries the scheduler
// and manager need, serialized through a single open connection the same
// way the original implementation serialized writes through one sqlite3
// connection.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates (if needed) and opens the sqlite database at path, ensuring
// the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under the file-level lock sqlite
	// takes for writes; the Store's own mutex already serializes callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertTask inserts a new queued task and returns its assigned ID.
func (s *Store) InsertTask(ctx context.Context, t *task.Task) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gpusJSON, err := task.EncodeAssignedGPUs(t.AssignedGPUs)
	if err != nil {
		return 0, fmt.Errorf("encode assigned_gpus: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (name, gpu_type, gpu_count, command, conda_env, status, created_at, assigned_gpus)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.GPUType, t.GPUCount, t.Command, t.CondaEnv, string(t.Status), formatTime(t.CreatedAt), gpusJSON)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return res.LastInsertId()
}

// UpdateLaunched marks a task as running, recording its session, assigned
// GPUs, log path and start time in a single statement.
func (s *Store) UpdateLaunched(ctx context.Context, id int64, sessionName string, assignedGPUs []int, logPath string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gpusJSON, err := task.EncodeAssignedGPUs(assignedGPUs)
	if err != nil {
		return fmt.Errorf("encode assigned_gpus: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, tmux_session = ?, assigned_gpus = ?, log_path = ?, started_at = ?
		WHERE id = ?`,
		string(task.StatusRunning), sessionName, gpusJSON, logPath, formatTime(startedAt), id)
	if err != nil {
		return fmt.Errorf("update task %d as launched: %w", id, err)
	}
	return nil
}

// UpdateCompletion records a task's terminal status, exit code, error
// message and completion time, guarded by fromStatus the same way
// CancelRunning guards its own write: the caller must read the current
// status as fromStatus immediately beforehand, and the reported bool tells
// it whether this call actually won the row, or lost a race to a
// concurrent transition (e.g. a cancel) that already moved it elsewhere.
func (s *Store) UpdateCompletion(ctx context.Context, id int64, fromStatus, status task.Status, exitCode *int, taskErr *string, completedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, exit_code = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(status), exitCode, taskErr, formatTime(completedAt), id, string(fromStatus))
	if err != nil {
		return false, fmt.Errorf("update task %d completion: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateStatus performs a bare, unconditional status transition.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status task.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update task %d status: %w", id, err)
	}
	return nil
}

// CancelQueued marks a still-queued task cancelled, recording completion
// time and a fixed message in one statement, guarded by status = 'queued'
// the same way CancelRunning guards a running task.
func (s *Store) CancelQueued(ctx context.Context, id int64, completedAt time.Time, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, completed_at = ?, error = ?
		WHERE id = ? AND status = ?`,
		string(task.StatusCancelled), formatTime(completedAt), message, id, string(task.StatusQueued))
	if err != nil {
		return false, fmt.Errorf("cancel queued task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CancelRunning marks a running task cancelled, recording completion time
// and a fixed error message, in one statement so it races cleanly against
// a concurrent reap of the same task.
func (s *Store) CancelRunning(ctx context.Context, id int64, completedAt time.Time, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, completed_at = ?, error = ?
		WHERE id = ? AND status = ?`,
		string(task.StatusCancelled), formatTime(completedAt), message, id, string(task.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("cancel running task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get fetches a single task by ID.
func (s *Store) Get(ctx context.Context, id int64) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	return scanTask(row)
}

// ListAll returns every task ordered by creation time, most recent first.
func (s *Store) ListAll(ctx context.Context) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListByStatuses returns tasks whose status is one of the given values,
// ordered by ID ascending (FIFO queue order / startup recovery order).
func (s *Store) ListByStatuses(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE status IN (`+placeholders+`) ORDER BY id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

const selectColumns = `
	SELECT id, name, gpu_type, gpu_count, command, conda_env, status, created_at,
	       started_at, completed_at, tmux_session, assigned_gpus, log_path, exit_code, error
	FROM tasks`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t                                     task.Task
		status                                string
		createdAt                             string
		startedAt, completedAt                sql.NullString
		sessionName, logPath, errMsg, condaEnv sql.NullString
		exitCode                              sql.NullInt64
		gpusJSON                              string
	)

	err := row.Scan(&t.ID, &t.Name, &t.GPUType, &t.GPUCount, &t.Command, &condaEnv, &status, &createdAt,
		&startedAt, &completedAt, &sessionName, &gpusJSON, &logPath, &exitCode, &errMsg)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan task row: %w", err)
	}

	t.Status = task.Status(status)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if startedAt.Valid {
		ts, err := parseTime(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		t.CompletedAt = &ts
	}
	if condaEnv.Valid {
		t.CondaEnv = &condaEnv.String
	}
	if sessionName.Valid {
		t.SessionName = &sessionName.String
	}
	if logPath.Valid {
		t.LogPath = &logPath.String
	}
	if errMsg.Valid {
		t.Error = &errMsg.String
	}
	if exitCode.Valid {
		ec := int(exitCode.Int64)
		t.ExitCode = &ec
	}
	t.AssignedGPUs, err = task.DecodeAssignedGPUs(gpusJSON)
	if err != nil {
		return nil, fmt.Errorf("decode assigned_gpus: %w", err)
	}

	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*task.Task, error) {
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
