// Package manager implements the Manager Facade: the single thread-safe
// entry point HTTP handlers call into, coordinating the scheduler's
// in-memory state with the persistence store.
package manager

import (
	"bufio"
	"context"
	"os"
	"time"

	"github.com/agentaflow/gpu-task-scheduler/pkg/apierr"
	"github.com/agentaflow/gpu-task-scheduler/pkg/gpu"
	"github.com/agentaflow/gpu-task-scheduler/pkg/scheduler"
	"github.com/agentaflow/gpu-task-scheduler/pkg/session"
	"github.com/agentaflow/gpu-task-scheduler/pkg/store"
	"github.com/agentaflow/gpu-task-scheduler/pkg/task"
)

const defaultLogTail = 100

// CreateTaskRequest is the validated payload for create_task.
type CreateTaskRequest struct {
	Name     string
	GPUType  string
	GPUCount int
	Command  string
	CondaEnv *string
}

// GPUStatus is one entry of get_gpu_status's result: a probe reading with
// ownership information layered on top.
type GPUStatus struct {
	Index          int
	Name           string
	UUID           string
	MemoryTotal    *int64
	MemoryUsed     *int64
	UtilizationGPU *int
	UtilizationMem *int
	AssignedTaskID *int64
	IsFree         bool
}

// LogResult is the response shape for get_task_logs.
type LogResult struct {
	Lines     []string
	Truncated bool
}

// Manager is the public facade; each instance owns its own store and
// scheduler, so multiple Managers with distinct runtime roots never share
// state.
type Manager struct {
	store  *store.Store
	sched  *scheduler.Scheduler
	prober gpu.Prober
	host   session.Host
}

// New wires a Manager around an already-open store, scheduler, prober and
// session host.
func New(st *store.Store, sched *scheduler.Scheduler, prober gpu.Prober, host session.Host) *Manager {
	return &Manager{store: st, sched: sched, prober: prober, host: host}
}

// Start begins scheduling: recovers non-terminal tasks from the store and
// launches the background tick loop.
func (m *Manager) Start(ctx context.Context) error {
	return m.sched.Start(ctx)
}

// Stop halts scheduling without terminating running sessions.
func (m *Manager) Stop() {
	m.sched.Stop()
}

// CreateTask validates and persists a new task, appending it to the queue.
func (m *Manager) CreateTask(ctx context.Context, req CreateTaskRequest) (task.Detail, error) {
	states, err := m.prober.Snapshot(ctx)
	if err != nil {
		return task.Detail{}, apierr.ProbeErrorf(err, "failed to query gpu status")
	}
	if len(states) == 0 {
		return task.Detail{}, apierr.Invalidf("no GPUs detected on this host")
	}

	matched := false
	for _, st := range states {
		if st.Name == req.GPUType {
			matched = true
			break
		}
	}
	if !matched {
		return task.Detail{}, apierr.Invalidf("gpu_type %q does not match any detected GPU model", req.GPUType)
	}

	row := &task.Task{
		Name:     req.Name,
		GPUType:  req.GPUType,
		GPUCount: req.GPUCount,
		Command:  req.Command,
		CondaEnv: req.CondaEnv,
		Status:   task.StatusQueued,
		CreatedAt: time.Now(),
	}
	id, err := m.store.InsertTask(ctx, row)
	if err != nil {
		return task.Detail{}, apierr.Internalf(err, "failed to persist task")
	}
	row.ID = id
	m.sched.Enqueue(id)

	return row.ToDetail(), nil
}

// ListTasks returns every task as a summary, newest first.
func (m *Manager) ListTasks(ctx context.Context) ([]task.Summary, error) {
	rows, err := m.store.ListAll(ctx)
	if err != nil {
		return nil, apierr.Internalf(err, "failed to list tasks")
	}
	out := make([]task.Summary, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ToSummary())
	}
	return out, nil
}

// GetTask returns the detail view of a single task.
func (m *Manager) GetTask(ctx context.Context, id int64) (task.Detail, error) {
	row, err := m.store.Get(ctx, id)
	if err != nil {
		return task.Detail{}, apierr.NotFoundf("task %d not found", id)
	}
	return row.ToDetail(), nil
}

// GetGPUStatus takes a fresh probe snapshot and layers ownership
// information from the scheduler's running map on top.
func (m *Manager) GetGPUStatus(ctx context.Context) ([]GPUStatus, error) {
	states, err := m.prober.Snapshot(ctx)
	if err != nil {
		return nil, apierr.ProbeErrorf(err, "failed to query gpu status")
	}

	out := make([]GPUStatus, 0, len(states))
	for _, st := range states {
		status := GPUStatus{
			Index:          st.Index,
			Name:           st.Name,
			UUID:           st.UUID,
			MemoryTotal:    st.MemoryTotal,
			MemoryUsed:     st.MemoryUsed,
			UtilizationGPU: st.UtilizationGPU,
			UtilizationMem: st.UtilizationMem,
			IsFree:         true,
		}
		out = append(out, status)
	}
	m.fillOwnership(out)
	return out, nil
}

func (m *Manager) fillOwnership(statuses []GPUStatus) {
	byIndex := make(map[int]*GPUStatus, len(statuses))
	for i := range statuses {
		byIndex[statuses[i].Index] = &statuses[i]
	}
	for id, rt := range m.sched.RunningSnapshot() {
		taskID := id
		for _, idx := range rt.AssignedGPUs {
			if s, ok := byIndex[idx]; ok {
				s.AssignedTaskID = &taskID
				s.IsFree = false
			}
		}
	}
}

// GetTaskLogs returns the last tail lines of a task's log file.
func (m *Manager) GetTaskLogs(ctx context.Context, id int64, tail int) (LogResult, error) {
	if tail <= 0 {
		tail = defaultLogTail
	}

	row, err := m.store.Get(ctx, id)
	if err != nil {
		return LogResult{}, apierr.NotFoundf("task %d not found", id)
	}
	if row.LogPath == nil {
		return LogResult{Lines: []string{}}, nil
	}

	f, err := os.Open(*row.LogPath)
	if os.IsNotExist(err) {
		return LogResult{Lines: []string{}}, nil
	}
	if err != nil {
		return LogResult{}, apierr.Internalf(err, "failed to open log file for task %d", id)
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return LogResult{}, apierr.Internalf(err, "failed to read log file for task %d", id)
	}

	truncated := len(all) > tail
	if len(all) > tail {
		all = all[len(all)-tail:]
	}
	return LogResult{Lines: all, Truncated: truncated}, nil
}

// CancelTask transitions a task to cancelled, killing its session first if
// it was running.
func (m *Manager) CancelTask(ctx context.Context, id int64) (task.Detail, error) {
	row, err := m.store.Get(ctx, id)
	if err != nil {
		return task.Detail{}, apierr.NotFoundf("task %d not found", id)
	}

	treatAsRunning := row.Status == task.StatusRunning

	if row.Status == task.StatusQueued {
		if claimed := m.sched.RemoveFromQueue(id); claimed {
			if _, err := m.store.CancelQueued(ctx, id, time.Now(), "cancelled by user"); err != nil {
				return task.Detail{}, apierr.Internalf(err, "failed to cancel task %d", id)
			}
			return m.GetTask(ctx, id)
		}
		// Lost the race: launchPhase claimed this id out of the queue
		// between our read above and this point, so the task is now
		// running (or about to be). Fall through to the running-task path
		// instead of blindly stamping it cancelled.
		treatAsRunning = true
	}

	if treatAsRunning {
		rt, ok := m.sched.RunningTask(id)
		if ok {
			m.host.KillSession(ctx, rt.SessionName)
		}
		cancelled, err := m.store.CancelRunning(ctx, id, time.Now(), "cancelled by user")
		if err != nil {
			return task.Detail{}, apierr.Internalf(err, "failed to cancel task %d", id)
		}
		if !cancelled {
			// Lost the race against the reap phase; task already reached
			// a terminal state on its own.
			return m.GetTask(ctx, id)
		}
		m.sched.RemoveRunning(id)
		return m.GetTask(ctx, id)
	}

	return task.Detail{}, apierr.Invalidf("task %d is already in a terminal state (%s)", id, row.Status)
}
