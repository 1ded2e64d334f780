// Package scheduler runs the single background worker that launches
// queued tasks onto idle GPUs and reaps finished sessions, per spec §4.5.
package scheduler

import (
	"context"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentaflow/gpu-task-scheduler/pkg/gpu"
	"github.com/agentaflow/gpu-task-scheduler/pkg/launcher"
	"github.com/agentaflow/gpu-task-scheduler/pkg/session"
	"github.com/agentaflow/gpu-task-scheduler/pkg/store"
	"github.com/agentaflow/gpu-task-scheduler/pkg/task"
)

const defaultPollInterval = 2 * time.Second

// Scheduler owns the queue and the in-memory running-task map, and ticks
// the launch/reap phases on a dedicated goroutine.
//
// mu is the "state lock": it guards queue and running below. Callers that
// also need the store must acquire mu first, then let the store's own
// internal lock serialize the DB access — never the other way around.
type Scheduler struct {
	prober       gpu.Prober
	host         session.Host
	store        *store.Store
	launcher     *launcher.Launcher
	pollInterval time.Duration

	mu      sync.Mutex
	queue   []int64
	running map[int64]*task.RunningTask

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler. Call Start to begin ticking.
func New(prober gpu.Prober, host session.Host, st *store.Store, l *launcher.Launcher, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Scheduler{
		prober:       prober,
		host:         host,
		store:        st,
		launcher:     l,
		pollInterval: pollInterval,
		running:      make(map[int64]*task.RunningTask),
	}
}

// Enqueue appends a newly created task id to the queue tail.
func (s *Scheduler) Enqueue(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, id)
}

// RemoveFromQueue removes id from the queue if present, reporting whether
// it was found there (used by cancel_task on queued tasks).
func (s *Scheduler) RemoveFromQueue(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// RunningTask returns the in-memory record for a running task, if any.
func (s *Scheduler) RunningTask(id int64) (*task.RunningTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.running[id]
	return rt, ok
}

// RemoveRunning deletes id from the running map (used by cancel_task on
// running tasks, to short-circuit the reap phase).
func (s *Scheduler) RemoveRunning(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// RunningSnapshot returns a shallow copy of the running-task map.
func (s *Scheduler) RunningSnapshot() map[int64]*task.RunningTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]*task.RunningTask, len(s.running))
	for id, rt := range s.running {
		out[id] = rt
	}
	return out
}

// AssignedGPUIndices returns the union of GPU indices currently assigned
// to any running task.
func (s *Scheduler) AssignedGPUIndices() map[int]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]bool)
	for _, rt := range s.running {
		for _, idx := range rt.AssignedGPUs {
			out[idx] = true
		}
	}
	return out
}

// Start reloads non-terminal tasks from the store per the startup-recovery
// procedure, then launches the background tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop()
	return nil
}

// Stop signals the loop to exit and joins with a bounded wait. It does not
// terminate running sessions.
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-time.After(2 * s.pollInterval):
		log.Println("scheduler: stop timed out waiting for loop to exit")
	}
}

func (s *Scheduler) recover(ctx context.Context) error {
	rows, err := s.store.ListByStatuses(ctx, task.StatusQueued, task.StatusRunning)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		switch row.Status {
		case task.StatusQueued:
			s.queue = append(s.queue, row.ID)
		case task.StatusRunning:
			sessionName := ""
			if row.SessionName != nil {
				sessionName = *row.SessionName
			}
			if sessionName != "" && s.host.HasSession(ctx, sessionName) {
				logPath := ""
				if row.LogPath != nil {
					logPath = *row.LogPath
				}
				taskDir := s.launcher.TaskDir(row.ID)
				s.running[row.ID] = &task.RunningTask{
					ID:           row.ID,
					SessionName:  sessionName,
					AssignedGPUs: append([]int(nil), row.AssignedGPUs...),
					LogPath:      logPath,
					ScriptPath:   taskDir + "/run.sh",
					ExitCodePath: taskDir + "/exit_code",
					StartedAt:    valueOrZero(row.StartedAt),
				}
			} else {
				msg := "tmux session missing after restart"
				if _, err := s.store.UpdateCompletion(ctx, row.ID, task.StatusRunning, task.StatusFailed, nil, &msg, time.Now()); err != nil {
					log.Printf("scheduler: recording failed recovery for task %d: %v", row.ID, err)
				}
			}
		}
	}
	return nil
}

func valueOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: recovered from panic in tick: %v", r)
		}
	}()

	ctx := context.Background()
	s.launchPhase(ctx)
	s.reapPhase(ctx)
}

// peekQueueHead returns the id at the front of the queue without removing
// it, so the caller can decide whether to act on it before claiming it.
func (s *Scheduler) peekQueueHead() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return 0, false
	}
	return s.queue[0], true
}

// launchPhase assigns idle GPUs to queued tasks in strict FIFO order. The
// state lock is only held for the short snapshot/mutation steps around
// each iteration: s.launcher.Launch performs blocking tmux subprocess
// calls and a DB write, and must not stall CancelTask/RunningSnapshot/
// Enqueue callers for the length of a whole launch tick.
//
// RemoveFromQueue doubles as the race arbiter against CancelTask: whichever
// of the two calls it first for a given id owns that task's next
// transition (launched vs. cancelled-while-queued).
func (s *Scheduler) launchPhase(ctx context.Context) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	running := make(map[int64]*task.RunningTask, len(s.running))
	for id, rt := range s.running {
		running[id] = rt
	}
	s.mu.Unlock()

	states, err := s.prober.Snapshot(ctx)
	if err != nil {
		log.Printf("scheduler: gpu probe failed, skipping launch phase: %v", err)
		return
	}

	assigned := make(map[int]bool)
	for _, rt := range running {
		for _, idx := range rt.AssignedGPUs {
			assigned[idx] = true
		}
	}

	availableByType := make(map[string][]int)
	for _, st := range states {
		if assigned[st.Index] {
			continue
		}
		availableByType[st.Name] = append(availableByType[st.Name], st.Index)
	}
	for name := range availableByType {
		sort.Ints(availableByType[name])
	}

	for {
		id, ok := s.peekQueueHead()
		if !ok {
			return
		}

		row, err := s.store.Get(ctx, id)
		if err != nil {
			log.Printf("scheduler: task %d disappeared from store, dropping from queue: %v", id, err)
			s.RemoveFromQueue(id)
			continue
		}
		if row.Status != task.StatusQueued {
			// Cancelled (or otherwise moved) out from under the queue.
			s.RemoveFromQueue(id)
			continue
		}

		pool := availableByType[row.GPUType]
		if len(pool) < row.GPUCount {
			return
		}

		chosen := append([]int(nil), pool[:row.GPUCount]...)
		availableByType[row.GPUType] = pool[row.GPUCount:]

		rt, launchErr := s.launcher.Launch(ctx, row, chosen)

		claimed := s.RemoveFromQueue(id)
		if !claimed {
			// CancelTask claimed this id out of the queue while Launch was
			// in flight. If the launch went through anyway, hand the
			// session to the running map so a subsequent cancel can kill
			// it, or reap records its end once it exits, instead of
			// leaking an untracked tmux session.
			if launchErr == nil {
				s.mu.Lock()
				s.running[id] = rt
				s.mu.Unlock()
			}
			continue
		}

		if launchErr != nil {
			log.Printf("scheduler: launch failed for task %d: %v", id, launchErr)
			msg := launchErr.Error()
			if _, cerr := s.store.UpdateCompletion(ctx, id, task.StatusQueued, task.StatusFailed, nil, &msg, time.Now()); cerr != nil {
				log.Printf("scheduler: failed to record launch failure for task %d: %v", id, cerr)
			}
			continue
		}

		s.mu.Lock()
		s.running[id] = rt
		s.mu.Unlock()
	}
}

func (s *Scheduler) reapPhase(ctx context.Context) {
	s.mu.Lock()
	snapshot := make(map[int64]*task.RunningTask, len(s.running))
	for id, rt := range s.running {
		snapshot[id] = rt
	}
	s.mu.Unlock()

	for id, rt := range snapshot {
		if s.host.HasSession(ctx, rt.SessionName) {
			continue
		}

		status, exitCode, errMsg := readExitOutcome(rt.ExitCodePath)
		ok, err := s.store.UpdateCompletion(ctx, id, task.StatusRunning, status, exitCode, errMsg, time.Now())
		if err != nil {
			log.Printf("scheduler: failed to persist completion for task %d: %v", id, err)
			continue
		}
		if !ok {
			// Lost the race against a concurrent cancel that already moved
			// this task to a terminal state; CancelTask owns removing it
			// from the running map in that case.
			continue
		}

		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}
}

func readExitOutcome(path string) (task.Status, *int, *string) {
	data, err := os.ReadFile(path)
	if err != nil {
		msg := "Task terminated without reporting an exit code"
		return task.StatusFailed, nil, &msg
	}

	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		msg := "Task terminated without reporting an exit code"
		return task.StatusFailed, nil, &msg
	}

	if code == 0 {
		return task.StatusCompleted, &code, nil
	}
	msg := "Process exited with status " + strconv.Itoa(code)
	return task.StatusFailed, &code, &msg
}
