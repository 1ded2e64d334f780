package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentaflow/gpu-task-scheduler/pkg/gpu"
	"github.com/agentaflow/gpu-task-scheduler/pkg/launcher"
	"github.com/agentaflow/gpu-task-scheduler/pkg/session"
	"github.com/agentaflow/gpu-task-scheduler/pkg/store"
	"github.com/agentaflow/gpu-task-scheduler/pkg/task"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *gpu.FakeProber, *session.FakeHost) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	prober := gpu.NewFakeProber()
	host := session.NewFakeHost()
	l := launcher.New(filepath.Join(dir, "tasks"), dir, "", st, host)
	sched := New(prober, host, st, l, 10*time.Millisecond)
	return sched, st, prober, host
}

func insertQueued(t *testing.T, st *store.Store, name, gpuType string, count int) int64 {
	t.Helper()
	id, err := st.InsertTask(context.Background(), &task.Task{
		Name: name, GPUType: gpuType, GPUCount: count, Command: "echo hi",
		Status: task.StatusQueued, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return id
}

func TestLaunchPhaseAssignsFreeGPUs(t *testing.T) {
	sched, st, prober, host := newTestScheduler(t)
	prober.SetStates([]gpu.State{
		{Index: 0, Name: "A100", UUID: "gpu-0"},
		{Index: 1, Name: "A100", UUID: "gpu-1"},
	})

	id := insertQueued(t, st, "t1", "A100", 1)
	sched.Enqueue(id)

	sched.launchPhase(context.Background())

	rt, ok := sched.RunningTask(id)
	if !ok {
		t.Fatalf("expected task to be running")
	}
	if len(rt.AssignedGPUs) != 1 || rt.AssignedGPUs[0] != 0 {
		t.Errorf("expected GPU 0 assigned (index ascending), got %v", rt.AssignedGPUs)
	}
	if len(host.Started()) != 1 {
		t.Errorf("expected session started")
	}

	got, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusRunning {
		t.Errorf("expected running status, got %s", got.Status)
	}
}

func TestLaunchPhaseHeadOfLineBlocking(t *testing.T) {
	sched, st, prober, _ := newTestScheduler(t)
	prober.SetStates([]gpu.State{{Index: 0, Name: "A100", UUID: "gpu-0"}})

	big := insertQueued(t, st, "big", "A100", 2)
	small := insertQueued(t, st, "small", "A100", 1)
	sched.Enqueue(big)
	sched.Enqueue(small)

	sched.launchPhase(context.Background())

	if _, ok := sched.RunningTask(big); ok {
		t.Errorf("expected big task to remain queued (insufficient GPUs)")
	}
	if _, ok := sched.RunningTask(small); ok {
		t.Errorf("expected small task to stay queued behind blocked head, got it running")
	}

	got, err := st.Get(context.Background(), small)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusQueued {
		t.Errorf("expected small task still queued, got %s", got.Status)
	}
}

func TestLaunchPhaseSkipsCancelledHead(t *testing.T) {
	sched, st, prober, _ := newTestScheduler(t)
	prober.SetStates([]gpu.State{{Index: 0, Name: "A100", UUID: "gpu-0"}})

	cancelled := insertQueued(t, st, "c1", "A100", 1)
	if err := st.UpdateStatus(context.Background(), cancelled, task.StatusCancelled); err != nil {
		t.Fatalf("update status: %v", err)
	}
	runnable := insertQueued(t, st, "r1", "A100", 1)

	sched.Enqueue(cancelled)
	sched.Enqueue(runnable)

	sched.launchPhase(context.Background())

	if _, ok := sched.RunningTask(runnable); !ok {
		t.Errorf("expected runnable task to launch after skipping cancelled head")
	}
}

func TestReapPhaseCompleted(t *testing.T) {
	sched, st, prober, host := newTestScheduler(t)
	prober.SetStates([]gpu.State{{Index: 0, Name: "A100", UUID: "gpu-0"}})

	id := insertQueued(t, st, "t1", "A100", 1)
	sched.Enqueue(id)
	sched.launchPhase(context.Background())

	rt, ok := sched.RunningTask(id)
	if !ok {
		t.Fatalf("expected task running")
	}

	if err := os.WriteFile(rt.ExitCodePath, []byte("0\n"), 0o640); err != nil {
		t.Fatalf("write exit code: %v", err)
	}
	host.FinishSession(rt.SessionName)

	sched.reapPhase(context.Background())

	got, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusCompleted || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("expected completed with exit code 0, got %+v", got)
	}
	if _, ok := sched.RunningTask(id); ok {
		t.Errorf("expected task removed from running map")
	}
}

func TestReapPhaseMissingExitCodeFails(t *testing.T) {
	sched, st, prober, host := newTestScheduler(t)
	prober.SetStates([]gpu.State{{Index: 0, Name: "A100", UUID: "gpu-0"}})

	id := insertQueued(t, st, "t1", "A100", 1)
	sched.Enqueue(id)
	sched.launchPhase(context.Background())

	rt, _ := sched.RunningTask(id)
	host.FinishSession(rt.SessionName)

	sched.reapPhase(context.Background())

	got, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusFailed || got.ExitCode != nil {
		t.Errorf("expected failed with nil exit code, got %+v", got)
	}
	if got.Error == nil || *got.Error != "Task terminated without reporting an exit code" {
		t.Errorf("unexpected error message: %v", got.Error)
	}
}

func TestStartupRecoveryReAdoptsLiveSession(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	id, _ := st.InsertTask(context.Background(), &task.Task{
		Name: "t1", GPUType: "A100", GPUCount: 1, Command: "echo hi",
		Status: task.StatusQueued, CreatedAt: time.Now(),
	})
	if err := st.UpdateLaunched(context.Background(), id, "task_"+itoa(id), []int{0}, "/tmp/t.log", time.Now()); err != nil {
		t.Fatalf("update launched: %v", err)
	}

	host := session.NewFakeHost()
	_ = host.StartSession(context.Background(), "task_"+itoa(id), "/tmp/run.sh")

	prober := gpu.NewFakeProber()
	l := launcher.New(filepath.Join(dir, "tasks"), dir, "", st, host)
	sched := New(prober, host, st, l, 10*time.Millisecond)

	if err := sched.recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if _, ok := sched.RunningTask(id); !ok {
		t.Errorf("expected task to be re-adopted into running map")
	}
}

func TestStartupRecoveryFailsDeadSession(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	id, _ := st.InsertTask(context.Background(), &task.Task{
		Name: "t1", GPUType: "A100", GPUCount: 1, Command: "echo hi",
		Status: task.StatusQueued, CreatedAt: time.Now(),
	})
	if err := st.UpdateLaunched(context.Background(), id, "task_"+itoa(id), []int{0}, "/tmp/t.log", time.Now()); err != nil {
		t.Fatalf("update launched: %v", err)
	}

	host := session.NewFakeHost()
	prober := gpu.NewFakeProber()
	l := launcher.New(filepath.Join(dir, "tasks"), dir, "", st, host)
	sched := New(prober, host, st, l, 10*time.Millisecond)

	if err := sched.recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if _, ok := sched.RunningTask(id); ok {
		t.Errorf("expected task not to be re-adopted")
	}
	got, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusFailed || got.Error == nil || *got.Error != "tmux session missing after restart" {
		t.Errorf("unexpected recovery outcome: %+v", got)
	}
}

func itoa(n int64) string {
	return session.Name(n)[len("task_"):]
}
