package launcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentaflow/gpu-task-scheduler/pkg/session"
	"github.com/agentaflow/gpu-task-scheduler/pkg/store"
	"github.com/agentaflow/gpu-task-scheduler/pkg/task"
)

func newTestLauncher(t *testing.T) (*Launcher, *store.Store, *session.FakeHost) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	host := session.NewFakeHost()
	l := New(filepath.Join(dir, "tasks"), "/workdir", "/opt/conda/etc/profile.d/conda.sh", st, host)
	return l, st, host
}

func insertQueued(t *testing.T, st *store.Store, name, command string, condaEnv *string) *task.Task {
	t.Helper()
	ctx := context.Background()
	row := &task.Task{
		Name: name, GPUType: "A100", GPUCount: 1, Command: command,
		CondaEnv: condaEnv, Status: task.StatusQueued, CreatedAt: time.Now(),
	}
	id, err := st.InsertTask(ctx, row)
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	row.ID = id
	return row
}

func TestLaunchWritesScriptAndStartsSession(t *testing.T) {
	l, st, host := newTestLauncher(t)
	row := insertQueued(t, st, "t1", "echo hi", nil)

	rt, err := l.Launch(context.Background(), row, []int{2, 0})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if rt.SessionName != "task_"+itoaTest(row.ID) {
		t.Errorf("unexpected session name: %s", rt.SessionName)
	}

	script, err := os.ReadFile(rt.ScriptPath)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	content := string(script)
	if !strings.Contains(content, "export CUDA_VISIBLE_DEVICES=0,2") {
		t.Errorf("expected sorted GPU indices in script, got:\n%s", content)
	}
	if !strings.Contains(content, "set -uo pipefail") {
		t.Errorf("expected set -uo pipefail, got:\n%s", content)
	}
	if strings.Contains(content, "set -e") {
		t.Errorf("script must not use set -e (would discard exit code), got:\n%s", content)
	}
	if !strings.Contains(content, "echo hi") {
		t.Errorf("expected verbatim command in script, got:\n%s", content)
	}
	if strings.Contains(content, "conda activate") {
		t.Errorf("did not expect conda activation without conda_env, got:\n%s", content)
	}

	info, err := os.Stat(rt.ScriptPath)
	if err != nil {
		t.Fatalf("stat script: %v", err)
	}
	if info.Mode().Perm() != scriptMode {
		t.Errorf("expected mode %o, got %o", scriptMode, info.Mode().Perm())
	}

	if _, err := os.Stat(rt.LogPath); err != nil {
		t.Errorf("expected log file to be touched: %v", err)
	}

	started := host.Started()
	if len(started) != 1 || started[0] != rt.SessionName {
		t.Errorf("expected session to be started, got %v", started)
	}

	got, err := st.Get(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusRunning {
		t.Errorf("expected status running, got %s", got.Status)
	}
	if got.SessionName == nil || *got.SessionName != rt.SessionName {
		t.Errorf("expected store session_name to match")
	}
}

func TestLaunchWithCondaEnv(t *testing.T) {
	l, st, _ := newTestLauncher(t)
	env := "myenv"
	row := insertQueued(t, st, "t2", "python train.py", &env)

	rt, err := l.Launch(context.Background(), row, nil)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	content, err := os.ReadFile(rt.ScriptPath)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	if !strings.Contains(string(content), "conda activate 'myenv'") {
		t.Errorf("expected conda activation, got:\n%s", content)
	}
	if strings.Contains(string(content), "CUDA_VISIBLE_DEVICES") {
		t.Errorf("did not expect CUDA_VISIBLE_DEVICES with no assigned GPUs, got:\n%s", content)
	}
}

func TestLaunchFailsBeforeStoreMutationWhenSessionUnavailable(t *testing.T) {
	l, st, host := newTestLauncher(t)
	host.SetUnavailable(true)
	row := insertQueued(t, st, "t3", "echo hi", nil)

	_, err := l.Launch(context.Background(), row, []int{0})
	if err == nil {
		t.Fatalf("expected launch to fail")
	}

	got, err := st.Get(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusQueued {
		t.Errorf("expected task to remain queued after pre-mutation failure, got %s", got.Status)
	}
}

func itoaTest(id int64) string {
	return session.Name(id)[len("task_"):]
}
