package session

import (
	"context"
	"errors"
	"testing"

	"github.com/agentaflow/gpu-task-scheduler/pkg/apierr"
)

func TestFakeHostLifecycle(t *testing.T) {
	h := NewFakeHost()
	ctx := context.Background()

	if err := h.EnsureAvailable(ctx); err != nil {
		t.Fatalf("expected available, got %v", err)
	}

	name := Name(42)
	if err := h.StartSession(ctx, name, "/tmp/run.sh"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if !h.HasSession(ctx, name) {
		t.Fatalf("expected session to be live")
	}

	if err := h.AttachOutput(ctx, name, "/tmp/out.log"); err != nil {
		t.Fatalf("attach output: %v", err)
	}

	h.FinishSession(name)
	if h.HasSession(ctx, name) {
		t.Fatalf("expected session to be gone after finish")
	}
}

func TestFakeHostUnavailable(t *testing.T) {
	h := NewFakeHost()
	h.SetUnavailable(true)

	err := h.EnsureAvailable(context.Background())
	if !errors.Is(err, apierr.SessionUnavailable) {
		t.Fatalf("expected SessionUnavailable, got %v", err)
	}
}

func TestFakeHostLaunchFailure(t *testing.T) {
	h := NewFakeHost()
	name := Name(7)
	h.FailLaunch(name, errors.New("tmux: duplicate session"))

	err := h.StartSession(context.Background(), name, "/tmp/run.sh")
	if !errors.Is(err, apierr.SessionLaunchFailed) {
		t.Fatalf("expected SessionLaunchFailed, got %v", err)
	}
	if h.HasSession(context.Background(), name) {
		t.Fatalf("expected session to not be live after failed launch")
	}
}

func TestFakeHostKillSession(t *testing.T) {
	h := NewFakeHost()
	name := Name(1)
	_ = h.StartSession(context.Background(), name, "/tmp/run.sh")

	h.KillSession(context.Background(), name)
	if h.HasSession(context.Background(), name) {
		t.Fatalf("expected session dead after kill")
	}
	killed := h.Killed()
	if len(killed) != 1 || killed[0] != name {
		t.Fatalf("expected killed to record %s, got %v", name, killed)
	}
}

func TestSessionName(t *testing.T) {
	if got := Name(123); got != "task_123" {
		t.Fatalf("expected task_123, got %s", got)
	}
}
