package session

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/agentaflow/gpu-task-scheduler/pkg/apierr"
)

const opTimeout = 5 * time.Second

// TmuxHost drives the real tmux binary via os/exec, the only backend the
// scheduler runs against in production.
type TmuxHost struct{}

// NewTmuxHost returns a Host backed by the tmux CLI.
func NewTmuxHost() *TmuxHost {
	return &TmuxHost{}
}

func (h *TmuxHost) EnsureAvailable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := exec.CommandContext(ctx, "tmux", "-V").Run(); err != nil {
		return apierr.SessionUnavailablef(err, "tmux is not available")
	}
	return nil
}

func (h *TmuxHost) StartSession(ctx context.Context, sessionName, scriptPath string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", "new-session", "-d", "-s", sessionName, scriptPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return apierr.SessionLaunchErrorf(err, "tmux new-session failed: %s", trimOutput(out))
	}
	return nil
}

func (h *TmuxHost) AttachOutput(ctx context.Context, sessionName, logPath string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", "pipe-pane", "-o", "-t", sessionName, "cat >> "+shellQuote(logPath))
	if out, err := cmd.CombinedOutput(); err != nil {
		return apierr.SessionLaunchErrorf(err, "tmux pipe-pane failed: %s", trimOutput(out))
	}
	return nil
}

func (h *TmuxHost) HasSession(ctx context.Context, sessionName string) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := exec.CommandContext(ctx, "tmux", "has-session", "-t", sessionName).Run()
	return err == nil
}

func (h *TmuxHost) KillSession(ctx context.Context, sessionName string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_ = exec.CommandContext(ctx, "tmux", "kill-session", "-t", sessionName).Run()
}

func trimOutput(out []byte) string {
	const max = 512
	if len(out) > max {
		out = out[:max]
	}
	return string(out)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
