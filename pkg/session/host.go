// Package session abstracts the terminal multiplexer (tmux) that runs
// detached task scripts: the launcher and scheduler only ever see the
// small Host interface below, so tests drive a fake instead of forking
// real tmux processes.
package session

import (
	"context"
	"strconv"
)

// Host is the only launch/lifecycle mechanism the scheduler uses to run
// and observe a task's detached process.
type Host interface {
	// EnsureAvailable fails with apierr.SessionUnavailable if the
	// multiplexer tool cannot be invoked at all.
	EnsureAvailable(ctx context.Context) error

	// StartSession launches scriptPath detached under sessionName, failing
	// with apierr.SessionLaunchFailed on non-zero tool exit.
	StartSession(ctx context.Context, sessionName, scriptPath string) error

	// AttachOutput configures sessionName to append subsequent
	// stdout/stderr to logPath.
	AttachOutput(ctx context.Context, sessionName, logPath string) error

	// HasSession reports whether sessionName is still live.
	HasSession(ctx context.Context, sessionName string) bool

	// KillSession best-effort terminates sessionName. Never returns an
	// error; failures are swallowed since callers treat cancellation as
	// fire-and-forget.
	KillSession(ctx context.Context, sessionName string)
}

// Name returns the session-host identifier for a task ID, per the fixed
// `task_{id}` naming scheme.
func Name(taskID int64) string {
	return "task_" + strconv.FormatInt(taskID, 10)
}
