// Package launcher materializes a queued task's runtime directory and
// wrapper script, starts it under the session host, and records the
// transition to running in the store.
package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentaflow/gpu-task-scheduler/pkg/session"
	"github.com/agentaflow/gpu-task-scheduler/pkg/store"
	"github.com/agentaflow/gpu-task-scheduler/pkg/task"
)

const (
	scriptMode   os.FileMode = 0o750
	scriptName               = "run.sh"
	logName                  = "tmux.log"
	exitCodeName             = "exit_code"
)

// Launcher turns a queued task plus an assigned set of GPU indices into a
// live session, per spec §4.4.
type Launcher struct {
	runtimeDir       string
	workDir          string
	condaInitScript  string
	store            *store.Store
	host             session.Host
}

// New returns a Launcher rooted at runtimeDir (holding one task_{id}
// subdirectory per task), running commands from workDir, optionally
// sourcing condaInitScript when a task requests a conda environment.
func New(runtimeDir, workDir, condaInitScript string, st *store.Store, host session.Host) *Launcher {
	return &Launcher{
		runtimeDir:      runtimeDir,
		workDir:         workDir,
		condaInitScript: condaInitScript,
		store:           st,
		host:            host,
	}
}

// TaskDir returns the per-task runtime directory for id.
func (l *Launcher) TaskDir(id int64) string {
	return filepath.Join(l.runtimeDir, "task_"+strconv.FormatInt(id, 10))
}

// Launch materializes and starts t on the given GPU indices, updating the
// store to running on success and returning the RunningTask record the
// scheduler tracks in memory.
func (l *Launcher) Launch(ctx context.Context, t *task.Task, gpuIndices []int) (*task.RunningTask, error) {
	taskDir := l.TaskDir(t.ID)
	if err := os.MkdirAll(taskDir, 0o750); err != nil {
		return nil, fmt.Errorf("create task directory: %w", err)
	}

	scriptPath := filepath.Join(taskDir, scriptName)
	exitCodePath := filepath.Join(taskDir, exitCodeName)
	logPath := filepath.Join(taskDir, logName)

	script := l.renderScript(t, gpuIndices, exitCodePath)
	if err := os.WriteFile(scriptPath, []byte(script), scriptMode); err != nil {
		return nil, fmt.Errorf("write wrapper script: %w", err)
	}

	if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640); err != nil {
		return nil, fmt.Errorf("touch log file: %w", err)
	} else {
		f.Close()
	}

	if err := l.host.EnsureAvailable(ctx); err != nil {
		return nil, err
	}

	sessionName := session.Name(t.ID)
	if err := l.host.StartSession(ctx, sessionName, scriptPath); err != nil {
		return nil, err
	}
	if err := l.host.AttachOutput(ctx, sessionName, logPath); err != nil {
		return nil, err
	}

	startedAt := time.Now()
	if err := l.store.UpdateLaunched(ctx, t.ID, sessionName, gpuIndices, logPath, startedAt); err != nil {
		return nil, err
	}

	return &task.RunningTask{
		ID:           t.ID,
		SessionName:  sessionName,
		AssignedGPUs: append([]int(nil), gpuIndices...),
		LogPath:      logPath,
		ScriptPath:   scriptPath,
		ExitCodePath: exitCodePath,
		StartedAt:    startedAt,
	}, nil
}

func (l *Launcher) renderScript(t *task.Task, gpuIndices []int, exitCodePath string) string {
	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	b.WriteString("set -uo pipefail\n")

	if len(gpuIndices) > 0 {
		sorted := append([]int(nil), gpuIndices...)
		sort.Ints(sorted)
		parts := make([]string, len(sorted))
		for i, idx := range sorted {
			parts[i] = strconv.Itoa(idx)
		}
		fmt.Fprintf(&b, "export CUDA_VISIBLE_DEVICES=%s\n", strings.Join(parts, ","))
	}

	fmt.Fprintf(&b, "cd %s\n", shellQuote(l.workDir))

	if t.CondaEnv != nil && *t.CondaEnv != "" && l.condaInitScript != "" {
		fmt.Fprintf(&b, "source %s\n", shellQuote(l.condaInitScript))
		fmt.Fprintf(&b, "conda activate %s\n", shellQuote(*t.CondaEnv))
	}

	b.WriteString(t.Command)
	b.WriteString("\n")

	fmt.Fprintf(&b, "__exit_code=$?\n")
	fmt.Fprintf(&b, "echo \"$__exit_code\" > %s\n", shellQuote(exitCodePath))
	b.WriteString("exit $__exit_code\n")

	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
