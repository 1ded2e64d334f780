// Package task maps persistence-store rows to in-memory task records and
// the summary/detail views the HTTP API exposes.
package task

import (
	"encoding/json"
	"time"
)

// Status is one of the five lifecycle states a Task can be in.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a sink in the lifecycle DAG.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is the persistent record described in spec §3.
type Task struct {
	ID           int64
	Name         string
	GPUType      string
	GPUCount     int
	Command      string
	CondaEnv     *string
	Status       Status
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	SessionName  *string
	AssignedGPUs []int
	LogPath      *string
	ExitCode     *int
	Error        *string
}

// RunningTask is the in-memory record for a live task, rebuilt on startup
// recovery and maintained by the Scheduler Loop between ticks.
type RunningTask struct {
	ID           int64
	SessionName  string
	AssignedGPUs []int
	LogPath      string
	ScriptPath   string
	ExitCodePath string
	StartedAt    time.Time
}

// Summary is the list-view projection of a Task.
type Summary struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	GPUType     string     `json:"gpu_type"`
	GPUCount    int        `json:"gpu_count"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Detail is the full single-task view the HTTP API returns.
type Detail struct {
	Summary
	Command      string  `json:"command"`
	SessionName  *string `json:"session_name"`
	AssignedGPUs []int   `json:"assigned_gpus"`
	LogPath      *string `json:"log_path"`
	ExitCode     *int    `json:"exit_code"`
	Error        *string `json:"error"`
	CondaEnv     *string `json:"conda_env"`
}

// ToSummary projects a Task into its list-view form.
func (t *Task) ToSummary() Summary {
	return Summary{
		ID:          t.ID,
		Name:        t.Name,
		Status:      t.Status,
		GPUType:     t.GPUType,
		GPUCount:    t.GPUCount,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

// ToDetail projects a Task into its full detail-view form.
func (t *Task) ToDetail() Detail {
	gpus := t.AssignedGPUs
	if gpus == nil {
		gpus = []int{}
	}
	return Detail{
		Summary:      t.ToSummary(),
		Command:      t.Command,
		SessionName:  t.SessionName,
		AssignedGPUs: gpus,
		LogPath:      t.LogPath,
		ExitCode:     t.ExitCode,
		Error:        t.Error,
		CondaEnv:     t.CondaEnv,
	}
}

// EncodeAssignedGPUs serializes an assigned-GPU list to the compact JSON
// text the store persists it as (empty/nil encodes as "[]").
func EncodeAssignedGPUs(gpus []int) (string, error) {
	if gpus == nil {
		gpus = []int{}
	}
	b, err := json.Marshal(gpus)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeAssignedGPUs parses the compact JSON text column back into a slice,
// treating an empty string the same as "[]".
func DecodeAssignedGPUs(raw string) ([]int, error) {
	if raw == "" {
		return []int{}, nil
	}
	var gpus []int
	if err := json.Unmarshal([]byte(raw), &gpus); err != nil {
		return nil, err
	}
	if gpus == nil {
		gpus = []int{}
	}
	return gpus, nil
}
