package httpapi

import "time"

// CreateTaskBody is the JSON body for POST /api/tasks.
type CreateTaskBody struct {
	Name     string  `json:"name"`
	GPUType  string  `json:"gpu_type"`
	GPUCount int     `json:"gpu_count"`
	Command  string  `json:"command"`
	CondaEnv *string `json:"conda_env,omitempty"`
}

// TaskSummary is the JSON shape for list_tasks entries.
type TaskSummary struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	GPUType     string     `json:"gpu_type"`
	GPUCount    int        `json:"gpu_count"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// TaskDetail is the JSON shape for get_task / create_task / cancel_task.
type TaskDetail struct {
	TaskSummary
	Command      string  `json:"command"`
	SessionName  *string `json:"session_name"`
	AssignedGPUs []int   `json:"assigned_gpus"`
	LogPath      *string `json:"log_path"`
	ExitCode     *int    `json:"exit_code"`
	Error        *string `json:"error"`
	CondaEnv     *string `json:"conda_env"`
}

// GPUInfo is one entry of GET /api/gpus.
type GPUInfo struct {
	Index          int     `json:"index"`
	Name           string  `json:"name"`
	UUID           string  `json:"uuid"`
	MemoryTotal    *int64  `json:"memory_total"`
	MemoryUsed     *int64  `json:"memory_used"`
	UtilizationGPU *int    `json:"utilization_gpu"`
	UtilizationMem *int    `json:"utilization_mem"`
	AssignedTaskID *int64  `json:"assigned_task_id"`
	IsFree         bool    `json:"is_free"`
}

// TaskLogResponse is the JSON shape for GET /api/tasks/{id}/logs.
type TaskLogResponse struct {
	Lines     []string `json:"lines"`
	Truncated bool     `json:"truncated"`
}

// ErrorResponse is the JSON body returned for non-2xx responses.
type ErrorResponse struct {
	Error string `json:"error"`
}
