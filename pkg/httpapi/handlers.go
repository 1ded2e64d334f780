package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agentaflow/gpu-task-scheduler/pkg/apierr"
	"github.com/agentaflow/gpu-task-scheduler/pkg/manager"
	"github.com/agentaflow/gpu-task-scheduler/pkg/task"
)

// API wires the Manager Facade into HTTP handlers.
type API struct {
	manager *manager.Manager
}

// NewAPI constructs an API around an already-started Manager.
func NewAPI(m *manager.Manager) *API {
	return &API{manager: m}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListGPUs(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.manager.GetGPUStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]GPUInfo, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, GPUInfo{
			Index: s.Index, Name: s.Name, UUID: s.UUID,
			MemoryTotal: s.MemoryTotal, MemoryUsed: s.MemoryUsed,
			UtilizationGPU: s.UtilizationGPU, UtilizationMem: s.UtilizationMem,
			AssignedTaskID: s.AssignedTaskID, IsFree: s.IsFree,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	summaries, err := a.manager.ListTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskSummaries(summaries))
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body CreateTaskBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.Invalidf("invalid request body: %v", err))
		return
	}

	detail, err := a.manager.CreateTask(r.Context(), manager.CreateTaskRequest{
		Name:     body.Name,
		GPUType:  body.GPUType,
		GPUCount: body.GPUCount,
		Command:  body.Command,
		CondaEnv: body.CondaEnv,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskDetail(detail))
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	detail, err := a.manager.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDetail(detail))
}

func (a *API) handleGetTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	tail := 0
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, apierr.Invalidf("invalid tail parameter %q", raw))
			return
		}
		tail = n
	}

	result, err := a.manager.GetTaskLogs(r.Context(), id, tail)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskLogResponse{Lines: result.Lines, Truncated: result.Truncated})
}

func (a *API) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	detail, err := a.manager.CancelTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDetail(detail))
}

func pathTaskID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apierr.Invalidf("invalid task id %q", raw)
	}
	return id, nil
}

func toTaskSummaries(rows []task.Summary) []TaskSummary {
	out := make([]TaskSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, TaskSummary{
			ID: r.ID, Name: r.Name, Status: string(r.Status),
			GPUType: r.GPUType, GPUCount: r.GPUCount,
			CreatedAt: r.CreatedAt, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
		})
	}
	return out
}

func toTaskDetail(d task.Detail) TaskDetail {
	return TaskDetail{
		TaskSummary: TaskSummary{
			ID: d.ID, Name: d.Name, Status: string(d.Status),
			GPUType: d.GPUType, GPUCount: d.GPUCount,
			CreatedAt: d.CreatedAt, StartedAt: d.StartedAt, CompletedAt: d.CompletedAt,
		},
		Command:      d.Command,
		SessionName:  d.SessionName,
		AssignedGPUs: d.AssignedGPUs,
		LogPath:      d.LogPath,
		ExitCode:     d.ExitCode,
		Error:        d.Error,
		CondaEnv:     d.CondaEnv,
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apierr.KindOf(err) {
	case apierr.KindInvalid:
		status = http.StatusBadRequest
	case apierr.KindNotFound:
		status = http.StatusNotFound
	case apierr.KindProbe, apierr.KindSessionUnavailable, apierr.KindSessionLaunch, apierr.KindInternal:
		status = http.StatusInternalServerError
	}
	var apiErr *apierr.Error
	msg := err.Error()
	if errors.As(err, &apiErr) {
		msg = apiErr.Message
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}
