package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentaflow/gpu-task-scheduler/pkg/gpu"
	"github.com/agentaflow/gpu-task-scheduler/pkg/launcher"
	"github.com/agentaflow/gpu-task-scheduler/pkg/manager"
	"github.com/agentaflow/gpu-task-scheduler/pkg/scheduler"
	"github.com/agentaflow/gpu-task-scheduler/pkg/session"
	"github.com/agentaflow/gpu-task-scheduler/pkg/store"
)

func newTestRouter(t *testing.T) (http.Handler, *manager.Manager) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	prober := gpu.NewFakeProber(gpu.State{Index: 0, Name: "A100", UUID: "gpu-0"})
	host := session.NewFakeHost()
	l := launcher.New(filepath.Join(dir, "tasks"), dir, "", st, host)
	sched := scheduler.New(prober, host, st, l, 10*time.Millisecond)
	m := manager.New(st, sched, prober, host)

	router := NewRouter(m, nil, []string{"http://localhost:1895"})
	return router, m
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	router, _ := newTestRouter(t)

	payload, _ := json.Marshal(CreateTaskBody{Name: "t1", GPUType: "A100", GPUCount: 1, Command: "echo hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created TaskDetail
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != "queued" {
		t.Errorf("expected queued, got %s", created.Status)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/tasks/1", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRec.Code)
	}
}

func TestCreateTaskValidationError(t *testing.T) {
	router, _ := newTestRouter(t)

	payload, _ := json.Marshal(CreateTaskBody{Name: "t1", GPUType: "V100", GPUCount: 1, Command: "echo hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetUnknownTaskReturns404(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/999", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListGPUsAndTasks(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/gpus", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var gpus []GPUInfo
	if err := json.NewDecoder(rec.Body).Decode(&gpus); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(gpus) != 1 {
		t.Fatalf("expected 1 gpu, got %d", len(gpus))
	}

	tasksReq := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	tasksRec := httptest.NewRecorder()
	router.ServeHTTP(tasksRec, tasksReq)
	if tasksRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", tasksRec.Code)
	}
}

func TestCancelTaskEndpoint(t *testing.T) {
	router, m := newTestRouter(t)
	ctx := context.Background()

	detail, err := m.CreateTask(ctx, manager.CreateTaskRequest{Name: "t1", GPUType: "A100", GPUCount: 1, Command: "echo hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/1/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var cancelled TaskDetail
	if err := json.NewDecoder(rec.Body).Decode(&cancelled); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cancelled.Status != "cancelled" || cancelled.ID != detail.ID {
		t.Errorf("unexpected result: %+v", cancelled)
	}
}

func TestCORSHeadersSetForAllowedOrigin(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://localhost:1895")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:1895" {
		t.Errorf("expected CORS header set, got %q", got)
	}
}
