package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentaflow/gpu-task-scheduler/pkg/manager"
	"github.com/agentaflow/gpu-task-scheduler/pkg/observability"
)

// NewRouter builds the full HTTP surface for the scheduler daemon,
// following the teacher dashboard's setupRouter shape: a mux.Router with
// an /api subrouter, CORS and tracing middleware applied globally.
func NewRouter(m *manager.Manager, tracing *observability.TracingService, allowedOrigins []string) http.Handler {
	api := NewAPI(m)

	router := mux.NewRouter()
	apiRouter := router.PathPrefix("/api").Subrouter()

	apiRouter.HandleFunc("/health", api.handleHealth).Methods(http.MethodGet)
	apiRouter.HandleFunc("/gpus", api.handleListGPUs).Methods(http.MethodGet)
	apiRouter.HandleFunc("/tasks", api.handleListTasks).Methods(http.MethodGet)
	apiRouter.HandleFunc("/tasks", api.handleCreateTask).Methods(http.MethodPost)
	apiRouter.HandleFunc("/tasks/{id}", api.handleGetTask).Methods(http.MethodGet)
	apiRouter.HandleFunc("/tasks/{id}/logs", api.handleGetTaskLogs).Methods(http.MethodGet)
	apiRouter.HandleFunc("/tasks/{id}/cancel", api.handleCancelTask).Methods(http.MethodPost)
	apiRouter.HandleFunc("/ws", api.handleWebSocket)

	router.Use(corsMiddleware(allowedOrigins))
	if tracing != nil {
		router.Use(tracing.TraceMiddleware())
	}

	return router
}
