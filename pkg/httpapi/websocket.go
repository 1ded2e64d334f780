package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsPushInterval = 2 * time.Second

// wsSnapshot is the payload pushed to each connected websocket client.
type wsSnapshot struct {
	GPUs  []GPUInfo     `json:"gpus"`
	Tasks []TaskSummary `json:"tasks"`
}

// handleWebSocket upgrades the connection and pushes a {gpus,tasks}
// snapshot on connect, then again whenever a poll of Manager state differs
// from the last snapshot sent, following the teacher dashboard's own
// connMutex-guarded write pattern to keep concurrent writes serialized.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("httpapi: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var connMutex sync.Mutex
	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var lastSent []byte
	push := func() bool {
		snapshot, err := a.buildSnapshot(r.Context())
		if err != nil {
			log.Printf("httpapi: websocket snapshot failed: %v", err)
			return true
		}
		encoded, err := json.Marshal(snapshot)
		if err != nil {
			log.Printf("httpapi: websocket snapshot encode failed: %v", err)
			return true
		}
		if lastSent != nil && bytes.Equal(encoded, lastSent) {
			return true
		}

		connMutex.Lock()
		writeErr := conn.WriteMessage(websocket.TextMessage, encoded)
		connMutex.Unlock()
		if writeErr != nil {
			return false
		}
		lastSent = encoded
		return true
	}

	if !push() {
		return
	}

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}

func (a *API) buildSnapshot(ctx context.Context) (wsSnapshot, error) {
	statuses, err := a.manager.GetGPUStatus(ctx)
	if err != nil {
		return wsSnapshot{}, err
	}
	gpus := make([]GPUInfo, 0, len(statuses))
	for _, s := range statuses {
		gpus = append(gpus, GPUInfo{
			Index: s.Index, Name: s.Name, UUID: s.UUID,
			MemoryTotal: s.MemoryTotal, MemoryUsed: s.MemoryUsed,
			UtilizationGPU: s.UtilizationGPU, UtilizationMem: s.UtilizationMem,
			AssignedTaskID: s.AssignedTaskID, IsFree: s.IsFree,
		})
	}

	summaries, err := a.manager.ListTasks(ctx)
	if err != nil {
		return wsSnapshot{}, err
	}

	return wsSnapshot{GPUs: gpus, Tasks: toTaskSummaries(summaries)}, nil
}
