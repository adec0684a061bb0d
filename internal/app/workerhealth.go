package app

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/renderflow/internal/pipeline"
)

// WorkerHealth serves the worker process health endpoint.
type WorkerHealth struct {
	runner *pipeline.Runner
	start  time.Time
	ready  atomic.Bool
}

// NewWorkerHealth constructs the health surface for a worker runner.
func NewWorkerHealth(runner *pipeline.Runner) *WorkerHealth {
	return &WorkerHealth{runner: runner, start: time.Now()}
}

// SetReady flips the readiness flag once startup wiring is complete.
func (h *WorkerHealth) SetReady(ready bool) { h.ready.Store(ready) }

// Handler reports worker liveness: 503 while starting, 200 with a status
// document once ready.
func (h *WorkerHealth) Handler() http.HandlerFunc {
	type healthDoc struct {
		Status        string `json:"status"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		ActiveJobs    int64  `json:"active_jobs"`
		MemoryBytes   uint64 `json:"memory_bytes"`
		Timestamp     string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		doc := healthDoc{
			Status:        "ok",
			UptimeSeconds: int64(time.Since(h.start).Seconds()),
			MemoryBytes:   mem.Alloc,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
		}
		if h.runner != nil {
			doc.ActiveJobs = h.runner.ActiveJobs()
		}
		status := http.StatusOK
		if !h.ready.Load() {
			doc.Status = "starting"
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(doc)
	}
}
