package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

type HealthStatus struct {
	Status          string            `json:"status"`
	Uptime          string            `json:"uptime"`
	StartTime       time.Time         `json:"start_time"`
	MemoryUsage     uint64            `json:"memory_usage"`
	GoroutineCount  int               `json:"goroutine_count"`
	LastError       string            `json:"last_error,omitempty"`
	ComponentStatus map[string]string `json:"component_status"`
	Service         interface{}       `json:"service,omitempty"`
}

// Health aggregates named component checks into one status document.
type Health struct {
	mu        sync.RWMutex
	startTime time.Time
	lastError string
	checks    map[string]func() bool
	stats     func() interface{}
}

func NewHealth() *Health {
	return &Health{
		startTime: time.Now(),
		checks:    make(map[string]func() bool),
	}
}

func (h *Health) RegisterHealthCheck(name string, check func() bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// SetStats attaches a snapshot function whose result is embedded as "service".
func (h *Health) SetStats(fn func() interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = fn
}

func (h *Health) RecordError(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastError = err.Error()
}

// Status runs every registered check. Any failing component marks the whole
// status degraded.
func (h *Health) Status() HealthStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	h.mu.RLock()
	status := HealthStatus{
		Status:          "ok",
		Uptime:          time.Since(h.startTime).Round(time.Second).String(),
		StartTime:       h.startTime,
		MemoryUsage:     m.Alloc,
		GoroutineCount:  runtime.NumGoroutine(),
		LastError:       h.lastError,
		ComponentStatus: make(map[string]string, len(h.checks)),
	}
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]func() bool, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	stats := h.stats
	h.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		if checks[name]() {
			status.ComponentStatus[name] = "healthy"
		} else {
			status.ComponentStatus[name] = "unhealthy"
			status.Status = "degraded"
		}
	}
	if stats != nil {
		status.Service = stats()
	}
	return status
}

func (h *Health) Handler(w http.ResponseWriter, r *http.Request) {
	status := h.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
