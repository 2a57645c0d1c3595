package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// DoctorResponse represents the system health check response.
type DoctorResponse struct {
	Status     string         `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp  string         `json:"timestamp"`
	Checks     []HealthCheck  `json:"checks"`
	System     SystemInfo     `json:"system"`
	Statistics StatisticsInfo `json:"statistics"`
}

// HealthCheck represents a single health check result.
type HealthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "pass", "warn", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// SystemInfo represents system information.
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
	MemAlloc     string `json:"mem_alloc"`
	MemSys       string `json:"mem_sys"`
	Uptime       string `json:"uptime"`
}

// StatisticsInfo represents engine statistics.
type StatisticsInfo struct {
	TrackedUsers int   `json:"tracked_users"`
	TotalActions int64 `json:"total_actions"`
	ActiveToday  int   `json:"active_today"`
}

// Doctor performs a system health check.
func (h *Handler) Doctor(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	response := DoctorResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks: []HealthCheck{
			h.checkStore(ctx),
			h.checkSettings(),
			checkMemory(),
		},
	}

	for _, check := range response.Checks {
		switch check.Status {
		case "fail":
			response.Status = "unhealthy"
		case "warn":
			if response.Status == "healthy" {
				response.Status = "degraded"
			}
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response.System = SystemInfo{
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
		MemAlloc:     formatBytes(memStats.Alloc),
		MemSys:       formatBytes(memStats.Sys),
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
	}

	stats := h.engine.Stats()
	response.Statistics = StatisticsInfo{
		TrackedUsers: stats.TotalUsers,
		TotalActions: stats.TotalActions,
		ActiveToday:  stats.ActiveToday,
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

func (h *Handler) checkStore(ctx context.Context) HealthCheck {
	check := HealthCheck{Name: "store", Status: "pass"}
	if h.store == nil {
		check.Status = "warn"
		check.Message = "No record store configured, usage is not persisted"
		return check
	}

	start := time.Now()
	err := h.store.Ping(ctx)
	check.Latency = time.Since(start).String()

	if err != nil {
		check.Status = "fail"
		check.Message = fmt.Sprintf("Store ping failed: %v", err)
	} else {
		check.Message = "Store reachable"
	}
	return check
}

func (h *Handler) checkSettings() HealthCheck {
	check := HealthCheck{Name: "settings", Status: "pass"}
	s := h.engine.Settings()

	var issues []string
	if s.HourlyLimit > s.DailyLimit {
		issues = append(issues, "hourly limit above daily limit")
	}
	if s.DailyLimit > s.MonthlyLimit {
		issues = append(issues, "daily limit above monthly limit")
	}
	if s.CooldownMinutes == 0 {
		issues = append(issues, "cooldown disabled")
	}

	if len(issues) > 0 {
		check.Status = "warn"
		check.Message = fmt.Sprintf("Settings warnings: %v", issues)
	} else {
		check.Message = "Settings consistent"
	}
	return check
}

func checkMemory() HealthCheck {
	check := HealthCheck{Name: "memory", Status: "pass"}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	// Warn if using more than 500MB
	if memStats.Alloc > 500*1024*1024 {
		check.Status = "warn"
		check.Message = fmt.Sprintf("High memory usage: %s", formatBytes(memStats.Alloc))
	} else {
		check.Message = fmt.Sprintf("Memory usage: %s", formatBytes(memStats.Alloc))
	}
	return check
}

func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
