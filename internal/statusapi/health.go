package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// healthReport carries enough process-level detail for an operator to tell
// a slow dispatcher from a stuck one, modeled on the teacher stack's
// healthcheck endpoints that surface resource usage alongside liveness.
type healthReport struct {
	Status      string  `json:"status"`
	PID         int32   `json:"pid"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	NumThreads  int32   `json:"num_threads"`
	UptimeSecs  int64   `json:"uptime_seconds"`
}

var processStartedAt = time.Now()

// handleHealthDetail reports process resource usage; wired in addition to
// the plain /healthz liveness check for operators who want more than a
// boolean.
func (s *Server) handleHealthDetail(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	report := healthReport{Status: "ok", PID: int32(os.Getpid())}

	proc, err := process.NewProcessWithContext(ctx, report.PID)
	if err == nil {
		if cpuPct, cpuErr := proc.CPUPercentWithContext(ctx); cpuErr == nil {
			report.CPUPercent = cpuPct
		}
		if memInfo, memErr := proc.MemoryInfoWithContext(ctx); memErr == nil && memInfo != nil {
			report.MemoryBytes = memInfo.RSS
		}
		if threads, thErr := proc.NumThreadsWithContext(ctx); thErr == nil {
			report.NumThreads = threads
		}
	} else {
		s.logger.WithError(err).Debug("process stats unavailable")
	}
	report.UptimeSecs = int64(time.Since(processStartedAt).Seconds())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
