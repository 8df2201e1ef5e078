package server

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/sodme/engine/internal/broker"
)

// Reporter implements HealthReporter over a broker.Gateway and gopsutil
// process/host stats (SPEC_FULL.md §11 ambient observability).
type Reporter struct {
	Gateway   *broker.Gateway
	StartedAt time.Time
}

// NewReporter builds a Reporter bound to gw, recording startedAt as the
// process's boot time for uptime reporting.
func NewReporter(gw *broker.Gateway, startedAt time.Time) *Reporter {
	return &Reporter{Gateway: gw, StartedAt: startedAt}
}

// SystemHealth implements HealthReporter.
func (r *Reporter) SystemHealth(ctx context.Context) (map[string]interface{}, error) {
	out := map[string]interface{}{
		"uptime_seconds": time.Since(r.StartedAt).Seconds(),
		"pid":            os.Getpid(),
	}

	if r.Gateway != nil {
		if bh, err := r.Gateway.HealthCheck(ctx); err == nil && bh != nil {
			out["broker"] = map[string]interface{}{
				"connected":         bh.Connected,
				"session_valid":     bh.SessionValid,
				"circuit_state":     bh.CircuitState,
				"consecutive_fails": bh.ConsecutiveFails,
			}
		} else if err != nil {
			out["broker"] = map[string]interface{}{"error": err.Error()}
		}
	}

	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		out["cpu_percent"] = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["mem_used_percent"] = vm.UsedPercent
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if rss, err := proc.MemoryInfo(); err == nil {
			out["process_rss_bytes"] = rss.RSS
		}
	}

	return out, nil
}
