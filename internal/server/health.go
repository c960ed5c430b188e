package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/VictorVVedtion/delta-terminal-sub000/internal/queue"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"

	databases := make(map[string]string)
	check := func(name string, err error) {
		if err != nil {
			databases[name] = err.Error()
			status = "unhealthy"
			return
		}
		databases[name] = "ok"
	}
	if s.ordersDB != nil {
		check("orders", s.ordersDB.QuickCheck(ctx))
	}
	if s.marketDB != nil {
		check("marketdata", s.marketDB.QuickCheck(ctx))
	}

	var queueStats queue.Stats
	if s.queue != nil {
		var err error
		queueStats, err = s.queue.Status(ctx)
		switch {
		case err != nil, queueStats.Health == queue.HealthCritical:
			status = "unhealthy"
		case queueStats.Health == queue.HealthDegraded && status == "healthy":
			status = "degraded"
		}
	}

	resp := map[string]interface{}{
		"status":      status,
		"queue_stats": queueStats,
		"databases":   databases,
		"timestamp":   time.Now().UTC(),
	}
	if s.collectors != nil {
		resp["collectors"] = s.collectors.Stats()
	}

	cpuPercent, ramPercent := systemStats()
	resp["system"] = map[string]float64{
		"cpu_percent": cpuPercent,
		"ram_percent": ramPercent,
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func systemStats() (float64, float64) {
	cpuAvg := 0.0
	if pcts, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		cpuAvg = pcts[0]
	}
	ramPct := 0.0
	if stat, err := mem.VirtualMemory(); err == nil {
		ramPct = stat.UsedPercent
	}
	return cpuAvg, ramPct
}
