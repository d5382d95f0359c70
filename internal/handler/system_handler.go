package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/response"
)

const healthCheckTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

// SystemHandler reports process health and the state of the authoritative clock.
type SystemHandler struct {
	clock     clock.Clock
	backend   string
	checks    map[string]Check
	startTime time.Time
	log       zerolog.Logger
}

// NewSystemHandler creates a SystemHandler. checks maps a dependency name to its probe.
func NewSystemHandler(clk clock.Clock, backend string, checks map[string]Check, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		clock:     clk,
		backend:   backend,
		checks:    checks,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type healthReport struct {
	Status       string            `json:"status"`
	StoreBackend string            `json:"store_backend"`
	ServerTime   string            `json:"server_time"`
	ClockOffset  *int64            `json:"clock_offset_ms,omitempty"`
	Uptime       string            `json:"uptime"`
	GoVersion    string            `json:"go_version"`
	Goroutines   int               `json:"goroutines"`
	HeapAlloc    uint64            `json:"heap_alloc_bytes"`
	Checks       map[string]string `json:"checks"`
}

// Health godoc
// GET /health
// Returns 200 when every dependency answers, 503 otherwise.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	report := healthReport{
		Status:       "ok",
		StoreBackend: h.backend,
		ServerTime:   h.clock.Now().UTC().Format(response.TimestampFormat),
		Uptime:       formatDuration(time.Since(h.startTime)),
		GoVersion:    runtime.Version(),
		Goroutines:   runtime.NumGoroutine(),
		Checks:       make(map[string]string, len(h.checks)),
	}

	if synced, ok := h.clock.(*clock.Synced); ok {
		offset := synced.Offset().Milliseconds()
		report.ClockOffset = &offset
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	report.HeapAlloc = ms.HeapAlloc

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.log.Warn().Err(err).Str("check", name).Msg("Health check failed")
			report.Checks[name] = "down"
			report.Status = "degraded"
			continue
		}
		report.Checks[name] = "ok"
	}

	if report.Status != "ok" {
		response.FailWithData(c, http.StatusServiceUnavailable, response.ErrStoreUnavailable, report)
		return
	}
	response.Success(c, http.StatusOK, report)
}

// ---------- Helpers ----------

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
