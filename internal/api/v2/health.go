package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/alertai/alertai/internal/logger"
)

// HealthCheck reports service status, database connectivity and host stats.
// The response is 503 when the database cannot be reached.
func (c *Controller) HealthCheck(ctx echo.Context) error {
	uptime := time.Since(c.startTime)
	response := map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().Format(time.RFC3339),
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": uptime.Seconds(),
	}
	code := http.StatusOK

	if c.store != nil {
		if err := c.store.Ping(ctx.Request().Context()); err != nil {
			response["status"] = "degraded"
			response["database_status"] = "disconnected"
			response["database_error"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			response["database_status"] = "connected"
		}
	}
	if len(c.detectors) > 0 {
		states := make(map[string]string, len(c.detectors))
		for name, d := range c.detectors {
			states[name] = string(d.Status().State)
		}
		response["detectors"] = states
	}

	system := map[string]any{}
	if hostUptime, err := host.Uptime(); err == nil {
		system["host_uptime_seconds"] = hostUptime
	} else {
		GetLogger().Debug("host uptime unavailable", logger.Error(err))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		system["memory"] = map[string]any{
			"total_mb":     vm.Total / 1024 / 1024,
			"used_mb":      vm.Used / 1024 / 1024,
			"used_percent": vm.UsedPercent,
		}
	} else {
		GetLogger().Debug("memory stats unavailable", logger.Error(err))
	}
	response["system"] = system

	return ctx.JSON(code, response)
}
