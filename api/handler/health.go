package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/portalscrape/models"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// PoolStatter reports browser page pool usage.
type PoolStatter interface {
	Stats() models.PoolStats
}

// BusyReporter reports whether an extraction holds the slot.
type BusyReporter interface {
	Active() bool
}

// Health returns a handler for GET / and GET /api/v1/health.
//
// Status is "busy" while a run holds the execution slot. pool may be nil.
func Health(pool PoolStatter, busy BusyReporter, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		var stats models.PoolStats
		if pool != nil {
			stats = pool.Stats()
		}

		active := busy.Active()
		status := "ok"
		if active {
			status = "busy"
		}

		c.JSON(http.StatusOK, models.HealthResponse{
			Status:    status,
			Service:   "portalscrape",
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			Busy:      active,
			PoolStats: stats,
			Version:   Version,
		})
	}
}
