package handlers

import (
	"net/http"
	"time"

	"farma-chat-api/pkg/services"

	"github.com/gin-gonic/gin"
)

// MonitoringHandler serves the request-log aggregates.
type MonitoringHandler struct {
	Service *services.MonitoringService
}

// NewMonitoringHandler creates the monitoring endpoint handler.
func NewMonitoringHandler(service *services.MonitoringService) *MonitoringHandler {
	return &MonitoringHandler{Service: service}
}

// GetLogs returns the aggregated request log for the requested period.
func (h *MonitoringHandler) GetLogs(c *gin.Context) {
	periodStr := c.DefaultQuery("period", "24h")
	var period time.Duration

	switch periodStr {
	case "1h":
		period = time.Hour
	case "24h":
		period = 24 * time.Hour
	case "7d":
		period = 7 * 24 * time.Hour
	default:
		period = 24 * time.Hour
	}

	c.JSON(http.StatusOK, h.Service.GetUsageSummary(period))
}
