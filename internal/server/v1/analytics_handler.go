package v1

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cobalt-labs/relay/internal/analytics"
	"github.com/cobalt-labs/relay/pkg/api"
)

type AnalyticsHandler struct {
	service analytics.Service
}

func NewAnalyticsHandler(service analytics.Service) *AnalyticsHandler {
	return &AnalyticsHandler{service: service}
}

func (h *AnalyticsHandler) GetUsage(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))

	stats, err := h.service.GetUsageOverview(c.Request.Context(), days)
	if err != nil {
		_ = c.Error(api.InternalError("Failed to load usage stats", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"object": "list", "data": stats})
}

func (h *AnalyticsHandler) GetDeployments(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))

	stats, err := h.service.GetDeploymentOverview(c.Request.Context(), days)
	if err != nil {
		_ = c.Error(api.InternalError("Failed to load deployment stats", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"object": "list", "data": stats})
}
