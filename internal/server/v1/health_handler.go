package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cobalt-labs/relay/internal/registry"
)

type HealthHandler struct {
	registry *registry.Registry
	started  time.Time
}

func NewHealthHandler(reg *registry.Registry) *HealthHandler {
	return &HealthHandler{registry: reg, started: time.Now()}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime":      time.Since(h.started).String(),
		"deployments": h.registry.Len(),
		"models":      len(h.registry.ModelNames()),
	})
}
