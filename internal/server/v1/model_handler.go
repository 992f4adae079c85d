package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cobalt-labs/relay/internal/gateway"
)

type ModelHandler struct {
	service gateway.Service
}

func NewModelHandler(service gateway.Service) *ModelHandler {
	return &ModelHandler{service: service}
}

func (h *ModelHandler) ListModels(c *gin.Context) {
	models := h.service.Models(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   models,
	})
}
