package v1

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cobalt-labs/relay/internal/adapter"
	"github.com/cobalt-labs/relay/internal/gateway"
	"github.com/cobalt-labs/relay/internal/registry"
	"github.com/cobalt-labs/relay/pkg/api"
)

// RealtimeHandler bridges a client websocket to one upstream deployment and
// relays frames verbatim in both directions for the session's lifetime.
type RealtimeHandler struct {
	service  gateway.Service
	logger   *zap.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

func NewRealtimeHandler(service gateway.Service, logger *zap.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		service: service,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dialer: websocket.DefaultDialer,
	}
}

func (h *RealtimeHandler) Connect(c *gin.Context) {
	modelName := c.Query("model")
	if modelName == "" {
		c.JSON(http.StatusBadRequest, api.BadRequestError("model query parameter is required"))
		return
	}

	d, release, err := h.service.OpenRealtime(c.Request.Context(), modelName)
	if err != nil {
		problem := mapRoutingError(err)
		c.JSON(problem.Status, problem)
		return
	}

	backendURL, err := realtimeURL(d)
	if err != nil {
		release()
		c.JSON(http.StatusBadGateway, api.UpstreamProblem("deployment has no usable realtime endpoint", err))
		return
	}

	backend, resp, err := h.dialer.DialContext(c.Request.Context(), backendURL, realtimeHeaders(d))
	if err != nil {
		release()
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		h.logger.Warn("realtime backend dial failed",
			zap.String("deployment", d.ID), zap.Int("status", status), zap.Error(err))
		c.JSON(http.StatusBadGateway, api.UpstreamProblem("failed to reach the realtime backend", err))
		return
	}

	client, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		_ = backend.Close()
		release()
		return
	}

	sess := adapter.NewSession(uuid.NewString(), client, backend, release, h.logger)
	h.logger.Info("realtime session opened",
		zap.String("session_id", sess.ID),
		zap.String("deployment", d.ID),
		zap.String("model", modelName))
	sess.Run()
}

// realtimeURL rewrites the deployment's base URL onto the websocket scheme.
func realtimeURL(d registry.Deployment) (string, error) {
	u, err := url.Parse(d.Provider.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime"

	q := u.Query()
	model := d.Provider.Model
	if model == "" {
		model = d.ModelName
	}
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func realtimeHeaders(d registry.Deployment) http.Header {
	headers := http.Header{}
	if d.Provider.APIKey != "" {
		headers.Set("Authorization", "Bearer "+d.Provider.APIKey)
	}
	for k, v := range d.Provider.Headers {
		headers.Set(k, v)
	}
	return headers
}
