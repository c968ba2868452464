package http

import (
	"net/http"

	"crowdlink/internal/infrastructure/relay"

	"github.com/gin-gonic/gin"
)

// RelayHandler mounts the relay websocket endpoint.
type RelayHandler struct {
	server *relay.Server
}

func NewRelayHandler(server *relay.Server) *RelayHandler {
	return &RelayHandler{server: server}
}

func (h *RelayHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/ws", gin.WrapF(h.server.HandleWebSocket))
	router.GET("/api/v1/relay/stats", h.Stats)
}

func (h *RelayHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.server.Stats())
}
