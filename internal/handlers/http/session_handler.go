package http

import (
	"errors"
	"io"
	"net/http"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/ports"
	apperrors "crowdlink/pkg/errors"

	"github.com/gin-gonic/gin"
)

const eventBuffer = 64

// SessionHandler exposes a running room session to a local UI.
type SessionHandler struct {
	session ports.SessionController
}

func NewSessionHandler(session ports.SessionController) *SessionHandler {
	return &SessionHandler{session: session}
}

func (h *SessionHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/session")
	{
		api.GET("/status", h.GetStatus)
		api.GET("/diagnostics", h.GetDiagnostics)
		api.POST("/messages", h.SendMessage)
		api.GET("/events", h.StreamMessages)
		api.POST("/reconnect", h.ForceReconnect)
		api.PUT("/route", h.SetRoutePreference)
	}
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type RouteRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (h *SessionHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.GetStatus())
}

func (h *SessionHandler) GetDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Diagnostics())
}

func (h *SessionHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("invalid request format"))
		return
	}

	id, err := h.session.SendMessage(c.Request.Context(), req.Content)
	if err != nil {
		c.Error(sessionError(err))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message_id": id})
}

// StreamMessages pushes received chat messages as server-sent events until
// the client goes away.
func (h *SessionHandler) StreamMessages(c *gin.Context) {
	messages := make(chan *domain.Message, eventBuffer)
	unsubscribe := h.session.OnMessage(func(msg *domain.Message) {
		select {
		case messages <- msg:
		default:
		}
	})
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case msg := <-messages:
			c.SSEvent("message", msg)
			return true
		}
	})
}

func (h *SessionHandler) ForceReconnect(c *gin.Context) {
	if err := h.session.ForceReconnect(c.Request.Context()); err != nil {
		c.Error(sessionError(err))
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *SessionHandler) SetRoutePreference(c *gin.Context) {
	var req RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError("mode is required"))
		return
	}
	mode, err := domain.ParseRouteMode(req.Mode)
	if err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	h.session.SetRoutePreference(mode)
	c.JSON(http.StatusOK, gin.H{"mode": mode})
}

func sessionError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, domain.ErrEmptyContent):
		return apperrors.NewInvalidInputError(err.Error())
	case errors.Is(err, domain.ErrSessionClosed):
		return apperrors.NewSessionClosedError()
	case errors.Is(err, domain.ErrTransportUnavailable):
		return apperrors.NewTransportUnavailableError(err.Error())
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "session operation failed")
	}
}
