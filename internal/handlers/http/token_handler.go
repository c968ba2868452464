package http

import (
	"net/http"
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/services"
	"crowdlink/pkg/errors"
	"crowdlink/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TokenHandler issues room join tokens.
type TokenHandler struct {
	authService services.AuthService
	ttl         time.Duration
}

func NewTokenHandler(authService services.AuthService, ttl time.Duration) *TokenHandler {
	return &TokenHandler{
		authService: authService,
		ttl:         ttl,
	}
}

func (h *TokenHandler) SetupRoutes(router gin.IRouter) {
	router.POST("/api/v1/token", h.IssueToken)
}

type TokenRequest struct {
	RoomID string `json:"room_id" binding:"required"`
	PeerID string `json:"peer_id"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	RoomID    string `json:"room_id"`
	PeerID    string `json:"peer_id"`
	ExpiresIn int    `json:"expires_in"`
}

// IssueToken signs a token for the requested room. A missing peer id is
// generated.
func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if req.PeerID == "" {
		req.PeerID = uuid.New().String()
	}
	if err := validation.ValidateRoomJoin(req.RoomID, req.PeerID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.authService.GenerateToken(domain.RoomID(req.RoomID), domain.PeerID(req.PeerID))
	if err != nil {
		c.Error(errors.Wrap(err, errors.ErrCodeInternal, "failed to generate token"))
		return
	}

	c.JSON(http.StatusCreated, TokenResponse{
		Token:     token,
		RoomID:    req.RoomID,
		PeerID:    req.PeerID,
		ExpiresIn: int(h.ttl / time.Second),
	})
}
