package middleware

import (
	"strings"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/services"
	apperrors "crowdlink/pkg/errors"
	"crowdlink/pkg/logger"

	"github.com/gin-gonic/gin"
)

const ClaimsKey = "claims"

// bearerToken reads the token from the Authorization header, falling back
// to the token query parameter used by browser websocket clients.
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		token := c.Query("token")
		return token, token != ""
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a token granting peer access to room.
func AuthMiddleware(authService services.AuthService, room domain.RoomID, peer domain.PeerID) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("bearer token required"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWithError(c, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, err.Error()))
			return
		}
		if err := authService.Authorize(claims, room, peer); err != nil {
			abortWithError(c, apperrors.NewUnauthorizedError("token does not grant access to this session"))
			return
		}

		c.Set(ClaimsKey, claims)
		ctx := logger.WithPeer(logger.WithRoom(c.Request.Context(), string(room)), string(peer))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// GetClaims returns the claims set by the auth middleware.
func GetClaims(c *gin.Context) (*services.Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*services.Claims)
	return claims, ok
}
