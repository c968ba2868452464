package http

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"crowdlink/internal/core/services"
	"crowdlink/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTokenHandler_IssueToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := services.NewAuthService("secret", 10*time.Minute, nil)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewTokenHandler(auth, 10*time.Minute).SetupRoutes(router)

	w := do(router, http.MethodPost, "/api/v1/token", `{"room_id":"room-1","peer_id":"alice"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.PeerID)
	assert.Equal(t, 600, resp.ExpiresIn)

	claims, err := auth.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.NoError(t, auth.Authorize(claims, "room-1", "alice"))

	// a peer id is generated when omitted
	w = do(router, http.MethodPost, "/api/v1/token", `{"room_id":"room-1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.PeerID, 36)

	w = do(router, http.MethodPost, "/api/v1/token", `{"room_id":"bad room","peer_id":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_INPUT")

	w = do(router, http.MethodPost, "/api/v1/token", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
