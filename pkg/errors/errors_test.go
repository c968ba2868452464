package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	assert.Equal(t, "INVALID_INPUT: bad room", New(ErrCodeInvalidInput, "bad room").Error())

	cause := errors.New("dial tcp: refused")
	err := Wrap(cause, ErrCodeTransportUnavailable, "relay unreachable")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "TRANSPORT_UNAVAILABLE: relay unreachable: dial tcp: refused", err.Error())
	assert.Equal(t, http.StatusServiceUnavailable, err.HTTPStatus)
}

func TestAppError_WithDetail(t *testing.T) {
	err := NewInvalidInputError("bad").WithDetail("field", "room_id").WithDetail("max", 64)
	assert.Equal(t, map[string]any{"field": "room_id", "max": 64}, err.Details)
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		code   ErrorCode
		status int
	}{
		{"invalid input", NewInvalidInputError("bad"), ErrCodeInvalidInput, http.StatusBadRequest},
		{"unauthorized", NewUnauthorizedError("no token"), ErrCodeUnauthorized, http.StatusUnauthorized},
		{"rate limit", NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
		{"internal", NewInternalError("boom"), ErrCodeInternal, http.StatusInternalServerError},
		{"transport", NewTransportUnavailableError("down"), ErrCodeTransportUnavailable, http.StatusServiceUnavailable},
		{"closed", NewSessionClosedError(), ErrCodeSessionClosed, http.StatusGone},
		{"room full", NewRoomFullError("lobby"), ErrCodeRoomFull, http.StatusConflict},
		{"unknown code", New("SOMETHING_ELSE", "?"), "SOMETHING_ELSE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
		})
	}

	assert.Equal(t, "lobby", NewRoomFullError("lobby").Details["room_id"])
}

func TestGetAppError(t *testing.T) {
	appErr := NewRateLimitError()
	assert.Same(t, appErr, GetAppError(fmt.Errorf("relay: %w", appErr)))
	assert.Nil(t, GetAppError(errors.New("plain")))
	assert.Nil(t, GetAppError(nil))
}
