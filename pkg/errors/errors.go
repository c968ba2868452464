package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable half of an API error body.
type ErrorCode string

const (
	ErrCodeInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrCodeUnauthorized         ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit            ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
	ErrCodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	ErrCodeSessionClosed        ErrorCode = "SESSION_CLOSED"
	ErrCodeRoomFull             ErrorCode = "ROOM_FULL"
)

var statusByCode = map[ErrorCode]int{
	ErrCodeInvalidInput:         http.StatusBadRequest,
	ErrCodeUnauthorized:         http.StatusUnauthorized,
	ErrCodeRateLimit:            http.StatusTooManyRequests,
	ErrCodeInternal:             http.StatusInternalServerError,
	ErrCodeTransportUnavailable: http.StatusServiceUnavailable,
	ErrCodeSessionClosed:        http.StatusGone,
	ErrCodeRoomFull:             http.StatusConflict,
}

// Status maps a code to its HTTP status; unknown codes are internal errors.
func (c ErrorCode) Status() int {
	if status, ok := statusByCode[c]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// AppError is an error that knows how it should be reported to an API
// client, over HTTP or as a relay error envelope.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Details    map[string]any
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithDetail attaches a key to the error body's details object.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: code.Status()}
}

func Wrap(err error, code ErrorCode, message string) *AppError {
	appErr := New(code, message)
	appErr.Cause = err
	return appErr
}

func NewInvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

func NewUnauthorizedError(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func NewRateLimitError() *AppError {
	return New(ErrCodeRateLimit, "rate limit exceeded")
}

func NewInternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func NewTransportUnavailableError(message string) *AppError {
	return New(ErrCodeTransportUnavailable, message)
}

func NewSessionClosedError() *AppError {
	return New(ErrCodeSessionClosed, "session closed")
}

func NewRoomFullError(roomID string) *AppError {
	return New(ErrCodeRoomFull, "room is full").WithDetail("room_id", roomID)
}

// GetAppError returns the first AppError in err's chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
