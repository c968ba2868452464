package logger

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey string

const (
	roomIDKey  ctxKey = "room_id"
	peerIDKey  ctxKey = "peer_id"
	traceIDKey ctxKey = "trace_id"
)

var contextKeys = []ctxKey{traceIDKey, roomIDKey, peerIDKey}

func WithRoom(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, roomIDKey, roomID)
}

func WithPeer(ctx context.Context, peerID string) context.Context {
	return context.WithValue(ctx, peerIDKey, peerID)
}

func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// FromContext returns base with the trace, room and peer ids stored in ctx
// attached as fields. Missing ids are left out.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	var fields []any
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, string(key), v)
		}
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
