package logger

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

// Context keys read by ContextLogger.
const (
	TraceIDKey   contextKey = "trace_id"
	RequestIDKey contextKey = "request_id"
	AgentIDKey   contextKey = "agent_id"
)

var contextKeys = []contextKey{TraceIDKey, RequestIDKey, AgentIDKey}

// WithRequestID returns a copy of ctx carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// WithTraceID returns a copy of ctx carrying the trace id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

// WithAgentID returns a copy of ctx carrying the agent id.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, AgentIDKey, id)
}

// ContextLogger tags log entries with the ids carried by a request context.
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext returns the base logger annotated with every id present in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	var fields []zap.Field
	for _, key := range contextKeys {
		if id, ok := ctx.Value(key).(string); ok && id != "" {
			fields = append(fields, zap.String(string(key), id))
		}
	}
	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// LogRequest writes one access log entry.
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, status int, durationMs int64) {
	cl.WithContext(ctx).Info("http_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", status),
		zap.Int64("duration_ms", durationMs),
	)
}

// LogError writes err at error level with the request ids attached.
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string) {
	cl.WithContext(ctx).Error(message, zap.Error(err))
}
