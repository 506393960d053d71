package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
}

func TestNew(t *testing.T) {
	l := New("warn")
	require.NotNil(t, l)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestContextLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithAgentID(ctx, "agent-1")

	cl.WithContext(ctx).Info("hello")
	cl.LogError(ctx, errors.New("boom"), "failed")
	cl.LogRequest(context.Background(), "GET", "/health", 200, 3)

	entries := logs.All()
	require.Len(t, entries, 3)

	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "trace-1", fields["trace_id"])
	assert.Equal(t, "agent-1", fields["agent_id"])

	assert.Equal(t, "failed", entries[1].Message)
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
	assert.Equal(t, "req-1", entries[1].ContextMap()["request_id"])
	assert.NotContains(t, entries[2].ContextMap(), "request_id")
	assert.EqualValues(t, 200, entries[2].ContextMap()["status_code"])
}
