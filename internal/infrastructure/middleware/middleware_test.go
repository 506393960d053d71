package middleware

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"fleetdesk/pkg/errors"
	"fleetdesk/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newRouter(t *testing.T) (*gin.Engine, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)

	router := gin.New()
	router.Use(
		RecoveryMiddleware(log.Sugar()),
		RequestLogMiddleware(logger.NewContextLogger(log)),
		TracingMiddleware(),
		ErrorHandlerMiddleware(log.Sugar()),
	)
	return router, logs
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestErrorHandlerRendersAppError(t *testing.T) {
	router, logs := newRouter(t)
	router.GET("/agents/:id", func(c *gin.Context) {
		_ = c.Error(errors.NewNotFoundError("agent").WithContext("agent_id", c.Param("id")))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/agents/a1", nil)
	req.Header.Set("X-Request-ID", "req-42")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	body := decode(t, w)
	assert.Equal(t, "NOT_FOUND", body["error"])
	assert.Equal(t, "req-42", body["request_id"])
	assert.Equal(t, map[string]any{"agent_id": "a1"}, body["details"])

	entries := logs.FilterMessage("application error").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
}

func TestErrorHandlerHidesUnknownErrors(t *testing.T) {
	router, logs := newRouter(t)
	router.GET("/boom", func(c *gin.Context) {
		_ = c.Error(stderrors.New("redis: connection refused"))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, "INTERNAL_ERROR", body["error"])
	assert.NotContains(t, w.Body.String(), "redis")
	assert.Equal(t, 1, logs.FilterMessage("unhandled error").Len())
	assert.Equal(t, 1, logs.FilterMessage("request failed").Len())
}

func TestErrorHandlerLeavesWrittenResponses(t *testing.T) {
	router, _ := newRouter(t)
	router.GET("/partial", func(c *gin.Context) {
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
		_ = c.Error(stderrors.New("late"))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/partial", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, true, decode(t, w)["ok"])
}

func TestRecoveryMiddleware(t *testing.T) {
	router, logs := newRouter(t)
	router.GET("/panic", func(c *gin.Context) {
		panic("nil map")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRequestLogMiddlewareAssignsID(t *testing.T) {
	router, logs := newRouter(t)
	router.GET("/agents/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agents/desk-7", nil))

	id := w.Header().Get("X-Request-ID")
	assert.NotEmpty(t, id)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, id, fields["request_id"])
	assert.Equal(t, "desk-7", fields["agent_id"])
	assert.Equal(t, "/agents/:id", fields["path"])
	assert.EqualValues(t, http.StatusNoContent, fields["status_code"])
}
