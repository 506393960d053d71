package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleetdesk/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"
)

func newLimitedRouter(t *testing.T, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, xff string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	router.ServeHTTP(w, req)
	return w
}

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newLimitedRouter(t, cfg)

	for i := 0; i < 5; i++ {
		if w := get(router, ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, w.Code)
		}
	}
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	router := newLimitedRouter(t, cfg)

	if w := get(router, ""); w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for first request, got %d", w.Code)
	}

	w := get(router, "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 for second request, got %d", w.Code)
	}
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"RATE_LIMIT_EXCEEDED","message":"rate limit exceeded","details":{"retry_after":"1"}}`, w.Body.String())
}

func TestHTTPRateLimitMiddleware_ForwardedClientsHaveSeparateBuckets(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := newLimitedRouter(t, cfg)

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1, 192.168.1.1").Code)
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(router, "10.0.0.1").Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	assert.Equal(t, "203.0.113.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "not-an-ip")
	assert.Equal(t, "203.0.113.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", " 198.51.100.3 , 10.0.0.1")
	assert.Equal(t, "198.51.100.3", clientIP(req))
}

func TestClientLimitersForgetIdleBuckets(t *testing.T) {
	l := newClientLimiters(rate.Limit(1), 1, time.Minute)
	start := time.Unix(1_700_000_000, 0)

	assert.True(t, l.allow("10.0.0.1", start))
	assert.False(t, l.allow("10.0.0.1", start))
	assert.True(t, l.allow("10.0.0.2", start.Add(30*time.Second)))
	assert.Equal(t, 2, l.size())

	assert.True(t, l.allow("10.0.0.3", start.Add(80*time.Second)))
	assert.Equal(t, 2, l.size(), "10.0.0.1 idle past ttl")

	assert.True(t, l.allow("10.0.0.1", start.Add(81*time.Second)))
}
