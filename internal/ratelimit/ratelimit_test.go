package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLimiterAllow_Burst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("ten_1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("ten_1"), "burst exhausted")
}

func TestLimiterAllow_KeysIndependent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer l.Stop()

	assert.True(t, l.Allow("ten_1"))
	assert.False(t, l.Allow("ten_1"))
	assert.True(t, l.Allow("ten_2"))
}

func TestLimiterAllow_Disabled(t *testing.T) {
	l := New(Config{RequestsPerMinute: 0, BurstSize: 1})
	defer l.Stop()

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("ten_1"))
	}
}

func TestMiddleware_Returns429(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware(func(c *gin.Context) string { return c.GetHeader("X-Tenant-ID") }))
	r.GET("/jobs", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.Header.Set("X-Tenant-ID", "ten_1")
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do())
	assert.Equal(t, http.StatusTooManyRequests, do())
}
