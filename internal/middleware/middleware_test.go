package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/middleware"
	"github.com/technosupport/ts-inventory/internal/ratelimit"
	"github.com/technosupport/ts-inventory/internal/tokens"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimit_GlobalIP(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	limiter := ratelimit.NewLimiter(rdb, "salt")
	cfg := middleware.Config{
		GlobalIP: ratelimit.LimitConfig{Rate: 2, Window: time.Second},
	}
	mw := middleware.NewRateLimitMiddleware(limiter, cfg, zap.NewNop())
	handler := mw.GlobalLimiter(ok)

	req := httptest.NewRequest("POST", "/detect", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != 200 {
			t.Errorf("request %d: expected 200, got %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != 429 {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("Expected remaining 0")
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())

	// A different client has its own window.
	other := httptest.NewRequest("POST", "/detect", nil)
	other.RemoteAddr = "5.6.7.8:999"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, other)
	assert.Equal(t, 200, w.Code)
}

func TestRateLimit_RedisDown_FailOpen(t *testing.T) {
	mr, _ := miniredis.Run()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	limiter := ratelimit.NewLimiter(rdb, "salt")
	mw := middleware.NewRateLimitMiddleware(limiter, middleware.Config{
		GlobalIP: ratelimit.LimitConfig{Rate: 1, Window: time.Second},
	}, zap.NewNop())

	w := httptest.NewRecorder()
	mw.GlobalLimiter(ok).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != 200 {
		t.Errorf("Expected fail-open 200, got %d", w.Code)
	}
}

func TestRateLimit_Device(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mw := middleware.NewRateLimitMiddleware(ratelimit.NewLimiter(rdb, "s"), middleware.Config{
		Device: ratelimit.LimitConfig{Rate: 1, Window: time.Minute},
	}, zap.NewNop())
	handler := mw.DeviceLimiter(ok)

	req := httptest.NewRequest("POST", "/api/v1/count", nil)
	req = req.WithContext(middleware.WithDeviceID(req.Context(), "cam-1"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, 429, w.Code)

	// Anonymous requests are not device-limited.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/count", nil))
	assert.Equal(t, 200, w.Code)
}

func TestLocalLimiter(t *testing.T) {
	handler := middleware.LocalLimiter(ratelimit.LimitConfig{Rate: 1, Window: time.Minute})(ok)
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "9.9.9.9:1"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, 429, w.Code)

	disabled := middleware.LocalLimiter(ratelimit.LimitConfig{})(ok)
	for i := 0; i < 3; i++ {
		w = httptest.NewRecorder()
		disabled.ServeHTTP(w, req)
		assert.Equal(t, 200, w.Code)
	}
}

type fakeRevocations struct {
	revoked map[string]bool
	err     error
}

func (f fakeRevocations) IsRevoked(_ context.Context, deviceID, jti string) (bool, error) {
	return f.revoked[deviceID+"/"+jti], f.err
}

func (f fakeRevocations) Revoke(context.Context, string, string, time.Duration) error { return nil }

func TestDeviceAuth(t *testing.T) {
	mgr := tokens.NewManager("secret")
	token, _ := mgr.GenerateDeviceToken("cam-7", time.Hour)
	claims, _ := mgr.ValidateToken(token)

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetDeviceID(r.Context())
	})

	auth := middleware.NewDeviceAuth(mgr, fakeRevocations{}, zap.NewNop())
	req := httptest.NewRequest("POST", "/api/v1/count", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	auth.Middleware(next).ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "cam-7", seen)

	for name, header := range map[string]string{
		"missing": "",
		"scheme":  "Basic " + token,
		"garbage": "Bearer not-a-jwt",
	} {
		req := httptest.NewRequest("POST", "/api/v1/count", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		auth.Middleware(next).ServeHTTP(w, req)
		assert.Equal(t, 401, w.Code, name)
	}

	revoked := middleware.NewDeviceAuth(mgr, fakeRevocations{revoked: map[string]bool{"cam-7/" + claims.ID: true}}, zap.NewNop())
	w = httptest.NewRecorder()
	revoked.Middleware(next).ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code)

	broken := middleware.NewDeviceAuth(mgr, fakeRevocations{err: errors.New("redis down")}, zap.NewNop())
	w = httptest.NewRecorder()
	broken.Middleware(next).ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code)
}

func TestDeviceAuthWebsocketQueryToken(t *testing.T) {
	mgr := tokens.NewManager("secret")
	token, _ := mgr.GenerateDeviceToken("cam-ws", time.Hour)
	auth := middleware.NewDeviceAuth(mgr, nil, zap.NewNop())

	req := httptest.NewRequest("GET", "/api/v1/reports/ws?token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()
	auth.Middleware(ok).ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)

	// Query tokens are only honoured on upgrades.
	req = httptest.NewRequest("GET", "/api/v1/labels?token="+token, nil)
	w = httptest.NewRecorder()
	auth.Middleware(ok).ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code)
}

func TestRequestLogger(t *testing.T) {
	var id string
	h := middleware.RequestLogger(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id = middleware.GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Len(t, id, 36)
	assert.Equal(t, id, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "upstream-1")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "upstream-1", w.Header().Get("X-Request-ID"))
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(middleware.Metrics)
	r.Get("/api/v1/reports/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/reports/abc", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	w := httptest.NewRecorder()
	middleware.CORS(ok).ServeHTTP(w, httptest.NewRequest("OPTIONS", "/api/v1/count", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
