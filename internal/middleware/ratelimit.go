package middleware

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/metrics"
	"github.com/technosupport/ts-inventory/internal/ratelimit"
)

type Config struct {
	GlobalIP ratelimit.LimitConfig `yaml:"global_ip"`
	Device   ratelimit.LimitConfig `yaml:"device"`
}

type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	config  Config
	log     *zap.Logger
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, c Config, log *zap.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: l, config: c, log: log.Named("ratelimit")}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// check applies one limit. It reports false when the response was written.
func (m *RateLimitMiddleware) check(w http.ResponseWriter, r *http.Request, scope ratelimit.Scope, key string, cfg ratelimit.LimitConfig) bool {
	if cfg.Rate <= 0 {
		return true
	}
	decision, err := m.limiter.CheckRateLimit(r.Context(), key, cfg)
	if errors.Is(err, ratelimit.ErrRedisUnavailable) {
		// Fail open: counting must not stop because Redis blinked.
		metrics.RecordRedisError()
		m.log.Warn("redis unavailable, failing open", zap.String("scope", string(scope)))
		return true
	} else if err != nil {
		m.log.Error("rate limit check", zap.Error(err))
		return true
	}

	decision.Scope = scope
	m.writeRateLimitHeaders(w, decision)
	if !decision.Allowed {
		metrics.RecordRateLimit(string(scope), "blocked")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	metrics.RecordRateLimit(string(scope), "allowed")
	return true
}

// GlobalLimiter limits by hashed client IP.
func (m *RateLimitMiddleware) GlobalLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := fmt.Sprintf("rl:ip:%s", m.limiter.HashIP(clientIP(r)))
		if !m.check(w, r, ratelimit.ScopeGlobalIP, key, m.config.GlobalIP) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// DeviceLimiter limits by authenticated device. It must run after
// DeviceAuth; anonymous requests pass through.
func (m *RateLimitMiddleware) DeviceLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := GetDeviceID(r.Context()); id != "" {
			key := fmt.Sprintf("rl:device:%s", id)
			if !m.check(w, r, ratelimit.ScopeDevice, key, m.config.Device) {
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}

// LocalLimiter is the in-process IP limiter used when no Redis is
// configured. Limits are per replica.
func LocalLimiter(cfg ratelimit.LimitConfig) func(http.Handler) http.Handler {
	if cfg.Rate <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(cfg.Rate, cfg.Window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RecordRateLimit(string(ratelimit.ScopeGlobalIP), "blocked")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)
}
