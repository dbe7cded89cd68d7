package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultRateWindow      = time.Minute
	defaultRateMaxRequests = 60
)

type rateLimiterConfig struct {
	Window      time.Duration
	MaxRequests int
	Clock       func() time.Time
	Logger      *zap.Logger
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// rateLimiter is a per-IP fixed-window limiter. In-memory and therefore
// single-instance; a shared deployment would move this to a shared store.
type rateLimiter struct {
	window      time.Duration
	maxRequests int
	clock       func() time.Time
	logger      *zap.Logger

	mu      sync.Mutex
	windows map[string]*rateWindow
}

func newRateLimiter(cfg rateLimiterConfig) *rateLimiter {
	window := cfg.Window
	if window <= 0 {
		window = defaultRateWindow
	}
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = defaultRateMaxRequests
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &rateLimiter{
		window:      window,
		maxRequests: maxRequests,
		clock:       clock,
		logger:      logger,
		windows:     make(map[string]*rateWindow),
	}
}

func (l *rateLimiter) allow(clientIP string) bool {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.windows[clientIP]
	if entry == nil || now.Sub(entry.windowStart) > l.window {
		l.windows[clientIP] = &rateWindow{count: 1, windowStart: now}
		return true
	}

	entry.count++
	return entry.count <= l.maxRequests
}

func (l *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := resolveClientIP(c)
		if !l.allow(clientIP) {
			l.logger.Warn("rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.Int("max_requests", l.maxRequests))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too_many_requests"})
			return
		}
		c.Next()
	}
}

func resolveClientIP(c *gin.Context) string {
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		if first, _, found := strings.Cut(forwarded, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	if realIP := c.GetHeader("X-Real-Ip"); realIP != "" {
		return realIP
	}
	return c.ClientIP()
}
