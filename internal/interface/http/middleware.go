package http

import (
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yanqian/weereg/internal/infra/config"
)

// errorHandlingMiddleware renders the last handler error. Registry refusals are
// routine traffic and only show up at debug level.
func errorHandlingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		httpErr := asHTTPError(c.Errors.Last().Err)
		attrs := []any{"code", httpErr.Code, "status", httpErr.Status, "path", c.Request.URL.Path}
		switch httpErr.kind {
		case kindFault:
			logger.Error("request failed", append(attrs, "error", httpErr.Err)...)
		case kindBadRequest:
			logger.Warn("malformed request", append(attrs, "error", httpErr.Err)...)
		case kindRejection:
			logger.Debug("registration refused", attrs...)
		}
		writeError(c, httpErr)
	}
}

func rateLimitMiddleware(cfg config.RateLimitConfig, logger *slog.Logger) gin.HandlerFunc {
	if !cfg.Enabled || cfg.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	limiter := newClientLimiter(cfg, time.Now)
	return func(c *gin.Context) {
		client := c.ClientIP()
		wait, ok := limiter.take(client)
		if ok {
			c.Next()
			return
		}
		logger.Warn("client throttled", "client", client, "path", c.Request.URL.Path, "retry_after", wait)
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		abortWithError(c, throttledError())
	}
}

// clientLimiter is a token bucket per client address.
type clientLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	perSecond float64
	burst     float64
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	tokens  float64
	touched time.Time
}

func newClientLimiter(cfg config.RateLimitConfig, now func() time.Time) *clientLimiter {
	burst := float64(cfg.Burst)
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		buckets:   make(map[string]*bucket),
		perSecond: float64(cfg.RequestsPerMinute) / 60,
		burst:     burst,
		idle:      5 * time.Minute,
		lastSweep: now(),
		now:       now,
	}
}

// take spends one token for client. When the bucket is empty it returns how
// long until the next token is available.
func (l *clientLimiter) take(client string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweepLocked(now)
	}

	b, ok := l.buckets[client]
	if !ok {
		b = &bucket{tokens: l.burst, touched: now}
		l.buckets[client] = b
	}
	if elapsed := now.Sub(b.touched).Seconds(); elapsed > 0 {
		b.tokens = math.Min(l.burst, b.tokens+elapsed*l.perSecond)
	}
	b.touched = now

	if b.tokens < 1 {
		missing := 1 - b.tokens
		return time.Duration(missing / l.perSecond * float64(time.Second)), false
	}
	b.tokens--
	return 0, true
}

func (l *clientLimiter) sweepLocked(now time.Time) {
	for client, b := range l.buckets {
		if now.Sub(b.touched) > l.idle {
			delete(l.buckets, client)
		}
	}
	l.lastSweep = now
}
