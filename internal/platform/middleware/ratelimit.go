package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hms/patientflow/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
	}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// tokenBucket implements a token bucket rate limiter.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: now,
	}
}

func (b *tokenBucket) take(now time.Time) (bool, int, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), 0
	}
	if b.refillRate <= 0 {
		return false, 0, time.Second
	}
	wait := time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
	return false, 0, wait
}

// MemoryLimiter keeps one token bucket per key in process memory. It is
// enough for a single replica.
type MemoryLimiter struct {
	cfg     RateLimitConfig
	now     func() time.Time
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
}

func NewMemoryLimiter(cfg RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{cfg: cfg, now: time.Now, buckets: make(map[string]*tokenBucket)}
}

func (l *MemoryLimiter) bucket(key string) *tokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b = newTokenBucket(l.cfg.RequestsPerSecond, l.cfg.BurstSize, l.now())
	l.buckets[key] = b
	return b
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	ok, remaining, wait := l.bucket(key).take(l.now())
	return Decision{Allowed: ok, Limit: l.cfg.BurstSize, Remaining: remaining, RetryAfter: wait}, nil
}

// RedisLimiter counts requests per key in fixed windows stored in Redis so
// every replica shares one budget.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisLimiter allows limit requests per window for each key.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	k := fmt.Sprintf("%s:%s", l.prefix, key)
	n, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("incr %s: %w", k, err)
	}
	if n == 1 {
		if err := l.client.Expire(ctx, k, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("expire %s: %w", k, err)
		}
	}

	d := Decision{Limit: l.limit, Remaining: l.limit - int(n)}
	if d.Remaining >= 0 {
		d.Allowed = true
		return d, nil
	}
	d.Remaining = 0
	ttl, err := l.client.PTTL(ctx, k).Result()
	if err != nil || ttl <= 0 {
		ttl = l.window
	}
	d.RetryAfter = ttl
	return d, nil
}

// rateLimitKey identifies the caller: the authenticated user when there is
// one, the client address otherwise, always scoped to the facility.
func rateLimitKey(c echo.Context) string {
	who := auth.UserIDFromContext(c.Request().Context())
	if who == "" {
		who = "ip:" + c.RealIP()
	}
	if facility, ok := c.Get("facility_id").(string); ok && facility != "" {
		return facility + ":" + who
	}
	return who
}

// RateLimit rejects callers that exhaust their budget with 429. Limiter
// failures are logged and the request is let through.
func RateLimit(limiter Limiter, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d, err := limiter.Allow(c.Request().Context(), rateLimitKey(c))
			if err != nil {
				logger.Warn().Err(err).Msg("rate limiter unavailable")
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				secs := int(d.RetryAfter.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				h.Set("Retry-After", strconv.Itoa(secs))
				return echo.NewHTTPError(http.StatusTooManyRequests, map[string]string{
					"error":   "rate_limited",
					"message": "rate limit exceeded",
				})
			}
			return next(c)
		}
	}
}
