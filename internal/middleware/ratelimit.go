package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/config"
	"github.com/stemsi/academy-attendance/internal/response"
)

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimit rejects requests over the limiter's budget with 429. Limiter errors fail
// open: a rate limiter outage must not stop students from marking attendance.
func RateLimit(l Limiter, log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "rate_limit").Logger()
	return func(c *gin.Context) {
		key := c.ClientIP()
		if claims := GetClaims(c); claims != nil {
			key = claims.UserID
		}

		ok, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Rate limiter unavailable, allowing request")
			c.Next()
			return
		}
		if !ok {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}

// ─── Redis fixed window ─────────────────────────────────────────────────────

// RedisRateLimiter counts requests per key in fixed windows shared by every instance.
type RedisRateLimiter struct {
	rdb    *redis.Client
	clock  clock.Clock
	limit  int
	window time.Duration
}

// NewRedisRateLimiter allows limit requests per key per window. A zero limit disables limiting.
func NewRedisRateLimiter(rdb *redis.Client, clk clock.Clock, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb, clock: clk, limit: limit, window: window}
}

// Allow implements Limiter.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if rl.limit == 0 {
		return true, nil
	}
	redisKey := config.CacheKey.MarkRateLimitKey(key, rl.clock.Now(), rl.window)

	pipe := rl.rdb.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(rl.limit), nil
}

// ─── In-process token bucket ────────────────────────────────────────────────

// RateLimiter implements a simple per-key token bucket for single-instance deployments.
type RateLimiter struct {
	mu          sync.Mutex
	clock       clock.Clock
	visitors    map[string]*visitor
	rate        int           // Tokens per interval
	interval    time.Duration // Refill interval
	lastCleanup time.Time
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a RateLimiter (e.g., 10 requests per minute). A zero rate disables limiting.
func NewRateLimiter(clk clock.Clock, rate int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		clock:       clk,
		visitors:    make(map[string]*visitor),
		rate:        rate,
		interval:    interval,
		lastCleanup: clk.Now(),
	}
}

// Allow implements Limiter.
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	if rl.rate == 0 {
		return true, nil
	}
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastCleanup) > 3*rl.interval {
		rl.cleanup(now)
	}

	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{tokens: rl.rate, lastSeen: now}
		rl.visitors[key] = v
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(v.lastSeen)
	refill := int(elapsed/rl.interval) * rl.rate
	if refill > 0 {
		v.tokens += refill
		if v.tokens > rl.rate {
			v.tokens = rl.rate
		}
		v.lastSeen = now
	}

	if v.tokens <= 0 {
		return false, nil
	}
	v.tokens--
	return true, nil
}

func (rl *RateLimiter) cleanup(now time.Time) {
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > 3*rl.interval {
			delete(rl.visitors, key)
		}
	}
	rl.lastCleanup = now
}
