package myMiddleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"go-chat-rooms/internal/auth"
)

// Counter increments a fixed window counter and returns the new count.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisCounter shares rate limit windows across instances.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// MemoryCounter keeps windows in process memory when Redis is not configured.
type MemoryCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	count   int64
	expires time.Time
}

func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{now: now, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	e := c.entries[key]
	e.count++
	e.expires = now.Add(ttl)
	c.entries[key] = e
	return e.count, nil
}

// RateLimiter caps requests per authenticated user in fixed windows.
type RateLimiter struct {
	counter Counter
	limit   int
	window  time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

func NewRateLimiter(counter Counter, limit int, window time.Duration, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		limit:   limit,
		window:  window,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		now:     time.Now,
	}
}

// Limit returns middleware counting requests of the calling user under name.
// It runs after the auth middleware; anonymous requests pass through.
func (rl *RateLimiter) Limit(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := auth.FromContext(r.Context())
			if !ok || rl.limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			now := rl.now()
			bucket := now.UnixNano() / int64(rl.window)
			key := fmt.Sprintf("ratelimit:%s:%d:%d", name, identity.ID, bucket)
			count, err := rl.counter.Incr(r.Context(), key, rl.window*2)
			if err != nil {
				// Fail open.
				rl.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed")
				next.ServeHTTP(w, r)
				return
			}

			remaining := rl.limit - int(count)
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if count > int64(rl.limit) {
				resetAt := time.Unix(0, (bucket+1)*int64(rl.window))
				retry := int(resetAt.Sub(now).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded", "kind": "VALIDATION"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
