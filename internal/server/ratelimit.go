package server

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	// ChunkLimit caps chunk writes per owner within ChunkWindow. Zero disables
	// the per-owner limit.
	ChunkLimit  int
	ChunkWindow time.Duration

	TrustForwardedHeaders bool
	TrustedProxies        []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration
	RedisTLS      bool
	RedisCAFile   string
}

type rateLimiter struct {
	global       *tokenBucket
	chunkLimit   int
	chunkWindow  time.Duration
	chunkMu      sync.Mutex
	chunkBuckets map[string]*keyLimiter
	store        tokenStore
	now          func() time.Time
}

type keyLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

// tokenStore shares chunk budgets between replicas.
type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		chunkLimit:   cfg.ChunkLimit,
		chunkWindow:  cfg.ChunkWindow,
		chunkBuckets: make(map[string]*keyLimiter),
		now:          time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst, rl.now())
	}
	if rl.chunkLimit < 0 {
		rl.chunkLimit = 0
	}
	if rl.chunkWindow <= 0 {
		rl.chunkWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.chunkLimit > 0 {
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Timeout:  cfg.RedisTimeout,
			TLS:      RedisTLSConfig{Enabled: cfg.RedisTLS, CAFile: cfg.RedisCAFile},
		})
		if err != nil {
			return nil, err
		}
		rl.store = store
	}
	return rl, nil
}

// AllowRequest consumes one token from the process wide bucket.
func (r *rateLimiter) AllowRequest() (bool, time.Duration) {
	if r == nil || r.global == nil {
		return true, 0
	}
	return r.global.Allow(r.now())
}

// AllowChunk consumes one chunk write from the budget of key.
func (r *rateLimiter) AllowChunk(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.chunkLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "mediahub:chunks:"+key, r.chunkLimit, r.chunkWindow)
	}

	now := r.now()
	r.chunkMu.Lock()
	limiter, exists := r.chunkBuckets[key]
	if !exists {
		rate := float64(r.chunkLimit) / r.chunkWindow.Seconds()
		limiter = &keyLimiter{bucket: newTokenBucket(rate, r.chunkLimit, now)}
		r.chunkBuckets[key] = limiter
	}
	limiter.lastSeen = now
	r.cleanupLocked(now)
	r.chunkMu.Unlock()

	allowed, retryAfter := limiter.bucket.Allow(now)
	return allowed, retryAfter, nil
}

// Ping reports the health of the shared store. Without Redis there is
// nothing to check.
func (r *rateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *rateLimiter) shared() bool {
	return r != nil && r.store != nil
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	if len(r.chunkBuckets) == 0 {
		return
	}
	cutoff := now.Add(-2 * r.chunkWindow)
	for key, limiter := range r.chunkBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.chunkBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int, now time.Time) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

// Allow takes a token when one is available, otherwise it reports how long
// until the next token refills.
func (tb *tokenBucket) Allow(now time.Time) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if elapsed := now.Sub(tb.lastCheck).Seconds(); elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		tb.lastCheck = now
	}
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		wait := (1 - tb.tokens) / tb.rate
		return false, time.Duration(wait * float64(time.Second))
	}
	tb.tokens--
	return true, 0
}

// retryAfterSeconds rounds a wait up to whole seconds for the Retry-After header.
func retryAfterSeconds(wait time.Duration) int {
	if wait <= 0 {
		return 1
	}
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

var errRateLimiterUnavailable = errors.New("rate limiter unavailable")
