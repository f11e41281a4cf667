package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"janus-hls-bridge/internal/observability/metrics"
)

const offerKeyPrefix = "janus-hls:offer:"

// RateLimitConfig bounds request throughput. The global bucket applies to
// every request; the offer limit applies per client IP to offer submissions,
// each of which spawns a gateway session and an ffmpeg process. With a Redis
// client the offer counters are shared between replicas.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	OfferLimit  int
	OfferWindow time.Duration

	RedisClient  redis.UniversalClient
	RedisTimeout time.Duration

	TrustForwardedHeaders bool
	TrustedProxies        []string
}

type rateLimiter struct {
	global       *tokenBucket
	offerLimit   int
	offerWindow  time.Duration
	offerMu      sync.Mutex
	offerBuckets map[string]*ipLimiter
	store        tokenStore
	metrics      *metrics.Recorder
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	if cfg.GlobalRPS < 0 {
		return nil, errors.New("global rate limit must not be negative")
	}
	if cfg.OfferLimit < 0 {
		return nil, errors.New("offer rate limit must not be negative")
	}
	if cfg.OfferWindow < 0 {
		return nil, errors.New("offer rate limit window must not be negative")
	}
	rl := &rateLimiter{
		offerLimit:   cfg.OfferLimit,
		offerWindow:  cfg.OfferWindow,
		offerBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.offerWindow == 0 {
		rl.offerWindow = time.Minute
	}
	if cfg.RedisClient != nil && rl.offerLimit > 0 {
		rl.store = newRedisStore(cfg.RedisClient, cfg.RedisTimeout)
	}
	return rl, nil
}

func (r *rateLimiter) observe(scope string) {
	if r != nil && r.metrics != nil {
		r.metrics.ObserveRateLimited(scope)
	}
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowOffer reports whether key may submit another offer and, when it may
// not, how long it should wait.
func (r *rateLimiter) AllowOffer(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.offerLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, offerKeyPrefix+key, r.offerLimit, r.offerWindow)
	}
	r.offerMu.Lock()
	limiter, exists := r.offerBuckets[key]
	if !exists {
		rate := float64(r.offerLimit) / r.offerWindow.Seconds()
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.offerLimit)}
		r.offerBuckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.offerMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, limiter.bucket.retryAfter(), nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.offerBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.offerWindow)
	for key, limiter := range r.offerBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.offerBuckets, key)
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

func newTokenBucket(rate float64, burst int) *tokenBucket {
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
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// retryAfter estimates when the next token becomes available, rounded up to
// whole seconds.
func (tb *tokenBucket) retryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	missing := 1 - tb.tokens
	if missing <= 0 {
		return 0
	}
	wait := time.Duration(missing / tb.rate * float64(time.Second))
	return wait.Truncate(time.Second) + time.Second
}

func (tb *tokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}
