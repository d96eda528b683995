package guards

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/engine/runtime"
)

// RateLimitConfig defines a token bucket.
type RateLimitConfig struct {
	PerSecond int
	Burst     int
}

// RateLimit admits packets per node id through a token bucket. Nodes without an
// override share the default limit, each with its own bucket.
type RateLimit struct {
	mu        sync.Mutex
	defaults  RateLimitConfig
	overrides map[string]RateLimitConfig
	buckets   map[string]*tokenBucket
}

// NewRateLimit creates a limiter with a default bucket shape and optional per-node
// overrides.
func NewRateLimit(defaults RateLimitConfig, overrides map[string]RateLimitConfig) *RateLimit {
	rl := &RateLimit{
		defaults:  defaults,
		overrides: make(map[string]RateLimitConfig, len(overrides)),
		buckets:   make(map[string]*tokenBucket),
	}
	for id, cfg := range overrides {
		rl.overrides[id] = cfg
	}
	return rl
}

// Configure replaces the per-node overrides. Existing buckets keep their tokens.
func (rl *RateLimit) Configure(overrides map[string]RateLimitConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.overrides = make(map[string]RateLimitConfig, len(overrides))
	for id, cfg := range overrides {
		rl.overrides[id] = cfg
	}
	for id, bucket := range rl.buckets {
		bucket.configure(rl.configFor(id))
	}
}

// Allow takes one token from the bucket of nodeID.
func (rl *RateLimit) Allow(nodeID string) bool {
	rl.mu.Lock()
	bucket, ok := rl.buckets[nodeID]
	if !ok {
		bucket = newTokenBucket(rl.configFor(nodeID))
		rl.buckets[nodeID] = bucket
	}
	rl.mu.Unlock()

	return bucket.take()
}

// CanProcess implements runtime.Guard.
func (rl *RateLimit) CanProcess(ctx context.Context, gc runtime.GuardContext) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return rl.Allow(gc.Node.ID), nil
}

// Stats reports the available tokens per node id.
func (rl *RateLimit) Stats() map[string]float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	out := make(map[string]float64, len(rl.buckets))
	for id, bucket := range rl.buckets {
		out[id] = bucket.available()
	}
	return out
}

func (rl *RateLimit) configFor(nodeID string) RateLimitConfig {
	if cfg, ok := rl.overrides[nodeID]; ok {
		return cfg
	}
	return rl.defaults
}

// ProvideRateLimit attaches a limiter shared by every node of an execution context.
func ProvideRateLimit(key container.Key, defaults RateLimitConfig, overrides map[string]RateLimitConfig) runtime.GuardRef {
	return runtime.ProvideGuard(key, container.Singleton, func(context.Context, container.Resolver) (runtime.Guard, error) {
		return NewRateLimit(defaults, overrides), nil
	})
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(cfg RateLimitConfig) *tokenBucket {
	rate, capacity := normalize(cfg)
	return &tokenBucket{
		rate:       rate,
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

// normalize applies defaults: 100/s, burst equal to the rate.
func normalize(cfg RateLimitConfig) (float64, float64) {
	rps := cfg.PerSecond
	if rps <= 0 {
		rps = 100
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = rps
	}
	return float64(rps), float64(burst)
}

func (tb *tokenBucket) configure(cfg RateLimitConfig) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	oldCapacity := tb.capacity
	tb.rate, tb.capacity = normalize(cfg)
	if tb.capacity > oldCapacity {
		tb.tokens += tb.capacity - oldCapacity
	}
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) take() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *tokenBucket) available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

func (tb *tokenBucket) refill() {
	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}
