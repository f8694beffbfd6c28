// Package ratelimit throttles inbound HTTP traffic per client.
//
// MemoryLimiter, a per-key token bucket, is the only backend; single-instance
// deployments need nothing shared. Anything satisfying Limiter can replace it.
package ratelimit

import "context"

// Limiter answers whether one more request under key may proceed right now.
// Keys are opaque strings chosen by the caller — the HTTP middleware uses the
// client IP. An error means the limiter itself broke, not that the request
// was rejected; callers fail open on errors.
//
// Implementations must be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)

	// Close stops background work owned by the limiter.
	Close() error
}

// NoopLimiter admits everything. It stands in when rate limiting is
// switched off.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoopLimiter) Close() error { return nil }
