// Package resilience provides rate limiting, circuit breaking and retry
// helpers for calls leaving the process.
package resilience

import (
	"context"
	"errors"

	"github.com/developer-mesh/integration-manager/pkg/observability"
	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned by Allow-style callers that do not wait
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimiterConfig configures one subsystem limiter
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained request rate; <= 0 disables limiting
	RequestsPerSecond float64

	// BurstSize is the maximum burst size, at least 1
	BurstSize int
}

// RateLimiter is a leaky-bucket limiter for a named subsystem
type RateLimiter struct {
	name    string
	limiter *rate.Limiter
	logger  observability.Logger
}

// NewRateLimiter creates a limiter for the subsystem name
func NewRateLimiter(name string, config RateLimiterConfig, logger observability.Logger) *RateLimiter {
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	burst := config.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		name:    name,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.WithPrefix("rate-limiter"),
	}
}

// Allow reports whether a request may proceed right now
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

// Wait blocks until a request is allowed or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := rl.limiter.Wait(ctx); err != nil {
		rl.logger.Debug("Rate limiter wait aborted", map[string]interface{}{
			"limiter": rl.name,
			"error":   err.Error(),
		})
		return err
	}
	return nil
}

// Name returns the subsystem name
func (rl *RateLimiter) Name() string {
	return rl.name
}
