package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"hubstream/payload"
)

// RateLimitMiddleware throttles processing with a token bucket of r items
// per second and the given burst. Items wait for a token instead of being
// dropped, so stream order and completeness are kept; only a done ctx
// aborts the wait.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, item payload.Payload) (payload.Payload, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit: %w", err)
			}
			return next(ctx, item)
		}
	}
}
