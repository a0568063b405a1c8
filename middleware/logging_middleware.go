package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"hubstream/payload"
)

// LoggingMiddleware logs every processed item at debug level and failures
// at error level.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, item payload.Payload) (payload.Payload, error) {
			start := time.Now()
			out, err := next(ctx, item)
			ev := logger.Debug()
			if err != nil {
				ev = logger.Error().Err(err)
			}
			if item != nil {
				ev = ev.Str("type", item.PayloadType()).Str("correlation_id", item.CorrelationID())
			}
			ev.Dur("duration", time.Since(start)).Msg("item processed")
			return out, err
		}
	}
}
