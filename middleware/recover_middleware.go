package middleware

import (
	"context"
	"fmt"

	"hubstream/payload"
)

// RecoverMiddleware turns a panic in the wrapped handler into an error.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, item payload.Payload) (out payload.Payload, err error) {
			defer func() {
				if r := recover(); r != nil {
					out, err = nil, fmt.Errorf("panic while processing item: %v", r)
				}
			}()
			return next(ctx, item)
		}
	}
}
