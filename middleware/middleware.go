// Package middleware wraps the per-item processing step of a dispatch loop.
package middleware

import (
	"context"

	"hubstream/payload"
)

// HandlerFunc processes one stream item and returns its result.
type HandlerFunc func(ctx context.Context, item payload.Payload) (payload.Payload, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is the outermost:
// Chain(A, B)(h) runs A → B → h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
