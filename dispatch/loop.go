// Package dispatch runs the server side of a stream: it reads items one at
// a time, applies a processor to each, and notifies subscribers of every
// produced result in read order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"hubstream/middleware"
	"hubstream/observer"
	"hubstream/payload"
)

// ErrUnexpectedResult is returned when a middleware replaces the item or
// result with a value of the wrong type.
var ErrUnexpectedResult = errors.New("dispatch: unexpected payload type")

// Reader yields stream items. Read returns io.EOF once the stream completed
// cleanly and every buffered item was returned.
type Reader[T any] interface {
	Read(ctx context.Context) (T, error)
}

// Processor is the per-item business function.
type Processor[In, Out payload.Payload] func(ctx context.Context, item In) (Out, error)

// ProcessedHandler observes one produced result. A returned error aborts
// the loop.
type ProcessedHandler[Out payload.Payload] func(ctx context.Context, out Out) error

// Loop consumes a stream of In and produces Out.
type Loop[In, Out payload.Payload] struct {
	handle    middleware.HandlerFunc
	processed observer.Registry[struct{}, ProcessedHandler[Out]]
}

// NewLoop wraps p with mws, the first middleware being the outermost.
func NewLoop[In, Out payload.Payload](p Processor[In, Out], mws ...middleware.Middleware) *Loop[In, Out] {
	base := func(ctx context.Context, item payload.Payload) (payload.Payload, error) {
		in, ok := item.(In)
		if !ok {
			return nil, fmt.Errorf("%w: item is %T", ErrUnexpectedResult, item)
		}
		return p(ctx, in)
	}
	return &Loop[In, Out]{handle: middleware.Chain(mws...)(base)}
}

// OnProcessed subscribes h to every produced result.
func (l *Loop[In, Out]) OnProcessed(h ProcessedHandler[Out]) observer.Token {
	return l.processed.Subscribe(struct{}{}, h)
}

// Off removes a subscription made with OnProcessed.
func (l *Loop[In, Out]) Off(tok observer.Token) bool {
	return l.processed.Unsubscribe(tok)
}

// Consume processes items until r is drained. It returns nil after a clean
// completion and the first read, processing or notification error
// otherwise; items after a failed one are not processed.
func (l *Loop[In, Out]) Consume(ctx context.Context, r Reader[In]) error {
	for {
		item, err := r.Read(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		res, err := l.handle(ctx, item)
		if err != nil {
			return err
		}
		out, ok := res.(Out)
		if !ok {
			return fmt.Errorf("%w: result is %T", ErrUnexpectedResult, res)
		}
		for _, h := range l.processed.Handlers(struct{}{}) {
			if err := h(ctx, out); err != nil {
				return err
			}
		}
	}
}
