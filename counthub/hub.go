package counthub

import (
	"context"
	"fmt"

	"hubstream/config"
	"hubstream/dispatch"
	"hubstream/envelope"
	"hubstream/logging"
	"hubstream/message"
	"hubstream/middleware"
	"hubstream/server"
)

const (
	ActionStreamingTest          = "StreamingTestAsync"
	ActionStreamingExceptionTest = "StreamingExceptionTestAsync"

	PathStreamingTest          = "/StreamingTestHub"
	PathStreamingExceptionTest = "/StreamingExceptionTestHub"
)

// NewHub registers both count actions on a hub called name.
func NewHub(name string, m *Manager) *server.Hub {
	hub := server.NewHub(name)
	hub.HandleStream(ActionStreamingTest, streamingTest(m))
	hub.HandleStream(ActionStreamingExceptionTest, streamingExceptionTest(m))
	return hub
}

// MapHubs serves the count hubs at their well-known paths.
func MapHubs(svr *server.Server, m *Manager) error {
	if err := svr.MapHub(PathStreamingTest, NewHub("StreamingTestHub", m)); err != nil {
		return err
	}
	return svr.MapHub(PathStreamingExceptionTest, NewHub("StreamingExceptionTestHub", m))
}

// Middlewares builds the per-item chain for a server configured by opts.
func Middlewares(opts config.Options) []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.RecoverMiddleware(),
		middleware.LoggingMiddleware(logging.For("counthub")),
	}
	if opts.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(opts.RateLimit, opts.RateBurst))
	}
	return mws
}

func newLoop(call *server.Call, p dispatch.Processor[CountRequest, CountResponse]) *dispatch.Loop[CountRequest, CountResponse] {
	loop := dispatch.NewLoop(p, call.Middlewares...)
	loop.OnProcessed(func(ctx context.Context, out CountResponse) error {
		return call.Clients.SendAll(ctx, message.EventReceiveStreamingResponse, envelope.Success(out))
	})
	return loop
}

func streamingTest(m *Manager) server.StreamAction {
	return func(ctx context.Context, call *server.Call) error {
		return newLoop(call, m.StreamingTest).Consume(ctx, server.Items[CountRequest](call))
	}
}

// streamingExceptionTest reports the first failure to every client as a
// failed result and ends the action. The error detail stays in the log.
func streamingExceptionTest(m *Manager) server.StreamAction {
	return func(ctx context.Context, call *server.Call) error {
		err := newLoop(call, m.StreamingExceptionTest).Consume(ctx, server.Items[CountRequest](call))
		if err == nil || ctx.Err() != nil {
			return err
		}
		res := envelope.FromError[CountResponse](err, "")
		call.Logger.Error().Err(err).Str("correlation_id", res.CorrelationID()).Msg("stream failed")
		if sendErr := call.Clients.SendAll(ctx, message.EventReceiveStreamingResponse, res); sendErr != nil {
			return fmt.Errorf("report failure: %w", sendErr)
		}
		return nil
	}
}
