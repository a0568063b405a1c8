// Package client is the caller-facing side of a streaming action: it
// lazily connects to a hub, binds one upload channel to the action and
// forwards every pushed result to the caller.
package client

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hubstream/connection"
	"hubstream/envelope"
	"hubstream/errcode"
	"hubstream/logging"
	"hubstream/payload"
	"hubstream/session"
	"hubstream/transport"
)

const defaultDrainTimeout = 5 * time.Second

var (
	errNotOpen    = errors.New("connection is not open")
	errNotSending = errors.New("action has no open channel")
)

// ResultHandler receives each pushed result. err is the aggregate of the
// reconstructed failures when the server reported one.
type ResultHandler[Out payload.Payload] func(out Out, err error)

type settings struct {
	dial         connection.Dialer
	logger       zerolog.Logger
	drainTimeout time.Duration
}

type Option func(*settings)

func WithDialer(d connection.Dialer) Option {
	return func(s *settings) { s.dial = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithDrainTimeout bounds how long Stop waits for buffered items to reach
// the connection.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *settings) { s.drainTimeout = d }
}

// Action streams items of type In to one named hub action and receives
// results of type Out. Each Action owns its own connection and channel.
type Action[In, Out payload.Payload] struct {
	name         string
	conns        *connection.Manager[Out]
	sessions     *session.Manager[In]
	drainTimeout time.Duration
	logger       zerolog.Logger

	mu sync.Mutex
	ch *session.Channel[In]
}

// NewAction prepares an action on the hub at hubURL. Nothing is dialed
// until the first Send.
func NewAction[In, Out payload.Payload](hubURL *url.URL, action string, tokens transport.TokenProvider, opts ...Option) *Action[In, Out] {
	s := settings{
		dial:         connection.TransportDialer(),
		logger:       logging.For("client"),
		drainTimeout: defaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(&s)
	}
	logger := s.logger.With().Str("action", action).Logger()
	conns := connection.NewManager[Out](hubURL, tokens,
		connection.WithDialer(s.dial), connection.WithLogger(logger))
	return &Action[In, Out]{
		name:         action,
		conns:        conns,
		sessions:     session.NewManager[In](conns, session.WithLogger[In](logger)),
		drainTimeout: s.drainTimeout,
		logger:       logger,
	}
}

func (a *Action[In, Out]) Name() string { return a.name }

// Send writes item to the action's channel, connecting and binding first if
// needed. onResult is captured when the connection is established and
// receives every result pushed while it lives. When the connection is no
// longer open Send fails with an UnknownError CoreError and neither
// reconnects nor queues. Cancelling ctx aborts the write only: connecting
// and binding keep ctx's values but are bounded by the transport timeouts.
func (a *Action[In, Out]) Send(ctx context.Context, onResult ResultHandler[Out], item In) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ch == nil {
		if err := a.establish(context.WithoutCancel(ctx), onResult); err != nil {
			return err
		}
	}
	if !a.conns.IsOpen() {
		err := errcode.Wrap(errcode.UnknownError,
			errcode.NewTransportError(errcode.ErrConnection, "send", errNotOpen))
		a.logger.Error().Err(err).Msg("send on a closed connection")
		return err
	}
	return a.sessions.Write(ctx, a.ch, item)
}

// establish must be called with mu held.
func (a *Action[In, Out]) establish(ctx context.Context, onResult ResultHandler[Out]) error {
	handler := func(res *envelope.Result[Out]) {
		out, err := res.Get()
		if onResult != nil {
			onResult(out, err)
		}
	}
	if _, err := a.conns.Start(ctx, handler); err != nil {
		return err
	}

	ch, err := a.sessions.Create()
	if err == nil {
		err = a.sessions.Bind(ctx, ch, a.name)
	}
	if err != nil {
		if stopErr := a.conns.Stop(ctx); stopErr != nil {
			a.logger.Warn().Err(stopErr).Msg("stopping half-established connection")
		}
		return err
	}
	a.ch = ch
	a.logger.Info().Str("channel", ch.ID()).Msg("action established")
	return nil
}

// Stop completes the channel, waits for it to drain, stops the connection
// and forgets both, so the next Send starts from scratch. Stopping an
// action that is not sending fails with ErrInvalidState.
func (a *Action[In, Out]) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ch == nil {
		err := errcode.NewTransportError(errcode.ErrInvalidState, "stop", errNotSending)
		a.logger.Error().Err(err).Msg("stop rejected")
		return err
	}
	ch := a.ch
	a.ch = nil

	var completeErr error
	if !ch.Completed() {
		completeErr = a.sessions.Complete(ch)
	}
	drainCtx, cancel := context.WithTimeout(ctx, a.drainTimeout)
	drainErr := a.sessions.Drain(drainCtx, ch)
	cancel()
	stopErr := a.conns.Stop(ctx)

	if err := errors.Join(completeErr, drainErr, stopErr); err != nil {
		a.logger.Warn().Err(err).Msg("action stopped with errors")
		return err
	}
	a.logger.Info().Msg("action stopped")
	return nil
}

// IsOpen reports whether the action currently has a live connection.
func (a *Action[In, Out]) IsOpen() bool {
	return a.conns.IsOpen()
}
