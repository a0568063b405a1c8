// Package connection manages the lifecycle of one hub connection: building
// it, wiring the push-event handler, starting it and tearing it down.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"hubstream/envelope"
	"hubstream/errcode"
	"hubstream/logging"
	"hubstream/message"
	"hubstream/transport"
)

// Transport is the hub connection the manager drives.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() transport.State
	ConnectionID() string
	On(event string, h transport.EventHandler) transport.Subscription
	Off(sub transport.Subscription)
	OnClosed(h transport.ClosedHandler) transport.Subscription
	OffClosed(sub transport.Subscription)
	Invoke(ctx context.Context, action string, streamID uint32) error
	NewStreamID() uint32
	SendItem(streamID uint32, payload []byte) error
	CompleteStream(streamID uint32, errMsg string) error
}

// Dialer builds a fresh, unstarted Transport for a hub URL.
type Dialer func(u *url.URL, tokens transport.TokenProvider) Transport

// TransportDialer builds *transport.ClientTransport values with opts.
func TransportDialer(opts ...transport.Option) Dialer {
	return func(u *url.URL, tokens transport.TokenProvider) Transport {
		return transport.NewClientTransport(u, tokens, opts...)
	}
}

// ResultHandler receives every decoded push result.
type ResultHandler[T any] func(res *envelope.Result[T])

var (
	errNotStarted     = errors.New("connection was not started")
	errAlreadyStarted = errors.New("connection already started")
)

type settings struct {
	dial   Dialer
	event  string
	logger zerolog.Logger
}

type Option func(*settings)

func WithDialer(d Dialer) Option {
	return func(s *settings) { s.dial = d }
}

// WithEvent overrides the push event the result handler listens to.
func WithEvent(name string) Option {
	return func(s *settings) { s.event = name }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// Manager owns at most one live Transport at a time.
type Manager[T any] struct {
	url    *url.URL
	tokens transport.TokenProvider
	dial   Dialer
	event  string
	logger zerolog.Logger

	mu         sync.Mutex
	conn       Transport
	eventSub   transport.Subscription
	closedSub  transport.Subscription
	subscribed bool
}

func NewManager[T any](u *url.URL, tokens transport.TokenProvider, opts ...Option) *Manager[T] {
	s := settings{
		dial:   TransportDialer(),
		event:  message.EventReceiveStreamingResponse,
		logger: logging.For("connection"),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &Manager[T]{
		url:    u,
		tokens: tokens,
		dial:   s.dial,
		event:  s.event,
		logger: s.logger.With().Str("hub", u.String()).Logger(),
	}
}

// Start builds a new transport, subscribes handler to the push event before
// any traffic flows, and starts the transport. A nil handler skips the
// subscription.
func (m *Manager[T]) Start(ctx context.Context, handler ResultHandler[T]) (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		err := errcode.NewTransportError(errcode.ErrInvalidState, "start", errAlreadyStarted)
		m.logger.Error().Err(err).Msg("start rejected")
		return nil, err
	}

	conn := m.dial(m.url, m.tokens)
	closedSub := conn.OnClosed(func(err error) {
		if err != nil {
			m.logger.Warn().Err(err).Msg("connection closed unexpectedly")
		}
	})
	var eventSub transport.Subscription
	if handler != nil {
		eventSub = conn.On(m.event, func(msg *message.HubMessage) {
			var res envelope.Result[T]
			if err := json.Unmarshal(msg.Payload, &res); err != nil {
				m.logger.Error().Err(err).Str("event", m.event).Msg("undecodable push result dropped")
				return
			}
			handler(&res)
		})
	}

	if err := conn.Start(ctx); err != nil {
		if handler != nil {
			conn.Off(eventSub)
		}
		conn.OffClosed(closedSub)
		wrapped := errcode.NewTransportError(errcode.ErrConnection, "start", err)
		m.logger.Error().Err(err).Msg("connection start failed")
		return nil, wrapped
	}

	m.conn = conn
	m.eventSub = eventSub
	m.subscribed = handler != nil
	m.closedSub = closedSub
	m.logger.Info().Str("connection_id", conn.ConnectionID()).Msg("connection started")
	return conn, nil
}

// Stop unsubscribes the push handler, then stops and forgets the transport.
// Stopping a manager that is not started fails with ErrInvalidState.
func (m *Manager[T]) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		err := errcode.NewTransportError(errcode.ErrInvalidState, "stop", errNotStarted)
		m.logger.Error().Err(err).Msg("stop rejected")
		return err
	}

	conn := m.conn
	if m.subscribed {
		conn.Off(m.eventSub)
	}
	err := conn.Stop(ctx)
	conn.OffClosed(m.closedSub)
	m.conn = nil
	m.subscribed = false

	if err != nil {
		m.logger.Error().Err(err).Msg("connection stop failed")
		return errcode.NewTransportError(errcode.ErrConnection, "stop", err)
	}
	m.logger.Info().Msg("connection stopped")
	return nil
}

// IsOpen reports whether a started transport is currently connected.
func (m *Manager[T]) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.conn.State() == transport.StateConnected
}

// Connection returns the live transport, or nil.
func (m *Manager[T]) Connection() Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

func (m *Manager[T]) URL() *url.URL {
	return m.url
}
