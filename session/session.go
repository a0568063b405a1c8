// Package session manages upload channels: unbounded pipes of request items
// bound to one named action on a live hub connection.
//
// A channel is created while the connection is open, bound once to an
// action, written to any number of times, and completed exactly once. A
// pump goroutine per bound channel forwards buffered items to the
// connection in write order and closes the stream when the channel
// completes.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hubstream/connection"
	"hubstream/errcode"
	"hubstream/logging"
	"hubstream/payload"
	"hubstream/pipe"
	"hubstream/transport"
)

var (
	errNotOpen      = errors.New("connection is not open")
	errAlreadyBound = errors.New("channel already bound")
	errActionBusy   = errors.New("action already has an open channel on this connection")
)

// Opener exposes the connection a Manager writes through.
type Opener interface {
	IsOpen() bool
	Connection() connection.Transport
}

// Channel is the handle of one upload channel.
type Channel[In payload.Payload] struct {
	id    string
	items *pipe.Pipe[In]

	mu       sync.Mutex
	action   string
	streamID uint32
	bound    bool
	key      string
	flushed  chan struct{}
}

func (ch *Channel[In]) ID() string { return ch.id }

// Action returns the action the channel is bound to, or "".
func (ch *Channel[In]) Action() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.action
}

func (ch *Channel[In]) Bound() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.bound
}

// Completed reports whether no more items may be written.
func (ch *Channel[In]) Completed() bool { return ch.items.Completed() }

// Flushed is closed once the pump of a bound channel has finished.
func (ch *Channel[In]) Flushed() <-chan struct{} { return ch.flushed }

// Encoder turns an item into the bytes sent on the wire.
type Encoder[In payload.Payload] func(item In) ([]byte, error)

type Option[In payload.Payload] func(*Manager[In])

// WithEncoder replaces the default tagged payload encoding.
func WithEncoder[In payload.Payload](enc Encoder[In]) Option[In] {
	return func(m *Manager[In]) { m.encode = enc }
}

func WithLogger[In payload.Payload](l zerolog.Logger) Option[In] {
	return func(m *Manager[In]) { m.logger = l }
}

// Manager creates and drives channels over one connection.
type Manager[In payload.Payload] struct {
	conn   Opener
	encode Encoder[In]
	logger zerolog.Logger

	mu   sync.Mutex
	open map[string]string // connection/action -> channel id
}

func NewManager[In payload.Payload](conn Opener, opts ...Option[In]) *Manager[In] {
	m := &Manager[In]{
		conn:   conn,
		encode: func(item In) ([]byte, error) { return payload.Encode(item) },
		logger: logging.For("session"),
		open:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create allocates a new, unbound channel. The connection must be open.
func (m *Manager[In]) Create() (*Channel[In], error) {
	if !m.conn.IsOpen() {
		err := errcode.NewTransportError(errcode.ErrInvalidState, "create", errNotOpen)
		m.logger.Error().Err(err).Msg("channel create rejected")
		return nil, err
	}
	ch := &Channel[In]{
		id:      uuid.NewString(),
		items:   pipe.New[In](),
		flushed: make(chan struct{}),
	}
	m.logger.Debug().Str("channel", ch.id).Msg("channel created")
	return ch, nil
}

// Bind invokes action on the server with a fresh stream and starts pumping
// the channel's items into it. It returns once the server acknowledged the
// invocation.
func (m *Manager[In]) Bind(ctx context.Context, ch *Channel[In], action string) error {
	log := m.logger.With().Str("channel", ch.id).Str("action", action).Logger()
	conn := m.conn.Connection()
	if conn == nil || !m.conn.IsOpen() {
		err := errcode.NewTransportError(errcode.ErrInvalidState, "bind", errNotOpen)
		log.Error().Err(err).Msg("bind rejected")
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.bound {
		err := errcode.NewTransportError(errcode.ErrInvalidState, "bind", errAlreadyBound)
		log.Error().Err(err).Msg("bind rejected")
		return err
	}

	key := conn.ConnectionID() + "/" + action
	m.mu.Lock()
	if owner, busy := m.open[key]; busy {
		m.mu.Unlock()
		err := errcode.NewTransportError(errcode.ErrInvalidState, "bind",
			fmt.Errorf("%w: %s", errActionBusy, owner))
		log.Error().Err(err).Msg("bind rejected")
		return err
	}
	m.open[key] = ch.id
	m.mu.Unlock()

	streamID := conn.NewStreamID()
	if err := conn.Invoke(ctx, action, streamID); err != nil {
		m.release(key)
		wrapped := errcode.NewTransportError(errcode.ErrConnection, "bind", err)
		log.Error().Err(err).Msg("invoke failed")
		return wrapped
	}

	ch.action = action
	ch.streamID = streamID
	ch.bound = true
	ch.key = key

	pumpCtx, cancel := context.WithCancel(context.Background())
	closedSub := conn.OnClosed(func(error) { cancel() })
	go m.pump(pumpCtx, cancel, conn, closedSub, ch, streamID, key)

	log.Info().Uint32("stream", streamID).Msg("channel bound")
	return nil
}

func (m *Manager[In]) pump(ctx context.Context, cancel context.CancelFunc, conn connection.Transport,
	closedSub transport.Subscription, ch *Channel[In], streamID uint32, key string) {
	log := m.logger.With().Str("channel", ch.id).Uint32("stream", streamID).Logger()
	defer func() {
		cancel()
		conn.OffClosed(closedSub)
		m.release(key)
		close(ch.flushed)
	}()

	sent := 0
	for {
		item, err := ch.items.Read(ctx)
		if errors.Is(err, io.EOF) {
			if err := conn.CompleteStream(streamID, ""); err != nil {
				log.Warn().Err(err).Msg("stream completion not delivered")
			}
			log.Debug().Int("items", sent).Msg("channel flushed")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				// Connection went away; no stream left to complete.
				ch.items.TryComplete(errNotOpen)
				log.Warn().Int("items", sent).Msg("connection closed before channel completed")
				return
			}
			if err := conn.CompleteStream(streamID, err.Error()); err != nil {
				log.Warn().Err(err).Msg("stream completion not delivered")
			}
			log.Warn().Err(err).Int("items", sent).Msg("channel completed with error")
			return
		}

		data, err := m.encode(item)
		if err == nil {
			err = conn.SendItem(streamID, data)
		}
		if err != nil {
			ch.items.TryComplete(err)
			_ = conn.CompleteStream(streamID, err.Error())
			log.Error().Err(err).Int("items", sent).Msg("item not sent, channel aborted")
			return
		}
		sent++
	}
}

func (m *Manager[In]) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, key)
}

// Write enqueues item. It fails with ErrChannelWrite when the connection is
// not open, the channel is completed, or ctx is done. ctx only governs this
// write.
func (m *Manager[In]) Write(ctx context.Context, ch *Channel[In], item In) error {
	if !m.conn.IsOpen() {
		err := errcode.NewTransportError(errcode.ErrChannelWrite, "write", errNotOpen)
		m.logger.Error().Err(err).Str("channel", ch.id).Msg("write rejected")
		return err
	}
	if err := ch.items.Write(ctx, item); err != nil {
		wrapped := errcode.NewTransportError(errcode.ErrChannelWrite, "write", err)
		m.logger.Error().Err(err).Str("channel", ch.id).Msg("write failed")
		return wrapped
	}
	return nil
}

// Complete signals that no more items will be written. Completing twice
// fails with ErrChannelWrite; the channel stays completed either way.
func (m *Manager[In]) Complete(ch *Channel[In]) error {
	if err := ch.items.Complete(nil); err != nil {
		ch.items.TryComplete(err)
		wrapped := errcode.NewTransportError(errcode.ErrChannelWrite, "complete", err)
		m.logger.Error().Err(err).Str("channel", ch.id).Msg("complete failed")
		return wrapped
	}
	m.logger.Debug().Str("channel", ch.id).Msg("channel completed")
	return nil
}

// Drain waits until every buffered item of a bound channel was handed to
// the connection and the stream was closed. Unbound channels drain
// immediately.
func (m *Manager[In]) Drain(ctx context.Context, ch *Channel[In]) error {
	if !ch.Bound() {
		return nil
	}
	select {
	case <-ch.flushed:
		return nil
	case <-ctx.Done():
		err := errcode.NewTransportError(errcode.ErrTransport, "drain", ctx.Err())
		m.logger.Warn().Err(err).Str("channel", ch.id).Msg("drain interrupted")
		return err
	}
}

// Open reports whether action has a bound, unflushed channel on the current
// connection.
func (m *Manager[In]) Open(action string) bool {
	conn := m.conn.Connection()
	if conn == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.open[conn.ConnectionID()+"/"+action]
	return ok
}
