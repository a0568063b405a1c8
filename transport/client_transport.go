// Package transport implements the client side of a hub connection: one TCP
// connection per hub URL, multiplexing invocations, stream items and push
// events.
//
// Requests that expect an answer (handshake, invoke) get a sequence number
// and wait on their own pending channel; recvLoop routes each Completion to
// the matching waiter. Push events are queued and delivered in arrival
// order on a separate dispatch goroutine, so a handler may call back into
// the transport without stalling frame reads.
//
//	Invoke(seq=1) ──┐                      ┌── Completion(seq=1) → pending[1]
//	SendItem ───────┼──→ single TCP conn ──┤
//	CompleteStream ─┘                      └── Event → inbox → dispatchLoop → handlers
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"hubstream/codec"
	"hubstream/logging"
	"hubstream/message"
	"hubstream/observer"
	"hubstream/pipe"
	"hubstream/protocol"
)

// State is the connection state reported by a ClientTransport.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	eventStart       = "start"
	eventEstablished = "established"
	eventClose       = "close"
)

var (
	ErrAlreadyStarted = errors.New("transport: already started")
	ErrNotConnected   = errors.New("transport: not connected")
	ErrClosed         = errors.New("transport: connection closed")
	ErrRemote         = errors.New("transport: remote error")
)

// TokenProvider supplies the access token sent in the handshake.
type TokenProvider func(ctx context.Context) (string, error)

// EventHandler receives a push event. It runs on the dispatch goroutine.
type EventHandler func(msg *message.HubMessage)

// ClosedHandler is told when the connection ends; err is nil for a local Stop.
type ClosedHandler func(err error)

// Subscription identifies a registered handler.
type Subscription = observer.Token

const closedKey = ""

// ClientTransport is a single-use hub connection. Once stopped, a new
// ClientTransport is needed to reconnect.
type ClientTransport struct {
	url              *url.URL
	tokens           TokenProvider
	codec            codec.CodecType
	heartbeat        time.Duration
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	logger           zerolog.Logger

	state   *fsm.FSM
	started atomic.Bool

	mu       sync.Mutex
	conn     net.Conn
	connID   string
	stopping bool

	seq       atomic.Uint32
	streamSeq atomic.Uint32
	pending   sync.Map // map[uint32]chan *message.HubMessage
	sending   sync.Mutex

	events    observer.Registry[string, EventHandler]
	closed    observer.Registry[string, ClosedHandler]
	inbox     *pipe.Pipe[*message.HubMessage]
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a ClientTransport.
type Option func(*ClientTransport)

func WithCodec(ct codec.CodecType) Option {
	return func(t *ClientTransport) { t.codec = ct }
}

// WithHeartbeat sets the keep-alive interval; zero or negative disables it.
func WithHeartbeat(interval time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = interval }
}

func WithDialTimeout(d time.Duration) Option {
	return func(t *ClientTransport) { t.dialTimeout = d }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *ClientTransport) { t.handshakeTimeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *ClientTransport) { t.logger = l }
}

// NewClientTransport prepares a transport for the hub at u. Nothing is
// dialed until Start. u must have a host; its path selects the hub.
func NewClientTransport(u *url.URL, tokens TokenProvider, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		url:              u,
		tokens:           tokens,
		codec:            codec.CodecTypeJSON,
		heartbeat:        15 * time.Second,
		dialTimeout:      10 * time.Second,
		handshakeTimeout: 15 * time.Second,
		logger:           logging.For("transport"),
		inbox:            pipe.New[*message.HubMessage](),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("hub", u.String()).Logger()
	t.state = fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StateDisconnected)}, Dst: string(StateConnecting)},
			{Name: eventEstablished, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: eventClose, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				t.logger.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("connection state changed")
			},
		},
	)
	return t
}

// Start dials the hub and completes the handshake. A transport can be
// started once.
func (t *ClientTransport) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := t.state.Event(ctx, eventStart); err != nil {
		return err
	}
	if err := t.connect(ctx); err != nil {
		t.teardown(err)
		return err
	}
	if err := t.state.Event(ctx, eventEstablished); err != nil {
		// The connection dropped between the handshake and here.
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	t.logger.Info().Str("connection_id", t.ConnectionID()).Msg("connected")
	return nil
}

func (t *ClientTransport) connect(ctx context.Context) error {
	var token string
	if t.tokens != nil {
		var err error
		if token, err = t.tokens(ctx); err != nil {
			return fmt.Errorf("access token: %w", err)
		}
	}

	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.url.Host)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.recvLoop(conn)
	go t.dispatchLoop()

	hs, err := json.Marshal(message.Handshake{Path: t.url.Path, AccessToken: token})
	if err != nil {
		return err
	}
	hctx, cancel := context.WithTimeout(ctx, t.handshakeTimeout)
	defer cancel()
	reply, err := t.call(hctx, protocol.MsgTypeHandshake, &message.HubMessage{Target: t.url.Path, Payload: hs})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	var hr message.HandshakeReply
	if err := json.Unmarshal(reply.Payload, &hr); err != nil {
		return fmt.Errorf("handshake reply: %w", err)
	}
	t.mu.Lock()
	t.connID = hr.ConnectionID
	t.mu.Unlock()
	return nil
}

// Stop closes the connection. Stopping a transport that is not connected
// is a no-op.
func (t *ClientTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.conn == nil || t.stopping {
		t.mu.Unlock()
		return nil
	}
	t.stopping = true
	t.mu.Unlock()

	// Best effort: the server treats a missing Close as an abrupt disconnect.
	_ = t.write(protocol.MsgTypeClose, 0, &message.HubMessage{})
	t.teardown(nil)

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ClientTransport) State() State {
	return State(t.state.Current())
}

func (t *ClientTransport) ConnectionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connID
}

// On subscribes h to push events named event.
func (t *ClientTransport) On(event string, h EventHandler) Subscription {
	return t.events.Subscribe(event, h)
}

// Off removes an On subscription.
func (t *ClientTransport) Off(sub Subscription) {
	t.events.Unsubscribe(sub)
}

// OnClosed subscribes h to the end of the connection.
func (t *ClientTransport) OnClosed(h ClosedHandler) Subscription {
	return t.closed.Subscribe(closedKey, h)
}

// OffClosed removes an OnClosed subscription.
func (t *ClientTransport) OffClosed(sub Subscription) {
	t.closed.Unsubscribe(sub)
}

// NewStreamID returns an id unique on this transport.
func (t *ClientTransport) NewStreamID() uint32 {
	return t.streamSeq.Add(1)
}

// Invoke binds streamID to the server action and returns once the server
// has accepted the binding; it does not wait for the stream to finish.
func (t *ClientTransport) Invoke(ctx context.Context, action string, streamID uint32) error {
	if t.State() != StateConnected {
		return ErrNotConnected
	}
	_, err := t.call(ctx, protocol.MsgTypeInvoke, &message.HubMessage{Target: action, StreamID: streamID})
	return err
}

// SendItem sends one encoded item on a bound stream.
func (t *ClientTransport) SendItem(streamID uint32, payload []byte) error {
	return t.write(protocol.MsgTypeStreamItem, 0, &message.HubMessage{StreamID: streamID, Payload: payload})
}

// CompleteStream ends a bound stream; a non-empty errMsg fails it.
func (t *ClientTransport) CompleteStream(streamID uint32, errMsg string) error {
	return t.write(protocol.MsgTypeStreamComplete, 0, &message.HubMessage{StreamID: streamID, Error: errMsg})
}

// call sends a frame that expects a Completion and waits for it.
func (t *ClientTransport) call(ctx context.Context, mt protocol.MsgType, msg *message.HubMessage) (*message.HubMessage, error) {
	seq := t.seq.Add(1)
	ch := make(chan *message.HubMessage, 1)
	// Register before writing so recvLoop cannot miss a fast reply.
	t.pending.Store(seq, ch)
	defer t.pending.Delete(seq)

	if err := t.write(mt, seq, msg); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		if reply.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrRemote, reply.Error)
		}
		return reply, nil
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *ClientTransport) write(mt protocol.MsgType, seq uint32, msg *message.HubMessage) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	return codec.WriteMessage(conn, t.codec, mt, seq, msg)
}

// recvLoop is the only reader of conn.
func (t *ClientTransport) recvLoop(conn net.Conn) {
	for {
		header, msg, err := codec.ReadMessage(conn)
		if err != nil {
			t.teardown(err)
			return
		}
		switch header.MsgType {
		case protocol.MsgTypeCompletion:
			if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
				ch.(chan *message.HubMessage) <- msg
			}
		case protocol.MsgTypeEvent:
			t.inbox.TryWrite(msg)
		case protocol.MsgTypeHeartbeat:
		case protocol.MsgTypeClose:
			if msg.Error != "" {
				t.teardown(fmt.Errorf("%w by server: %s", ErrClosed, msg.Error))
			} else {
				t.teardown(fmt.Errorf("%w by server", ErrClosed))
			}
			return
		default:
			t.logger.Warn().Stringer("type", header.MsgType).Msg("unexpected frame dropped")
		}
	}
}

// dispatchLoop delivers queued push events in arrival order. Events queued
// before the connection closed are still delivered.
func (t *ClientTransport) dispatchLoop() {
	for {
		msg, err := t.inbox.Read(context.Background())
		if err != nil {
			return
		}
		for _, h := range t.events.Handlers(msg.Target) {
			h(msg)
		}
	}
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.write(protocol.MsgTypeHeartbeat, 0, nil); err != nil {
				return
			}
		}
	}
}

// teardown closes the connection once and notifies closed handlers. A
// local Stop reports a nil error.
func (t *ClientTransport) teardown(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		conn := t.conn
		if t.stopping {
			cause = nil
		}
		t.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		close(t.done)
		t.inbox.TryComplete(nil)
		_ = t.state.Event(context.Background(), eventClose)

		if cause != nil {
			t.logger.Warn().Err(cause).Msg("connection lost")
		} else {
			t.logger.Info().Msg("disconnected")
		}
		for _, h := range t.closed.Handlers(closedKey) {
			h(cause)
		}
	})
}
