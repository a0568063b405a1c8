// Package server hosts hubs: named sets of stream actions reachable over the
// hubstream frame protocol.
//
// Connection pipeline:
//
//	Accept conn → handleConn
//	  → Handshake (hub path + access token) → Completion{connectionId}
//	  → Invoke(action, streamID)  → bind pipe, ack, go action(call)
//	  → StreamItem(streamID)      → pipe.Write
//	  → StreamComplete(streamID)  → pipe.Complete
//	  → Close / read error        → fail open streams, detach from hub
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"hubstream/codec"
	"hubstream/logging"
	"hubstream/message"
	"hubstream/middleware"
	"hubstream/pipe"
	"hubstream/protocol"
	"hubstream/registry"
)

var (
	ErrConnectionClosed  = errors.New("server: connection closed")
	ErrServerShutdown    = errors.New("server: shutting down")
	ErrUnknownConnection = errors.New("server: unknown connection")
	ErrNotListening      = errors.New("server: Listen must be called before Serve")
)

// Authenticator validates the access token presented for a hub path.
type Authenticator func(ctx context.Context, path, token string) error

// Server accepts hub connections and runs their stream actions.
type Server struct {
	name             string
	hubs             map[string]*Hub
	listener         net.Listener
	trackMu          sync.Mutex     // orders wg.Add against Shutdown
	wg               sync.WaitGroup // running stream actions
	shutdown         atomic.Bool
	middlewares      []middleware.Middleware
	authenticate     Authenticator
	handshakeTimeout time.Duration
	registry         registry.Registry
	advertiseAddr    string
	conns            sync.Map // connection id → *hubConn
	logger           zerolog.Logger
}

type Option func(*Server)

// WithName sets the service name registered in the registry.
func WithName(name string) Option {
	return func(s *Server) { s.name = name }
}

func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.authenticate = a }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) { s.handshakeTimeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		name:             "hubstream",
		hubs:             make(map[string]*Hub),
		handshakeTimeout: 10 * time.Second,
		logger:           logging.For("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MapHub serves h at path. Each path must be mapped once.
func (svr *Server) MapHub(path string, h *Hub) error {
	if _, ok := svr.hubs[path]; ok {
		return fmt.Errorf("hub path %q already mapped", path)
	}
	svr.hubs[path] = h
	return nil
}

// Use registers a middleware handed to every stream action through Call.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen opens the listener and returns its address, which is useful when
// address uses port 0.
func (svr *Server) Listen(network, address string) (net.Addr, error) {
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	svr.listener = listener
	return listener.Addr(), nil
}

// Serve registers with reg (nil skips discovery) and runs the accept loop
// until Shutdown.
func (svr *Server) Serve(advertiseAddr string, reg registry.Registry) error {
	if svr.listener == nil {
		return ErrNotListening
	}
	svr.advertiseAddr = advertiseAddr
	if reg != nil {
		svr.registry = reg
		if err := reg.Register(svr.name, registry.ServiceInstance{Addr: advertiseAddr}, 10); err != nil {
			return fmt.Errorf("register %s: %w", svr.name, err)
		}
	}
	svr.logger.Info().Str("addr", svr.listener.Addr().String()).Int("hubs", len(svr.hubs)).Msg("serving")

	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// handleConn owns the read side of conn for its whole life.
func (svr *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	hc, err := svr.handshake(conn)
	if err != nil {
		svr.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("handshake rejected")
		return
	}
	hub := hc.hub
	logger := hub.logger.With().Str("connection_id", hc.id).Logger()
	hub.clients.add(hc)
	svr.conns.Store(hc.id, hc)
	logger.Info().Msg("client connected")

	cause := svr.readLoop(hc, logger)

	hc.cancel()
	hc.failStreams(ErrConnectionClosed)
	hub.clients.remove(hc.id)
	svr.conns.Delete(hc.id)
	if cause != nil {
		logger.Warn().Err(cause).Msg("client disconnected with error")
	} else {
		logger.Info().Msg("client disconnected")
	}
}

func (svr *Server) handshake(conn net.Conn) (*hubConn, error) {
	_ = conn.SetReadDeadline(time.Now().Add(svr.handshakeTimeout))
	header, msg, err := codec.ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	if header.MsgType != protocol.MsgTypeHandshake {
		return nil, fmt.Errorf("expected handshake, got %s", header.MsgType)
	}

	ct := codec.CodecType(header.CodecType)
	reject := func(reason string) error {
		_ = codec.WriteMessage(conn, ct, protocol.MsgTypeCompletion, header.Seq, &message.HubMessage{Error: reason})
		return errors.New(reason)
	}

	var hs message.Handshake
	if err := json.Unmarshal(msg.Payload, &hs); err != nil {
		return nil, reject("malformed handshake")
	}
	hub, ok := svr.hubs[hs.Path]
	if !ok {
		return nil, reject(fmt.Sprintf("no hub mapped at %q", hs.Path))
	}
	if svr.shutdown.Load() {
		return nil, reject(ErrServerShutdown.Error())
	}
	if svr.authenticate != nil {
		ctx, cancel := context.WithTimeout(context.Background(), svr.handshakeTimeout)
		err := svr.authenticate(ctx, hs.Path, hs.AccessToken)
		cancel()
		if err != nil {
			return nil, reject("unauthorized: " + err.Error())
		}
	}

	hc := newHubConn(uuid.NewString(), hub, conn, ct)
	reply, err := json.Marshal(message.HandshakeReply{ConnectionID: hc.id})
	if err != nil {
		return nil, err
	}
	if err := hc.complete(header.Seq, "", reply); err != nil {
		return nil, err
	}
	return hc, nil
}

// readLoop returns nil for an orderly Close and the read error otherwise.
func (svr *Server) readLoop(hc *hubConn, logger zerolog.Logger) error {
	for {
		header, msg, err := codec.ReadMessage(hc.conn)
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
		case protocol.MsgTypeInvoke:
			svr.bind(hc, header.Seq, msg, logger)
		case protocol.MsgTypeStreamItem:
			p, ok := hc.stream(msg.StreamID)
			if !ok || !p.TryWrite(msg.Payload) {
				logger.Warn().Uint32("stream_id", msg.StreamID).Msg("item for unbound or completed stream dropped")
			}
		case protocol.MsgTypeStreamComplete:
			p, ok := hc.stream(msg.StreamID)
			if !ok {
				logger.Warn().Uint32("stream_id", msg.StreamID).Msg("completion for unbound stream dropped")
				continue
			}
			var cause error
			if msg.Error != "" {
				cause = errors.New(msg.Error)
			}
			p.TryComplete(cause)
		case protocol.MsgTypeClose:
			return nil
		default:
			logger.Warn().Stringer("type", header.MsgType).Msg("unexpected frame dropped")
		}
	}
}

// bind attaches a new stream to an action and acknowledges the Invoke
// before the action starts consuming it.
func (svr *Server) bind(hc *hubConn, seq uint32, msg *message.HubMessage, logger zerolog.Logger) {
	action, ok := hc.hub.action(msg.Target)
	if !ok {
		_ = hc.complete(seq, fmt.Sprintf("unknown action %q", msg.Target), nil)
		return
	}
	items := pipe.New[[]byte]()
	if err := svr.track(func() error {
		if !hc.bindStream(msg.StreamID, items) {
			return fmt.Errorf("stream %d already bound", msg.StreamID)
		}
		return nil
	}); err != nil {
		_ = hc.complete(seq, err.Error(), nil)
		return
	}

	call := &Call{
		ConnectionID: hc.id,
		Action:       msg.Target,
		StreamID:     msg.StreamID,
		Items:        items,
		Clients:      hc.hub.clients,
		Middlewares:  svr.middlewares,
		Logger:       logger.With().Str("action", msg.Target).Uint32("stream_id", msg.StreamID).Logger(),
	}
	if err := hc.complete(seq, "", nil); err != nil {
		svr.wg.Done()
		hc.unbindStream(msg.StreamID)
		return
	}
	go func() {
		defer svr.wg.Done()
		defer hc.unbindStream(call.StreamID)
		call.Logger.Debug().Msg("stream bound")
		if err := action(hc.ctx, call); err != nil {
			call.Logger.Error().Err(err).Msg("stream action failed")
			return
		}
		call.Logger.Debug().Msg("stream finished")
	}()
}

// track runs bind and counts one more running action, unless Shutdown has
// already started.
func (svr *Server) track(bind func() error) error {
	svr.trackMu.Lock()
	defer svr.trackMu.Unlock()
	if svr.shutdown.Load() {
		return ErrServerShutdown
	}
	if err := bind(); err != nil {
		return err
	}
	svr.wg.Add(1)
	return nil
}

// Shutdown stops the server gracefully:
//  1. Deregister from the registry so clients stop resolving this address
//  2. Stop accepting connections
//  3. Fail every open stream so running actions wind down
//  4. Wait for the actions, bounded by timeout
//  5. Send Close to every client and drop the connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	if svr.registry != nil {
		if err := svr.registry.Deregister(svr.name, svr.advertiseAddr); err != nil {
			svr.logger.Warn().Err(err).Msg("deregister failed")
		}
	}

	svr.trackMu.Lock()
	svr.shutdown.Store(true)
	svr.trackMu.Unlock()
	if svr.listener != nil {
		svr.listener.Close()
	}

	svr.conns.Range(func(_, v any) bool {
		v.(*hubConn).failStreams(ErrServerShutdown)
		return true
	})

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for running stream actions to finish")
	}

	svr.conns.Range(func(_, v any) bool {
		hc := v.(*hubConn)
		_ = hc.send(protocol.MsgTypeClose, 0, &message.HubMessage{Error: "server shutting down"})
		hc.cancel()
		hc.conn.Close()
		return true
	})
	svr.logger.Info().Msg("server stopped")
	return err
}
