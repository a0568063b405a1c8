package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubstream/codec"
	"hubstream/message"
	"hubstream/protocol"
	"hubstream/registry"
)

// rawClient speaks the frame protocol directly.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	ct   codec.CodecType
}

func dialRaw(t *testing.T, addr net.Addr, ct codec.CodecType) *rawClient {
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawClient{t: t, conn: conn, ct: ct}
}

func (c *rawClient) send(mt protocol.MsgType, seq uint32, msg *message.HubMessage) {
	require.NoError(c.t, codec.WriteMessage(c.conn, c.ct, mt, seq, msg))
}

func (c *rawClient) read() (*protocol.Header, *message.HubMessage) {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	h, msg, err := codec.ReadMessage(c.conn)
	require.NoError(c.t, err)
	return h, msg
}

func (c *rawClient) handshake(path, token string) *message.HubMessage {
	payload, _ := json.Marshal(message.Handshake{Path: path, AccessToken: token})
	c.send(protocol.MsgTypeHandshake, 1, &message.HubMessage{Target: path, Payload: payload})
	h, msg := c.read()
	require.Equal(c.t, protocol.MsgTypeCompletion, h.MsgType)
	require.Equal(c.t, uint32(1), h.Seq)
	return msg
}

func startServer(t *testing.T, svr *Server) net.Addr {
	addr, err := svr.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve("", nil)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return addr
}

// echoHub pushes every received item back to all clients as an "echo" event.
func echoHub() *Hub {
	hub := NewHub("echo")
	hub.HandleStream("Echo", func(ctx context.Context, call *Call) error {
		for {
			item, err := call.Items.Read(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := call.Clients.All(ctx, "echo", item); err != nil {
				return err
			}
		}
	})
	return hub
}

func TestHandshakeAndEcho(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary, codec.CodecTypeMsgpack} {
		t.Run(ct.String(), func(t *testing.T) {
			svr := NewServer()
			hub := echoHub()
			require.NoError(t, svr.MapHub("/echo", hub))
			addr := startServer(t, svr)

			c := dialRaw(t, addr, ct)
			reply := c.handshake("/echo", "")
			require.Empty(t, reply.Error)
			var hr message.HandshakeReply
			require.NoError(t, json.Unmarshal(reply.Payload, &hr))
			assert.NotEmpty(t, hr.ConnectionID)

			c.send(protocol.MsgTypeInvoke, 2, &message.HubMessage{Target: "Echo", StreamID: 1})
			h, ack := c.read()
			require.Equal(t, protocol.MsgTypeCompletion, h.MsgType)
			require.Equal(t, uint32(2), h.Seq)
			require.Empty(t, ack.Error)
			assert.True(t, hub.Clients().IsConnected(hr.ConnectionID))

			for _, body := range []string{"a", "b", "c"} {
				c.send(protocol.MsgTypeStreamItem, 0, &message.HubMessage{StreamID: 1, Payload: []byte(body)})
			}
			c.send(protocol.MsgTypeHeartbeat, 0, nil)
			c.send(protocol.MsgTypeStreamComplete, 0, &message.HubMessage{StreamID: 1})

			for _, want := range []string{"a", "b", "c"} {
				h, ev := c.read()
				require.Equal(t, protocol.MsgTypeEvent, h.MsgType)
				assert.Equal(t, "echo", ev.Target)
				assert.Equal(t, want, string(ev.Payload))
			}
		})
	}
}

func TestHandshakeRejected(t *testing.T) {
	svr := NewServer(WithAuthenticator(func(ctx context.Context, path, token string) error {
		if token != "secret" {
			return errors.New("bad token")
		}
		return nil
	}))
	require.NoError(t, svr.MapHub("/echo", echoHub()))
	addr := startServer(t, svr)

	unknown := dialRaw(t, addr, codec.CodecTypeJSON).handshake("/missing", "secret")
	assert.Contains(t, unknown.Error, "no hub mapped")

	denied := dialRaw(t, addr, codec.CodecTypeJSON).handshake("/echo", "wrong")
	assert.Contains(t, denied.Error, "unauthorized")

	ok := dialRaw(t, addr, codec.CodecTypeJSON).handshake("/echo", "secret")
	assert.Empty(t, ok.Error)
}

func TestInvokeErrors(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.MapHub("/echo", echoHub()))
	addr := startServer(t, svr)

	c := dialRaw(t, addr, codec.CodecTypeJSON)
	c.handshake("/echo", "")

	c.send(protocol.MsgTypeInvoke, 2, &message.HubMessage{Target: "Nope", StreamID: 1})
	_, reply := c.read()
	assert.Contains(t, reply.Error, "unknown action")

	c.send(protocol.MsgTypeInvoke, 3, &message.HubMessage{Target: "Echo", StreamID: 5})
	_, reply = c.read()
	require.Empty(t, reply.Error)

	c.send(protocol.MsgTypeInvoke, 4, &message.HubMessage{Target: "Echo", StreamID: 5})
	_, reply = c.read()
	assert.Contains(t, reply.Error, "already bound")
}

func TestDisconnectFailsOpenStreams(t *testing.T) {
	svr := NewServer()
	hub := NewHub("blocking")
	ended := make(chan error, 1)
	hub.HandleStream("Wait", func(ctx context.Context, call *Call) error {
		_, err := call.Items.Read(context.Background())
		ended <- err
		return nil
	})
	require.NoError(t, svr.MapHub("/blocking", hub))
	addr := startServer(t, svr)

	c := dialRaw(t, addr, codec.CodecTypeJSON)
	c.handshake("/blocking", "")
	c.send(protocol.MsgTypeInvoke, 2, &message.HubMessage{Target: "Wait", StreamID: 1})
	c.read()
	c.conn.Close()

	select {
	case err := <-ended:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("action was not released on disconnect")
	}
	assert.Eventually(t, func() bool { return hub.Clients().Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	svr := NewServer()
	hub := echoHub()
	require.NoError(t, svr.MapHub("/echo", hub))
	addr := startServer(t, svr)

	sender := dialRaw(t, addr, codec.CodecTypeJSON)
	sender.handshake("/echo", "")
	listener := dialRaw(t, addr, codec.CodecTypeBinary)
	listener.handshake("/echo", "")
	require.Eventually(t, func() bool { return hub.Clients().Count() == 2 }, time.Second, 10*time.Millisecond)

	sender.send(protocol.MsgTypeInvoke, 2, &message.HubMessage{Target: "Echo", StreamID: 1})
	sender.read()
	sender.send(protocol.MsgTypeStreamItem, 0, &message.HubMessage{StreamID: 1, Payload: []byte("hi")})

	var wg sync.WaitGroup
	for _, c := range []*rawClient{sender, listener} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			h, msg, err := codec.ReadMessage(c.conn)
			if assert.NoError(t, err) {
				assert.Equal(t, protocol.MsgTypeEvent, h.MsgType)
				assert.Equal(t, "hi", string(msg.Payload))
			}
		}()
	}
	wg.Wait()
}

func TestShutdownDeregistersAndCloses(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(WithName("echo-svc"))
	hub := NewHub("slow")
	hub.HandleStream("Drain", func(ctx context.Context, call *Call) error {
		for {
			if _, err := call.Items.Read(ctx); err != nil {
				return nil
			}
		}
	})
	require.NoError(t, svr.MapHub("/slow", hub))
	addr, err := svr.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- svr.Serve(addr.String(), reg) }()
	require.Eventually(t, func() bool {
		inst, _ := reg.Discover("echo-svc")
		return len(inst) == 1
	}, time.Second, 10*time.Millisecond)

	c := dialRaw(t, addr, codec.CodecTypeJSON)
	c.handshake("/slow", "")
	c.send(protocol.MsgTypeInvoke, 2, &message.HubMessage{Target: "Drain", StreamID: 1})
	c.read()

	require.NoError(t, svr.Shutdown(time.Second))
	assert.NoError(t, <-served)

	inst, _ := reg.Discover("echo-svc")
	assert.Empty(t, inst)

	h, msg := c.read()
	assert.Equal(t, protocol.MsgTypeClose, h.MsgType)
	assert.Equal(t, "server shutting down", msg.Error)
}

func TestServeWithoutListen(t *testing.T) {
	assert.ErrorIs(t, NewServer().Serve("", nil), ErrNotListening)
}

func TestMapHubTwice(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.MapHub("/a", NewHub("a")))
	assert.Error(t, svr.MapHub("/a", NewHub("b")))
}

func TestTrackRacesShutdown(t *testing.T) {
	svr := NewServer()
	start := make(chan struct{})
	var wg sync.WaitGroup
	var running atomic.Int32
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := svr.track(func() error { return nil }); err != nil {
				assert.ErrorIs(t, err, ErrServerShutdown)
				return
			}
			running.Add(1)
			time.Sleep(time.Millisecond)
			running.Add(-1)
			svr.wg.Done()
		}()
	}
	close(start)
	require.NoError(t, svr.Shutdown(time.Second))
	assert.Zero(t, running.Load(), "Shutdown waits for every tracked action")

	bound := false
	err := svr.track(func() error { bound = true; return nil })
	assert.ErrorIs(t, err, ErrServerShutdown)
	assert.False(t, bound, "no stream is bound once shutdown started")
	wg.Wait()
}
