package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubstream/codec"
	"hubstream/message"
	"hubstream/server"
)

// startEcho serves a hub at /echo whose "Echo" action pushes every item
// back as an "echo" event.
func startEcho(t *testing.T, opts ...server.Option) (*server.Server, net.Addr) {
	svr := server.NewServer(opts...)
	hub := server.NewHub("echo")
	hub.HandleStream("Echo", func(ctx context.Context, call *server.Call) error {
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
	require.NoError(t, svr.MapHub("/echo", hub))
	addr, err := svr.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve("", nil)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, addr
}

func hubURL(addr net.Addr, path string) *url.URL {
	return &url.URL{Scheme: "tcp", Host: addr.String(), Path: path}
}

func TestStartInvokeAndEvents(t *testing.T) {
	_, addr := startEcho(t)
	ct := NewClientTransport(hubURL(addr, "/echo"), nil, WithCodec(codec.CodecTypeMsgpack))
	assert.Equal(t, StateDisconnected, ct.State())

	ctx := context.Background()
	require.NoError(t, ct.Start(ctx))
	defer ct.Stop(ctx)
	assert.Equal(t, StateConnected, ct.State())
	assert.NotEmpty(t, ct.ConnectionID())

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	ct.On("echo", func(msg *message.HubMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg.Payload))
		if len(got) == 10 {
			close(done)
		}
	})

	id := ct.NewStreamID()
	require.NoError(t, ct.Invoke(ctx, "Echo", id))
	want := make([]string, 10)
	for i := range want {
		want[i] = string(rune('a' + i))
		require.NoError(t, ct.SendItem(id, []byte(want[i])))
	}
	require.NoError(t, ct.CompleteStream(id, ""))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echoes")
	}
	mu.Lock()
	assert.Equal(t, want, got, "events arrive in send order")
	mu.Unlock()
}

func TestInvokeUnknownAction(t *testing.T) {
	_, addr := startEcho(t)
	ct := NewClientTransport(hubURL(addr, "/echo"), nil)
	ctx := context.Background()
	require.NoError(t, ct.Start(ctx))
	defer ct.Stop(ctx)

	err := ct.Invoke(ctx, "Missing", ct.NewStreamID())
	assert.ErrorIs(t, err, ErrRemote)
	assert.ErrorContains(t, err, "unknown action")
}

func TestAccessToken(t *testing.T) {
	_, addr := startEcho(t, server.WithAuthenticator(func(ctx context.Context, path, token string) error {
		if token != "t0k3n" {
			return errors.New("bad token")
		}
		return nil
	}))

	calls := 0
	good := NewClientTransport(hubURL(addr, "/echo"), func(ctx context.Context) (string, error) {
		calls++
		return "t0k3n", nil
	})
	require.NoError(t, good.Start(context.Background()))
	good.Stop(context.Background())
	assert.Equal(t, 1, calls)

	bad := NewClientTransport(hubURL(addr, "/echo"), func(ctx context.Context) (string, error) {
		return "nope", nil
	})
	err := bad.Start(context.Background())
	assert.ErrorContains(t, err, "unauthorized")
	assert.Equal(t, StateDisconnected, bad.State())

	failing := NewClientTransport(hubURL(addr, "/echo"), func(ctx context.Context) (string, error) {
		return "", errors.New("no credentials")
	})
	assert.ErrorContains(t, failing.Start(context.Background()), "no credentials")
}

func TestStartTwiceAndRestart(t *testing.T) {
	_, addr := startEcho(t)
	ct := NewClientTransport(hubURL(addr, "/echo"), nil)
	ctx := context.Background()
	require.NoError(t, ct.Start(ctx))
	assert.ErrorIs(t, ct.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, ct.Stop(ctx))
	require.NoError(t, ct.Stop(ctx), "second stop is a no-op")
	assert.Equal(t, StateDisconnected, ct.State())
	assert.ErrorIs(t, ct.Start(ctx), ErrAlreadyStarted, "a stopped transport cannot be reused")
	assert.Error(t, ct.SendItem(1, nil))
}

func TestDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr()
	l.Close()

	ct := NewClientTransport(hubURL(addr, "/echo"), nil, WithDialTimeout(time.Second))
	assert.Error(t, ct.Start(context.Background()))
	assert.Equal(t, StateDisconnected, ct.State())
}

func TestClosedHandlers(t *testing.T) {
	svr, addr := startEcho(t)
	ct := NewClientTransport(hubURL(addr, "/echo"), nil, WithHeartbeat(10*time.Millisecond))
	require.NoError(t, ct.Start(context.Background()))

	closed := make(chan error, 1)
	ct.OnClosed(func(err error) { closed <- err })
	dropped := ct.OnClosed(func(err error) { t.Error("unsubscribed handler called") })
	ct.OffClosed(dropped)

	time.Sleep(30 * time.Millisecond) // let a few heartbeats through
	require.NoError(t, svr.Shutdown(time.Second))

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorContains(t, err, "server shutting down")
	case <-time.After(2 * time.Second):
		t.Fatal("closed handler not called")
	}
	assert.Equal(t, StateDisconnected, ct.State())
}

func TestLocalStopReportsNil(t *testing.T) {
	_, addr := startEcho(t)
	ct := NewClientTransport(hubURL(addr, "/echo"), nil)
	require.NoError(t, ct.Start(context.Background()))

	closed := make(chan error, 1)
	ct.OnClosed(func(err error) { closed <- err })
	require.NoError(t, ct.Stop(context.Background()))
	assert.NoError(t, <-closed)
}

func TestOffStopsDelivery(t *testing.T) {
	_, addr := startEcho(t)
	ct := NewClientTransport(hubURL(addr, "/echo"), nil)
	ctx := context.Background()
	require.NoError(t, ct.Start(ctx))
	defer ct.Stop(ctx)

	kept := make(chan string, 4)
	sub := ct.On("echo", func(msg *message.HubMessage) { t.Error("removed handler called") })
	ct.On("echo", func(msg *message.HubMessage) { kept <- string(msg.Payload) })
	ct.Off(sub)

	id := ct.NewStreamID()
	require.NoError(t, ct.Invoke(ctx, "Echo", id))
	require.NoError(t, ct.SendItem(id, []byte("x")))
	select {
	case v := <-kept:
		assert.Equal(t, "x", v)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
}
