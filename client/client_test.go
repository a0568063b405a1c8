package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubstream/connection/connectiontest"
	"hubstream/envelope"
	"hubstream/errcode"
	"hubstream/message"
	"hubstream/payload"
)

type ping struct {
	payload.Meta
	N int `json:"n"`
}

func (ping) PayloadType() string { return "client_test.ping" }

type pong struct {
	payload.Meta
	N int `json:"n"`
}

func (pong) PayloadType() string { return "client_test.pong" }

func init() {
	payload.MustRegister(ping{}, pong{})
}

// echoing answers every item with a pong, or with a failure once the item
// reaches failAt (0 disables failures).
func echoing(t *testing.T, failAt int) *connectiontest.Factory {
	return &connectiontest.Factory{Configure: func(f *connectiontest.Fake) {
		f.OnItem = func(f *connectiontest.Fake, streamID uint32, raw []byte) {
			in, err := payload.DecodeAs[ping](payload.Default, raw)
			if !assert.NoError(t, err) {
				return
			}
			var res *envelope.Result[pong]
			if failAt > 0 && in.N >= failAt {
				res = envelope.FromError[pong](errors.New("too big"), "")
			} else {
				res = envelope.Success(pong{N: in.N})
			}
			data, err := json.Marshal(res)
			if assert.NoError(t, err) {
				f.Push(message.EventReceiveStreamingResponse, data)
			}
		}
	}}
}

type collector struct {
	mu   sync.Mutex
	outs []int
	errs []error
}

func (c *collector) handle(out pong, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.errs = append(c.errs, err)
		return
	}
	c.outs = append(c.outs, out.N)
}

func (c *collector) snapshot() ([]int, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.outs...), append([]error(nil), c.errs...)
}

func newAction(fa *connectiontest.Factory) *Action[ping, pong] {
	u, _ := url.Parse("tcp://127.0.0.1:1/StreamingTestHub")
	return NewAction[ping, pong](u, "StreamingTestAsync", nil, WithDialer(fa.Dial))
}

func TestSendEstablishesOnce(t *testing.T) {
	fa := echoing(t, 0)
	a := newAction(fa)
	ctx := context.Background()
	var c collector

	assert.False(t, a.IsOpen())
	for i := 1; i <= 10; i++ {
		require.NoError(t, a.Send(ctx, c.handle, ping{N: i}))
	}
	assert.True(t, a.IsOpen())
	require.NoError(t, a.Stop(ctx))

	require.Len(t, fa.Dialed(), 1)
	fake := fa.Last()
	assert.Equal(t, []connectiontest.Invocation{{Action: "StreamingTestAsync", StreamID: 1}}, fake.Invocations())
	outs, errs := c.snapshot()
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, outs)
	assert.Empty(t, errs)
	msg, completed := fake.Completion(1)
	assert.True(t, completed)
	assert.Empty(t, msg)
}

func TestFailureResultRaisesAggregate(t *testing.T) {
	fa := echoing(t, 3)
	a := newAction(fa)
	ctx := context.Background()
	var c collector

	for i := 1; i <= 3; i++ {
		require.NoError(t, a.Send(ctx, c.handle, ping{N: i}))
	}
	require.NoError(t, a.Stop(ctx))

	outs, errs := c.snapshot()
	assert.Equal(t, []int{1, 2}, outs)
	require.Len(t, errs, 1)
	var agg *errcode.AggregateError
	require.ErrorAs(t, errs[0], &agg)
	assert.NotEmpty(t, agg.CorrelationID)
	assert.Equal(t, []errcode.Code{errcode.UnknownError}, agg.Codes())
}

func TestSendAfterConnectionLoss(t *testing.T) {
	fa := echoing(t, 0)
	a := newAction(fa)
	ctx := context.Background()
	var c collector
	require.NoError(t, a.Send(ctx, c.handle, ping{N: 1}))

	fa.Last().Drop(errors.New("reset by peer"))
	err := a.Send(ctx, c.handle, ping{N: 2})
	var ce *errcode.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, errcode.UnknownError, ce.Code)
	assert.ErrorIs(t, err, errcode.ErrConnection)
	assert.Len(t, fa.Dialed(), 1, "no automatic reconnect")

	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Send(ctx, c.handle, ping{N: 3}), "a stopped action starts from scratch")
	assert.Len(t, fa.Dialed(), 2)
	require.NoError(t, a.Stop(ctx))
}

func TestStopStates(t *testing.T) {
	fa := echoing(t, 0)
	a := newAction(fa)
	ctx := context.Background()

	assert.ErrorIs(t, a.Stop(ctx), errcode.ErrInvalidState, "stop before any send")

	require.NoError(t, a.Send(ctx, nil, ping{N: 1}))
	first := fa.Last()
	require.NoError(t, a.Stop(ctx))
	assert.False(t, a.IsOpen())
	assert.Equal(t, 1, first.Stops())
	assert.ErrorIs(t, a.Stop(ctx), errcode.ErrInvalidState, "double stop")

	require.NoError(t, a.Send(ctx, nil, ping{N: 2}))
	assert.NotSame(t, first, fa.Last())
	require.NoError(t, a.Stop(ctx))
}

func TestEstablishFailures(t *testing.T) {
	ctx := context.Background()

	refused := errors.New("refused")
	fa := &connectiontest.Factory{Configure: func(f *connectiontest.Fake) { f.StartErr = refused }}
	err := newAction(fa).Send(ctx, nil, ping{N: 1})
	assert.ErrorIs(t, err, errcode.ErrConnection)
	assert.ErrorIs(t, err, refused)

	unknown := errors.New("unknown action")
	fa = &connectiontest.Factory{Configure: func(f *connectiontest.Fake) { f.InvokeErr = unknown }}
	a := newAction(fa)
	err = a.Send(ctx, nil, ping{N: 1})
	assert.ErrorIs(t, err, errcode.ErrConnection)
	assert.ErrorIs(t, err, unknown)
	assert.Equal(t, 1, fa.Last().Stops(), "half-established connection is stopped")
	assert.False(t, a.IsOpen())

	_ = a.Send(ctx, nil, ping{N: 1})
	assert.Len(t, fa.Dialed(), 2, "the next send retries from scratch")
}

func TestConcurrentFirstSend(t *testing.T) {
	fa := echoing(t, 0)
	a := newAction(fa)
	ctx := context.Background()
	var c collector

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, a.Send(ctx, c.handle, ping{N: i}))
		}()
	}
	wg.Wait()
	require.NoError(t, a.Stop(ctx))

	assert.Len(t, fa.Dialed(), 1, "one connection for racing first sends")
	assert.Len(t, fa.Last().Invocations(), 1)
	outs, _ := c.snapshot()
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, outs)
}

func TestActionsAreIsolated(t *testing.T) {
	normal, failing := echoing(t, 0), echoing(t, 1)
	u, _ := url.Parse("tcp://127.0.0.1:1/hub")
	a := NewAction[ping, pong](u, "StreamingTestAsync", nil, WithDialer(normal.Dial))
	b := NewAction[ping, pong](u, "StreamingExceptionTestAsync", nil, WithDialer(failing.Dial))
	ctx := context.Background()
	var ca, cb collector

	require.NoError(t, a.Send(ctx, ca.handle, ping{N: 1}))
	require.NoError(t, b.Send(ctx, cb.handle, ping{N: 1}))
	require.NoError(t, b.Stop(ctx))
	assert.True(t, a.IsOpen(), "stopping one action leaves the other running")
	require.NoError(t, a.Send(ctx, ca.handle, ping{N: 2}))
	require.NoError(t, a.Stop(ctx))

	outsA, errsA := ca.snapshot()
	assert.Equal(t, []int{1, 2}, outsA)
	assert.Empty(t, errsA)
	outsB, errsB := cb.snapshot()
	assert.Empty(t, outsB)
	assert.Len(t, errsB, 1)
	assert.Equal(t, "StreamingExceptionTestAsync", failing.Last().Invocations()[0].Action)
}

func TestDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	fa := &connectiontest.Factory{Configure: func(f *connectiontest.Fake) {
		f.OnItem = func(*connectiontest.Fake, uint32, []byte) { <-block }
	}}
	u, _ := url.Parse("tcp://127.0.0.1:1/hub")
	a := NewAction[ping, pong](u, "Slow", nil, WithDialer(fa.Dial), WithDrainTimeout(20*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, a.Send(ctx, nil, ping{N: 1}))

	err := a.Stop(ctx)
	close(block)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, a.IsOpen())
}

func TestCancelledSendStillEstablishes(t *testing.T) {
	fa := echoing(t, 0)
	a := newAction(fa)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	var c collector

	err := a.Send(cancelled, c.handle, ping{N: 1})
	assert.ErrorIs(t, err, errcode.ErrChannelWrite)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, a.IsOpen(), "ctx aborts the write, not the connection")
	require.Len(t, fa.Last().Invocations(), 1)

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, c.handle, ping{N: 2}))
	require.NoError(t, a.Stop(ctx))
	assert.Len(t, fa.Dialed(), 1)
	outs, _ := c.snapshot()
	assert.Equal(t, []int{2}, outs)
}
