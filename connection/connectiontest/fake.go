// Package connectiontest provides an in-memory connection.Transport for
// tests of the layers above the transport.
package connectiontest

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"hubstream/connection"
	"hubstream/message"
	"hubstream/observer"
	"hubstream/transport"
)

// Invocation records one Invoke call.
type Invocation struct {
	Action   string
	StreamID uint32
}

// Fake is a scriptable Transport. Set the *Err fields before use to make the
// matching call fail.
type Fake struct {
	StartErr  error
	StopErr   error
	InvokeErr error
	SendErr   error

	// OnItem, when set, is called for every SendItem after it is recorded.
	OnItem func(f *Fake, streamID uint32, payload []byte)

	mu          sync.Mutex
	state       transport.State
	id          string
	nextStream  uint32
	invoked     []Invocation
	items       map[uint32][][]byte
	completed   map[uint32]string
	starts      int
	stops       int
	subsAtStart int

	events observer.Registry[string, transport.EventHandler]
	closed observer.Registry[string, transport.ClosedHandler]
}

var _ connection.Transport = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		state:     transport.StateDisconnected,
		id:        uuid.NewString(),
		items:     make(map[uint32][][]byte),
		completed: make(map[uint32]string),
	}
}

func (f *Fake) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.subsAtStart = f.events.Len()
	if f.StartErr != nil {
		return f.StartErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.state = transport.StateConnected
	return nil
}

func (f *Fake) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stops++
	was := f.state
	f.state = transport.StateDisconnected
	err := f.StopErr
	f.mu.Unlock()
	if was == transport.StateConnected {
		for _, h := range f.closed.Handlers("") {
			h(nil)
		}
	}
	return err
}

// Drop simulates losing the connection with cause.
func (f *Fake) Drop(cause error) {
	f.mu.Lock()
	f.state = transport.StateDisconnected
	f.mu.Unlock()
	for _, h := range f.closed.Handlers("") {
		h(cause)
	}
}

func (f *Fake) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) ConnectionID() string { return f.id }

func (f *Fake) On(event string, h transport.EventHandler) transport.Subscription {
	return f.events.Subscribe(event, h)
}

func (f *Fake) Off(sub transport.Subscription) { f.events.Unsubscribe(sub) }

func (f *Fake) OnClosed(h transport.ClosedHandler) transport.Subscription {
	return f.closed.Subscribe("", h)
}

func (f *Fake) OffClosed(sub transport.Subscription) { f.closed.Unsubscribe(sub) }

func (f *Fake) Invoke(ctx context.Context, action string, streamID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StateConnected {
		return transport.ErrNotConnected
	}
	if f.InvokeErr != nil {
		return f.InvokeErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.invoked = append(f.invoked, Invocation{Action: action, StreamID: streamID})
	return nil
}

func (f *Fake) NewStreamID() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextStream++
	return f.nextStream
}

func (f *Fake) SendItem(streamID uint32, payload []byte) error {
	f.mu.Lock()
	if f.state != transport.StateConnected {
		f.mu.Unlock()
		return transport.ErrNotConnected
	}
	if f.SendErr != nil {
		err := f.SendErr
		f.mu.Unlock()
		return err
	}
	f.items[streamID] = append(f.items[streamID], payload)
	hook := f.OnItem
	f.mu.Unlock()
	if hook != nil {
		hook(f, streamID, payload)
	}
	return nil
}

func (f *Fake) CompleteStream(streamID uint32, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.completed[streamID]; ok {
		return errors.New("stream already completed")
	}
	f.completed[streamID] = errMsg
	return nil
}

// Push delivers a push event to the current subscribers synchronously.
func (f *Fake) Push(event string, payload []byte) {
	msg := &message.HubMessage{Target: event, Payload: payload}
	for _, h := range f.events.Handlers(event) {
		h(msg)
	}
}

// Subscribers counts the handlers registered for event.
func (f *Fake) Subscribers(event string) int {
	return len(f.events.Handlers(event))
}

// ClosedSubscribers counts the registered closed handlers.
func (f *Fake) ClosedSubscribers() int {
	return len(f.closed.Handlers(""))
}

func (f *Fake) Invocations() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Invocation(nil), f.invoked...)
}

func (f *Fake) Items(streamID uint32) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.items[streamID]...)
}

// Completion returns the error message a stream was completed with.
func (f *Fake) Completion(streamID uint32) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.completed[streamID]
	return msg, ok
}

func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// SubscriptionsAtStart is the number of event handlers registered when
// Start was last called.
func (f *Fake) SubscriptionsAtStart() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subsAtStart
}

func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// Factory hands out a new Fake on every dial.
type Factory struct {
	// Configure, when set, prepares each Fake before it is returned.
	Configure func(f *Fake)

	mu     sync.Mutex
	dialed []*Fake
	urls   []*url.URL
}

func (fa *Factory) Dial(u *url.URL, tokens transport.TokenProvider) connection.Transport {
	f := New()
	if fa.Configure != nil {
		fa.Configure(f)
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.dialed = append(fa.dialed, f)
	fa.urls = append(fa.urls, u)
	return f
}

// Dialed returns every Fake handed out, oldest first.
func (fa *Factory) Dialed() []*Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]*Fake(nil), fa.dialed...)
}

// Last returns the most recent Fake, or nil.
func (fa *Factory) Last() *Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.dialed) == 0 {
		return nil
	}
	return fa.dialed[len(fa.dialed)-1]
}

// URLs returns the URLs passed to Dial, oldest first.
func (fa *Factory) URLs() []*url.URL {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]*url.URL(nil), fa.urls...)
}
